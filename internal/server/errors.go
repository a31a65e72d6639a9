package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	dispenserdomain "github.com/muneebkhan4/tapflow/internal/dispenser/domain"
	"gorm.io/gorm"
)

// The wire shapes below are load-bearing: existing clients match on the
// exact message strings.
const (
	msgDispenserNotFound   = "Dispenser not found."
	msgDispenserInUse      = "Dispenser is already in use."
	msgFlowVolumeRequired  = "Flow volume is required."
	msgDispenserIDRequired = "Dispenser ID is required."
	msgTooManyRequests     = "Too many requests."
	msgInvalidRequest      = "Invalid request."
	msgInternalServerError = "Internal server error."
	msgUpdatedDispenser    = "Updated dispenser."
	msgOpened              = "Opened"
)

var (
	ErrDispenserIDRequired = errors.New("dispenser_id_required")
	ErrTooManyRequests     = errors.New("too_many_requests")
	ErrInvalidRequest      = errors.New("invalid_request")
)

type messageResponse struct {
	Message string `json:"message"`
}

// ErrorHandlingMiddleware serializes the last recorded error after the
// handler chain finishes, unless a response was already written.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, message := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, messageResponse{Message: message})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, dispenserdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, msgDispenserNotFound
	case errors.Is(err, dispenserdomain.ErrAlreadyOpen):
		return http.StatusBadRequest, msgDispenserInUse
	case errors.Is(err, dispenserdomain.ErrFlowVolumeRequired):
		return http.StatusBadRequest, msgFlowVolumeRequired
	case errors.Is(err, ErrDispenserIDRequired):
		return http.StatusBadRequest, msgDispenserIDRequired
	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests, msgTooManyRequests
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, msgInvalidRequest
	default:
		return http.StatusInternalServerError, msgInternalServerError
	}
}

// classifyErrorForLog labels errors for the request log without leaking
// internals into the response path.
func classifyErrorForLog(err error) (string, string) {
	switch {
	case errors.Is(err, dispenserdomain.ErrNotFound):
		return "not_found", "dispenser_not_found"
	case errors.Is(err, dispenserdomain.ErrAlreadyOpen):
		return "conflict", "dispenser_already_open"
	case errors.Is(err, dispenserdomain.ErrFlowVolumeRequired):
		return "validation_error", "flow_volume_required"
	case errors.Is(err, ErrDispenserIDRequired):
		return "validation_error", "dispenser_id_required"
	case errors.Is(err, ErrTooManyRequests):
		return "rate_limited", "too_many_requests"
	case errors.Is(err, ErrInvalidRequest):
		return "validation_error", "invalid_request"
	default:
		return "internal_error", "internal"
	}
}
