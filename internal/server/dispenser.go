package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	dispenserdomain "github.com/muneebkhan4/tapflow/internal/dispenser/domain"
)

type createDispenserRequest struct {
	FlowVolume *float64 `json:"flow_volume"`
	IsOpen     *bool    `json:"is_open"`
}

type updateDispenserRequest struct {
	IsOpen *bool `json:"is_open,omitempty"`
}

func (s *Server) CreateDispenser(c *gin.Context) {
	var req createDispenserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, dispenserdomain.ErrFlowVolumeRequired)
		return
	}
	if req.FlowVolume == nil {
		AbortWithError(c, dispenserdomain.ErrFlowVolumeRequired)
		return
	}

	dispenser, err := s.dispenserSvc.Create(c.Request.Context(), dispenserdomain.CreateDispenserRequest{
		FlowVolume: *req.FlowVolume,
		IsOpen:     req.IsOpen,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dispenser)
}

func (s *Server) ListDispensers(c *gin.Context) {
	var query struct {
		PageSize  int32  `form:"page_size"`
		PageToken string `form:"page_token"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.dispenserSvc.List(c.Request.Context(), dispenserdomain.ListDispensersRequest{
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// The body is a plain array. Pagination travels in a header so the
	// response shape stays stable for existing clients.
	if resp.NextPageToken != "" {
		c.Header("X-Next-Page-Token", resp.NextPageToken)
	}
	c.JSON(http.StatusOK, resp.Dispensers)
}

func (s *Server) GetDispenser(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("dispenser_id", id)

	dispenser, err := s.dispenserSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, dispenser)
}

func (s *Server) UpdateDispenser(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("dispenser_id", id)

	var req updateDispenserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// A bodyless PATCH is a valid no-field update; only malformed
		// JSON is rejected.
		if !errors.Is(err, io.EOF) {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	if err := s.dispenserSvc.Update(c.Request.Context(), dispenserdomain.UpdateDispenserRequest{
		ID:     id,
		IsOpen: req.IsOpen,
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, messageResponse{Message: msgUpdatedDispenser})
}
