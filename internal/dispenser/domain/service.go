package domain

import (
	"context"
	"errors"

	"github.com/muneebkhan4/tapflow/pkg/db/pagination"
)

type CreateDispenserRequest struct {
	FlowVolume float64 `json:"flow_volume"`
	IsOpen     *bool   `json:"is_open"`
}

type ListDispensersRequest struct {
	PageToken string
	PageSize  int32
}

type ListDispensersResponse struct {
	pagination.PageInfo
	Dispensers []Dispenser `json:"dispensers"`
}

type UpdateDispenserRequest struct {
	ID     string
	IsOpen *bool
}

type Service interface {
	Create(context.Context, CreateDispenserRequest) (Dispenser, error)
	List(context.Context, ListDispensersRequest) (ListDispensersResponse, error)
	GetByID(ctx context.Context, id string) (Dispenser, error)

	// TryOpen is the state gate: it atomically flips is_open from false to
	// true and opens a pending usage record. Exactly one of two concurrent
	// calls on the same dispenser succeeds.
	TryOpen(ctx context.Context, id string) (Session, error)

	// Close flips is_open to false and wakes any waiting session monitor.
	// Closing an already-closed dispenser is a no-op.
	Close(ctx context.Context, id string) error

	Update(context.Context, UpdateDispenserRequest) error
}

var (
	ErrNotFound           = errors.New("dispenser_not_found")
	ErrAlreadyOpen        = errors.New("dispenser_already_open")
	ErrFlowVolumeRequired = errors.New("flow_volume_required")
	ErrInvalidID          = errors.New("invalid_dispenser_id")
)
