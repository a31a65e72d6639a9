package domain

import (
	"context"
	"errors"
	"time"
)

// FinalizeSessionRequest carries everything the monitor learned about a
// closed session.
type FinalizeSessionRequest struct {
	UsageRecordID string
	DispenserID   string
	StartTime     time.Time
	FlowVolume    float64
	EndTime       time.Time
}

// Service exposes the read-side aggregation queries and session
// finalization. Every aggregation validates that the dispenser still
// exists: a deleted dispenser reports not-found even when orphaned
// records remain.
type Service interface {
	CountUsages(ctx context.Context, dispenserID string) (int64, error)
	TotalUsageTime(ctx context.Context, dispenserID string) (float64, error)
	TotalMoneyMade(ctx context.Context, dispenserID string) (float64, error)

	FinalizeSession(ctx context.Context, req FinalizeSessionRequest) (UsageRecord, error)

	// ListStaleSessions returns pending records older than the cutoff,
	// for the recovery sweep.
	ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]UsageRecord, error)
}

var (
	ErrInvalidID        = errors.New("invalid_usage_record_id")
	ErrAlreadyFinalized = errors.New("session_already_finalized")
)
