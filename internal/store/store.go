// Package store persists the merge run log.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = eris.New("store: run not found")

// RunStatus represents the state of a merge run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// MergeRun records one invocation of the duplicate merge engine.
type MergeRun struct {
	ID          string    `json:"id" yaml:"id"`
	CompanyID   int64     `json:"company_id" yaml:"company_id"`
	GroupKey    string    `json:"group_key" yaml:"group_key"`
	MasterID    int64     `json:"master_id" yaml:"master_id"`
	Operation   string    `json:"operation" yaml:"operation"`
	Status      RunStatus `json:"status" yaml:"status"`
	AbsorbedIDs []int64   `json:"absorbed_ids,omitempty" yaml:"absorbed_ids,omitempty"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	CompanyID int64     `json:"company_id,omitempty"`
	Status    RunStatus `json:"status,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// Store defines the persistence interface for merge runs.
type Store interface {
	// CreateRun inserts run and fills its ID and timestamps.
	CreateRun(ctx context.Context, run *MergeRun) error
	CompleteRun(ctx context.Context, runID string, absorbed []int64) error
	FailRun(ctx context.Context, runID string, message string) error
	GetRun(ctx context.Context, runID string) (*MergeRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]MergeRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100
