package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a MediaItem is moved along an edge
// its lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a MediaItem.
type Status string

const (
	StatusPending            Status = "pending"
	StatusUploading          Status = "uploading"
	StatusAwaitingCompletion Status = "awaiting_completion"
	StatusDownloading        Status = "downloading"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MediaItem is a local media file moving through the pipeline.
//
// An item is created Pending when it is accepted into the item queue and is
// only ever mutated by the worker currently holding it:
//
//	Pending → Uploading → AwaitingCompletion → Downloading → Completed
//
// Any non-terminal state may also move to Failed.
type MediaItem struct {
	// ID identifies the item in logs and events.
	ID uuid.UUID

	// SourcePath is the local file that gets uploaded.
	SourcePath string

	// Token is set once the upload succeeds.
	Token CompletionToken

	// ResultPath is set once the enhanced file is on disk.
	ResultPath string

	// Status is the current lifecycle state.
	Status Status

	// Err holds the failure cause for a Failed item.
	Err error

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewMediaItem creates a Pending item for the file at path.
func NewMediaItem(path string) *MediaItem {
	now := time.Now()
	return &MediaItem{
		ID:         uuid.New(),
		SourcePath: path,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Name returns the base name of the source file.
func (m *MediaItem) Name() string {
	return filepath.Base(m.SourcePath)
}

// Transition moves the item to status to, rejecting edges the lifecycle
// does not allow. Moving to the current non-terminal status is a no-op.
func (m *MediaItem) Transition(to Status) error {
	if m.Status == to && !to.IsTerminal() {
		return nil
	}
	if !isValidTransition(m.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
	}
	m.Status = to
	m.UpdatedAt = time.Now()
	return nil
}

// Fail moves the item to Failed and records cause.
func (m *MediaItem) Fail(cause error) error {
	if err := m.Transition(StatusFailed); err != nil {
		return err
	}
	m.Err = cause
	return nil
}

func isValidTransition(from, to Status) bool {
	if to == StatusFailed {
		return !from.IsTerminal()
	}
	switch from {
	case StatusPending:
		return to == StatusUploading
	case StatusUploading:
		return to == StatusAwaitingCompletion
	case StatusAwaitingCompletion:
		return to == StatusDownloading
	case StatusDownloading:
		return to == StatusCompleted
	default:
		return false
	}
}

// Result is a fully retrieved, enhanced file.
type Result struct {
	// Token is the completion token the file was retrieved with.
	Token CompletionToken

	// Path is where the enhanced file was written.
	Path string

	// SourcePath is the original upload, when this pipeline uploaded it.
	// Empty for tokens whose upload happened elsewhere.
	SourcePath string

	CompletedAt time.Time
}
