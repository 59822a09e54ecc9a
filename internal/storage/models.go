package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job kinds.
const (
	KindWebhook = "webhook"
	KindExport  = "export"
)

// Job statuses. A retryable failure is not its own resting state: the job
// goes straight back to StatusQueued with attempts incremented and a
// run_after in the future.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusSuperseded = "superseded"
)

// Job is one unit of delivery work. The payload is captured at enqueue
// time; a job references its invoice by id only and never carries the live
// record or the source PDF.
type Job struct {
	ID              string
	InvoiceID       string
	Kind            string
	PayloadJSON     string
	Status          string
	Attempts        int
	MaxAttempts     int
	CancelRequested bool
	RunAfter        time.Time
	LeaseExpiresAt  time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastError       string
}
