// Package model holds the sandbox pool's single domain entity and its
// lifecycle vocabulary.
package model

// Status is the lifecycle state of a pooled sandbox.
type Status string

const (
	StatusAvailable       Status = "available"
	StatusAllocated       Status = "allocated"
	StatusPendingDeletion Status = "pending_deletion"
	StatusStale           Status = "stale"
	StatusDeletionFailed  Status = "deletion_failed"
)

// AllStatuses lists every valid status, in lifecycle order.
var AllStatuses = []Status{
	StatusAvailable,
	StatusAllocated,
	StatusPendingDeletion,
	StatusStale,
	StatusDeletionFailed,
}

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusAllocated, StatusPendingDeletion, StatusStale, StatusDeletionFailed:
		return true
	}
	return false
}

// Sandbox is a pre-provisioned CSP account tracked by the broker. Timestamps
// are Unix seconds. AllocatedAt is zero while the record is available so the
// status index can use it as a sort key.
type Sandbox struct {
	SandboxID  string `json:"sandbox_id" dynamodbav:"sandbox_id"`
	Name       string `json:"name" dynamodbav:"name"`
	ExternalID string `json:"external_id" dynamodbav:"external_id"`
	Status     Status `json:"status" dynamodbav:"status"`

	AllocatedTo string `json:"allocated_to_sandbox_id,omitempty" dynamodbav:"allocated_to_track,omitempty"`
	TrackName   string `json:"track_name,omitempty" dynamodbav:"track_name,omitempty"`
	AllocatedAt int64  `json:"allocated_at" dynamodbav:"allocated_at"`

	IdempotencyKey string `json:"idempotency_key,omitempty" dynamodbav:"idempotency_key,omitempty"`

	DeletionRequestedAt int64 `json:"deletion_requested_at,omitempty" dynamodbav:"deletion_requested_at,omitempty"`
	DeletionRetryCount  int   `json:"deletion_retry_count" dynamodbav:"deletion_retry_count"`

	LastSynced int64 `json:"last_synced,omitempty" dynamodbav:"last_synced,omitempty"`
	CreatedAt  int64 `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt  int64 `json:"updated_at" dynamodbav:"updated_at"`

	LabDurationHours int `json:"lab_duration_hours" dynamodbav:"lab_duration_hours"`
}

// DefaultLabDurationHours is the per-record max hold applied when the CSP
// sync creates a record.
const DefaultLabDurationHours = 4

// ExpiresAt returns when the current hold lapses, or 0 if the record is not
// allocated.
func (s *Sandbox) ExpiresAt() int64 {
	if s.Status != StatusAllocated || s.AllocatedAt == 0 {
		return 0
	}
	return s.AllocatedAt + int64(s.LabDurationHours)*3600
}

// IsExpired reports whether the hold has lapsed past the grace window.
func (s *Sandbox) IsExpired(now int64, graceMinutes int) bool {
	if s.Status != StatusAllocated || s.AllocatedAt == 0 {
		return false
	}
	threshold := s.ExpiresAt() + int64(graceMinutes)*60
	return now > threshold
}

// IsOwnedBy reports whether consumer holds this sandbox right now.
func (s *Sandbox) IsOwnedBy(consumer string) bool {
	return s.Status == StatusAllocated && s.AllocatedTo == consumer
}
