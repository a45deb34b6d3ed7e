// Package csp adapts the upstream cloud provider's HTTP API to the
// narrow surface the broker needs: listing active sandbox accounts and
// destroying one by its external id.
package csp

import "context"

// Account is one sandbox account as the upstream reports it, already
// mapped to broker field names.
type Account struct {
	SandboxID  string
	Name       string
	ExternalID string
	CreatedAt  int64
}

type DestroyResult int

const (
	// DestroyOk means the upstream confirmed the deletion.
	DestroyOk DestroyResult = iota
	// DestroyGone means the object was already absent. Treated as
	// success by every caller.
	DestroyGone
	// DestroyFailed means the upstream rejected or errored the call.
	DestroyFailed
)

func (r DestroyResult) String() string {
	switch r {
	case DestroyOk:
		return "ok"
	case DestroyGone:
		return "gone"
	default:
		return "failed"
	}
}

type Client interface {
	ListActiveSandboxes(ctx context.Context) ([]Account, error)
	Destroy(ctx context.Context, externalID string) (DestroyResult, error)
}
