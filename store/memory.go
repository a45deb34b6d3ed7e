package store

import (
	"context"
	"sort"
	"sync"

	"csbx.dev/broker/model"
)

// Memory is a mutex-guarded in-process Store with the same conditional-write
// semantics as the DynamoDB adapter. It backs tests and local development;
// nothing about it survives a restart.
type Memory struct {
	mu      sync.Mutex
	records map[string]*model.Sandbox
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*model.Sandbox)}
}

func (m *Memory) Get(ctx context.Context, sandboxID string) (*model.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.records[sandboxID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sb
	return &cp, nil
}

func (m *Memory) Put(ctx context.Context, sb *model.Sandbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sb
	m.records[sb.SandboxID] = &cp
	return nil
}

func (m *Memory) Delete(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, sandboxID)
	return nil
}

func (m *Memory) SyncUpsert(ctx context.Context, sb *model.Sandbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[sb.SandboxID]
	if ok && existing.Status != model.StatusAvailable {
		return ErrConflict
	}
	cp := *sb
	m.records[sb.SandboxID] = &cp
	return nil
}

func (m *Memory) MarkStale(ctx context.Context, sandboxID string, now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.records[sandboxID]
	if !ok {
		return ErrNotFound
	}
	if sb.Status != model.StatusAvailable {
		return ErrConflict
	}
	sb.Status = model.StatusStale
	sb.UpdatedAt = now
	return nil
}

func (m *Memory) AtomicClaim(ctx context.Context, p ClaimParams) (*model.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.records[p.SandboxID]
	if !ok || sb.Status != model.StatusAvailable {
		return nil, ErrConflict
	}

	sb.Status = model.StatusAllocated
	sb.AllocatedTo = p.Consumer
	sb.AllocatedAt = p.Now
	sb.IdempotencyKey = p.IdempotencyKey
	sb.UpdatedAt = p.Now
	if p.TrackName != "" {
		sb.TrackName = p.TrackName
	}

	cp := *sb
	return &cp, nil
}

func (m *Memory) AtomicRelease(ctx context.Context, p ReleaseParams) (*model.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.records[p.SandboxID]
	if !ok {
		return nil, ErrNotFound
	}
	if sb.Status != model.StatusAllocated || sb.AllocatedTo != p.Consumer {
		return nil, ErrNotOwner
	}
	if sb.AllocatedAt <= p.Now-p.MaxHoldSeconds {
		return nil, ErrExpired
	}

	sb.Status = model.StatusPendingDeletion
	sb.DeletionRequestedAt = p.Now
	sb.UpdatedAt = p.Now
	// the idempotency window is the active hold; free the key on release
	sb.IdempotencyKey = ""

	cp := *sb
	return &cp, nil
}

func (m *Memory) MarkExpired(ctx context.Context, sandboxID string, cutoff, now int64) (*model.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.records[sandboxID]
	if !ok {
		return nil, ErrNotFound
	}
	if sb.Status != model.StatusAllocated || sb.AllocatedAt >= cutoff {
		return nil, ErrConflict
	}

	sb.Status = model.StatusPendingDeletion
	sb.DeletionRequestedAt = now
	sb.UpdatedAt = now
	sb.IdempotencyKey = ""

	cp := *sb
	return &cp, nil
}

func (m *Memory) RecordDeletionFailure(ctx context.Context, sandboxID string, now int64, maxAttempts int) (*model.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.records[sandboxID]
	if !ok {
		return nil, ErrNotFound
	}

	sb.DeletionRetryCount++
	sb.UpdatedAt = now
	if sb.DeletionRetryCount >= maxAttempts && sb.Status == model.StatusPendingDeletion {
		sb.Status = model.StatusDeletionFailed
	}

	cp := *sb
	return &cp, nil
}

func (m *Memory) QueryByStatus(ctx context.Context, status model.Status, limit int32, cursor string) ([]*model.Sandbox, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*model.Sandbox
	for _, sb := range m.records {
		if sb.Status == status {
			matched = append(matched, sb)
		}
	}
	return pageSorted(matched, limit, cursor)
}

func (m *Memory) QueryByOwner(ctx context.Context, consumer string) (*model.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sb := range m.records {
		if sb.AllocatedTo == consumer {
			cp := *sb
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) QueryByIdem(ctx context.Context, key string) (*model.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sb := range m.records {
		if sb.IdempotencyKey == key {
			cp := *sb
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) Scan(ctx context.Context, limit int32, cursor string) ([]*model.Sandbox, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*model.Sandbox, 0, len(m.records))
	for _, sb := range m.records {
		all = append(all, sb)
	}
	return pageSorted(all, limit, cursor)
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// pageSorted orders by allocated_at then id, and resumes after the cursor id.
func pageSorted(records []*model.Sandbox, limit int32, cursor string) ([]*model.Sandbox, string, error) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].AllocatedAt != records[j].AllocatedAt {
			return records[i].AllocatedAt < records[j].AllocatedAt
		}
		return records[i].SandboxID < records[j].SandboxID
	})

	start := 0
	if cursor != "" {
		for i, sb := range records {
			if sb.SandboxID == cursor {
				start = i + 1
				break
			}
		}
	}

	var out []*model.Sandbox
	for i := start; i < len(records) && int32(len(out)) < limit; i++ {
		cp := *records[i]
		out = append(out, &cp)
	}

	next := ""
	if len(out) > 0 && start+len(out) < len(records) {
		next = out[len(out)-1].SandboxID
	}
	return out, next, nil
}
