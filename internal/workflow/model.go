package workflow

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rivet-gg/actor-orchestrator/internal/kv"
)

// Row is the primary Workflow record (spec.md §3 "Workflow"). WorkerID is
// the lease holder; its corresponding lease key is written/cleared alongside
// this row so absence of the lease key is always consistent with WorkerID
// being empty.
type Row struct {
	WorkflowID uuid.UUID         `json:"workflow_id"`
	Name       string            `json:"workflow_name"`
	Tags       map[string]string `json:"tags,omitempty"`
	Input      json.RawMessage   `json:"input,omitempty"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreateTS   int64             `json:"create_ts"`
	RayID      string            `json:"ray_id,omitempty"`
	WorkerID   string            `json:"worker_instance_id,omitempty"`

	WakeImmediate     bool            `json:"wake_immediate,omitempty"`
	WakeDeadlineTS    *int64          `json:"wake_deadline_ts,omitempty"`
	WakeSignals       map[string]bool `json:"wake_signals,omitempty"`
	WakeSubWorkflowID *uuid.UUID      `json:"wake_sub_workflow_id,omitempty"`
}

// Runnable reports whether the workflow's wake predicate currently holds,
// per spec.md §3's Workflow invariant. subWorkflowDone tells the caller
// whether WakeSubWorkflowID (if set) has completed; callers supply it since
// checking requires reading the child's row.
func (r *Row) Runnable(now int64, hasMatchingSignal bool, subWorkflowDone bool) bool {
	if r.Output != nil || r.WorkerID != "" {
		return false
	}
	if r.WakeImmediate {
		return true
	}
	if r.WakeDeadlineTS != nil && *r.WakeDeadlineTS <= now {
		return true
	}
	if hasMatchingSignal {
		return true
	}
	if r.WakeSubWorkflowID != nil && subWorkflowDone {
		return true
	}
	return false
}

// Get reads a workflow's primary row.
func Get(ctx context.Context, tx kv.Transaction, workflowID uuid.UUID) (*Row, error) {
	v, err := tx.Get(ctx, kv.WorkflowKey(workflowID))
	if err != nil {
		return nil, err
	}
	var r Row
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Put writes a workflow's primary row and keeps its tag index in sync
// (spec.md §3: secondary indexes are updated in the same transaction as the
// primary mutation). prevTags is the previously indexed tag set, or nil for
// a brand-new workflow.
func Put(ctx context.Context, tx kv.Transaction, r *Row, prevTags map[string]string) {
	for k, v := range prevTags {
		if r.Tags[k] != v {
			tx.Clear(ctx, kv.WorkflowTagIndexKey(k, v, r.WorkflowID))
		}
	}
	for k, v := range r.Tags {
		if prevTags[k] != v {
			tx.Set(ctx, kv.WorkflowTagIndexKey(k, v, r.WorkflowID), nil)
		}
	}
	b, _ := json.Marshal(r)
	tx.Set(ctx, kv.WorkflowKey(r.WorkflowID), b)
}

// AcquireLease CASes the workflow's lease to workerID, failing (via a KV
// conflict on the lease key, surfaced by add_conflict_range) if another
// worker already holds it. It adds a read conflict range on the lease key
// itself before writing, so a concurrent acquire by another worker forces a
// retry rather than a silent double-lease.
func AcquireLease(ctx context.Context, tx kv.Transaction, workflowID uuid.UUID, workerID string) {
	tx.AddConflictRange(ctx, kv.WorkflowLeaseKey(workflowID), append(append([]byte{}, kv.WorkflowLeaseKey(workflowID)...), 0x00), kv.ConflictRead)
	tx.Set(ctx, kv.WorkflowLeaseKey(workflowID), []byte(workerID))
}

// ReleaseLease clears the lease key, making the workflow eligible for
// pull_workflows again once its wake predicate holds.
func ReleaseLease(ctx context.Context, tx kv.Transaction, workflowID uuid.UUID) {
	tx.Clear(ctx, kv.WorkflowLeaseKey(workflowID))
}

// LeaseHolder reads the current lease holder, or "" if idle.
func LeaseHolder(ctx context.Context, tx kv.Transaction, workflowID uuid.UUID) (string, error) {
	v, err := tx.Get(ctx, kv.WorkflowLeaseKey(workflowID))
	if err != nil {
		if err == kv.ErrNotFound {
			return "", nil
		}
		return "", err
	}
	return string(v), nil
}
