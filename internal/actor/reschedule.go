package actor

import (
	"time"

	"github.com/rivet-gg/actor-orchestrator/internal/errs"
	"github.com/rivet-gg/actor-orchestrator/internal/workflow"
)

// Timing constants for the actor lifecycle (spec.md §4.E steps 2, 3, 5, 6),
// grounded on original_source/packages/edge/services/pegboard/src/workflows/actor/runtime.rs's
// ACTOR_START_THRESHOLD_MS / BASE_RETRY_TIMEOUT_MS and the teacher repo's
// convention of naming timing knobs as package constants rather than magic
// numbers inline.
const (
	gcTimeoutDuration    = 15 * time.Second
	idleAlarmDuration    = 30 * time.Second
	drainPaddingDuration = 2 * time.Second

	baseRetryTimeoutMS   = 1_000
	retryResetDurationMS = 60_000
	maxRetrySteps        = 8
)

// reschedule implements spec.md §4.E step 5: an exponential backoff loop
// (8-step cap, base BASE_RETRY_TIMEOUT_MS) with reset — if the previous
// retry was more than RETRY_RESET_DURATION_MS ago, retry_count resets to 0 —
// that keeps re-acquiring an allocation and, once allocated, starting the
// actor, returning nil on success. The sleep between attempts is
// interruptible by Destroy (spec.md: "Sleep is interruptible by Destroy");
// exhausting the retry budget without an allocation surfaces a failure via
// errGCExpired's sibling rather than retrying forever.
func reschedule(ctx *workflow.Context, in Input, state *LifecycleState) error {
	// The runner this actor was last assigned to is no longer usable — it
	// either never confirmed Running before the GC deadline, or reported
	// Lost. Release that assignment before racing for a new one, so the
	// slot it held (if the runner is still alive) becomes available to
	// other actors instead of sitting stuck against a dead allocation.
	if state.RunnerID != nil {
		if err := stepClearPortsAndResources(ctx, in, *state.RunnerID); err != nil {
			return err
		}
		state.RunnerID = nil
		state.RunnerWorkflowID = nil
	}

	for {
		now := ctx.Now()
		delay, retryCount := nextRetryDelay(&state.Reschedule, now)
		state.Reschedule.LastRetryTS = now
		state.Reschedule.RetryCount = retryCount

		if retryCount > 0 {
			name, _, timedOut, err := ctx.ListenWithTimeout(delay, SignalDestroy)
			if err != nil {
				return err
			}
			if !timedOut && name == SignalDestroy {
				return errDestroyWhileRescheduling
			}
		}

		sig, err := acquireAllocation(ctx, in, state)
		if err != nil {
			return err
		}
		if sig == SignalDestroy {
			return errDestroyWhileRescheduling
		}

		err = startAndWaitReady(ctx, in, state)
		if err == nil {
			return nil
		}
		if err == errDestroyDuringStart {
			return errDestroyWhileRescheduling
		}
		if err != errGCExpired {
			return err
		}
		if retryCount+1 >= maxRetrySteps {
			return errRescheduleBudgetExhausted
		}
	}
}

// nextRetryDelay computes the backoff delay for the next attempt and the
// retry count it corresponds to, applying spec.md §4.E step 5's reset rule:
// retry_count resets to 0 whenever the previous attempt is further in the
// past than RETRY_RESET_DURATION_MS.
func nextRetryDelay(rs *RescheduleState, now int64) (time.Duration, int) {
	retryCount := rs.RetryCount + 1
	if rs.LastRetryTS != 0 && now-rs.LastRetryTS > retryResetDurationMS {
		retryCount = 0
	}
	if retryCount == 0 {
		return 0, 0
	}
	return backoffDuration(retryCount), retryCount
}

func backoffDuration(step int) time.Duration {
	d := time.Duration(baseRetryTimeoutMS) * time.Millisecond
	for i := 1; i < step; i++ {
		d *= 2
	}
	maxDelay := time.Duration(baseRetryTimeoutMS<<maxRetrySteps) * time.Millisecond
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

var errRescheduleBudgetExhausted = &errs.Unrecoverable{
	Code:    "RESCHEDULE_BUDGET_EXHAUSTED",
	Message: "actor exhausted its reschedule retry budget without an allocation",
}
