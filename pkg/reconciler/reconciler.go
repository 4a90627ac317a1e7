// Package reconciler contains the per-host recovery state machine. Given the
// stored record of a host and the latest probe observation it decides whether
// to do nothing, request a reboot, mark an outstanding reboot as failed or
// completed, or flag the host as persistently broken. The function is pure:
// all side effects are returned as requests for the orchestrator to apply.
package reconciler

import (
	"fmt"
	"time"

	"github.com/aapdo/gpu-monitor/pkg/state"
)

// DefaultFailureThreshold is the number of consecutive unanswered probes,
// while a reboot is outstanding, before a reboot-failed alert is raised. The
// first miss is expected: a host legitimately stops answering mid-reboot.
const DefaultFailureThreshold = 2

// Probe carries one host's availability observation for the current cycle.
// Responded distinguishes "answered and reported unavailable" from "did not
// answer at all"; the two drive different transitions.
type Probe struct {
	Responded bool
	Available bool
}

// Answered builds the observation of a host that responded to the probe.
func Answered(available bool) Probe {
	return Probe{Responded: true, Available: available}
}

// NoResponse builds the observation of a host that did not answer this cycle.
func NoResponse() Probe {
	return Probe{}
}

// Params tunes the state machine.
type Params struct {
	// RebootDelay is how far in the future the remote reboot is scheduled.
	RebootDelay time.Duration
	// FailureThreshold is the consecutive no-response count that triggers the
	// reboot-failed alert. Zero or negative falls back to the default.
	FailureThreshold int
}

// Transition names the decision taken for a host, for logging and metrics.
type Transition string

const (
	// TransitionHealthy covers a host that is (still) fine.
	TransitionHealthy Transition = "healthy"
	// TransitionRebootScheduled covers the first detection of an episode.
	TransitionRebootScheduled Transition = "reboot_scheduled"
	// TransitionRebootPending covers an outstanding reboot that is not yet
	// resolved either way.
	TransitionRebootPending Transition = "reboot_pending"
	// TransitionRebootFailed covers an outstanding reboot whose host keeps
	// not answering.
	TransitionRebootFailed Transition = "reboot_failed"
	// TransitionRebootConfirmed covers a host that answered again after a
	// reboot but still reports the GPU unavailable.
	TransitionRebootConfirmed Transition = "reboot_confirmed"
	// TransitionPersistentFailure covers unavailability that survived a
	// confirmed reboot.
	TransitionPersistentFailure Transition = "persistent_failure"
	// TransitionRecovered covers a host returning healthy after a reboot.
	TransitionRecovered Transition = "recovered"
)

// Decision is the outcome of reconciling one host: the updated record plus
// the side effects the orchestrator should apply.
type Decision struct {
	Record          state.HostRecord
	RebootRequested bool
	RebootDelay     time.Duration
	Notifications   []string
	Transition      Transition
}

// Reconcile runs the state machine for one host. prev is the stored record
// (the zero value for an unseen host), probe the current observation. The
// in-flight rule resolves the previous cycle's reboot attempt first; the
// availability rules then decide the current cycle's outcome on the record
// the in-flight rule may already have refined.
func Reconcile(host string, prev state.HostRecord, probe Probe, now time.Time, params Params) Decision {
	threshold := params.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}

	rec := prev.Clone()
	decision := Decision{Transition: TransitionHealthy}

	// The persistent-failure branch is gated on the reboot_done value stored
	// before this cycle. Without the snapshot a host that just resolved its
	// reboot while still reporting unavailable would be alerted twice in one
	// cycle.
	priorRebootDone := prev.RebootDone

	if rec.InFlight() {
		if probe.Responded {
			// The host answers again, so the reboot completed. Whether the
			// episode is over is decided by the availability rules below.
			rec.RebootDone = true
			rec.RebootFailCount = 0
			rec.RebootFailedNotified = false
			decision.Transition = TransitionRebootConfirmed
		} else {
			rec.RebootFailCount++
			if rec.RebootFailCount >= threshold && !rec.RebootFailedNotified {
				decision.Notifications = append(decision.Notifications,
					fmt.Sprintf("%s: reboot failed, no response after %d checks", host, rec.RebootFailCount))
				rec.RebootFailedNotified = true
				decision.Transition = TransitionRebootFailed
			} else {
				decision.Transition = TransitionRebootPending
			}
			rec.LastGPUOK = false
			rec.RebootDone = false
		}
		rec.LastChecked = now
	}

	switch {
	case probe.Responded && !probe.Available:
		switch {
		case priorRebootDone:
			// The GPU stayed broken through a confirmed reboot. Terminal
			// until a healthy probe arrives; alert exactly once.
			if !rec.PersistentFailureNotified {
				decision.Notifications = append(decision.Notifications,
					fmt.Sprintf("%s: GPU still unavailable after reboot", host))
				rec.PersistentFailureNotified = true
			}
			rec.LastChecked = now
			decision.Transition = TransitionPersistentFailure
		case !prev.InFlight():
			// First detection of this episode: issue a reboot and rebuild
			// the record wholesale so the previous episode's latches are
			// implicitly cleared.
			scheduled := now.Add(params.RebootDelay)
			rec = state.HostRecord{
				LastGPUOK:         false,
				RebootScheduledAt: &scheduled,
				LastChecked:       now,
			}
			decision.RebootRequested = true
			decision.RebootDelay = params.RebootDelay
			decision.Notifications = append(decision.Notifications,
				fmt.Sprintf("%s: GPU unavailable, rebooting in %d minutes", host, int(params.RebootDelay.Minutes())))
			decision.Transition = TransitionRebootScheduled
		default:
			// Reboot already outstanding; the in-flight rule above did all
			// the bookkeeping for this cycle.
		}

	case probe.Responded || !prev.InFlight():
		// Healthy, or an untracked host that did not answer: collapse to the
		// canonical clean record. The wholesale replacement is what prevents
		// stale flags from leaking across episodes.
		if rec.RebootDone {
			decision.Notifications = append(decision.Notifications,
				fmt.Sprintf("%s: GPU healthy after reboot", host))
			decision.Transition = TransitionRecovered
		} else {
			decision.Transition = TransitionHealthy
		}
		rec = state.CleanRecord(now)

	default:
		// No response while a reboot is outstanding: fully handled by the
		// in-flight rule.
	}

	decision.Record = rec
	return decision
}
