package state

import "time"

// Phase is the derived position of a host in the recovery lifecycle. It is
// never stored; it is computed from the record fields for reporting.
type Phase string

const (
	// PhaseClean indicates a host with no outstanding trouble.
	PhaseClean Phase = "clean"
	// PhaseRebootPending indicates a reboot has been issued and the host has
	// not yet been observed responding again.
	PhaseRebootPending Phase = "reboot_pending"
	// PhaseRebootConfirmed indicates the host responded after a reboot and is
	// being watched for recurrence.
	PhaseRebootConfirmed Phase = "reboot_confirmed"
	// PhasePersistentFailure indicates the GPU stayed unavailable after a
	// confirmed reboot.
	PhasePersistentFailure Phase = "persistent_failure"
)

// HostRecord is the durable per-host bookkeeping the reconciler operates on.
// The zero value is the record of a host that has never been seen.
type HostRecord struct {
	LastGPUOK                 bool       `json:"last_gpu_ok"`
	RebootScheduledAt         *time.Time `json:"reboot_scheduled_at,omitempty"`
	RebootDone                bool       `json:"reboot_done"`
	RebootFailCount           int        `json:"reboot_fail_count"`
	RebootFailedNotified      bool       `json:"reboot_failed_notified"`
	PersistentFailureNotified bool       `json:"persistent_failure_notified"`
	LastChecked               time.Time  `json:"last_checked"`
}

// CleanRecord returns the canonical record of a healthy host. Every healthy
// observation collapses to this shape so no flags leak across episodes.
func CleanRecord(now time.Time) HostRecord {
	return HostRecord{LastGPUOK: true, LastChecked: now}
}

// InFlight reports whether a reboot has been issued for the host and its
// outcome has not yet been resolved by a healthy observation.
func (r HostRecord) InFlight() bool {
	return r.RebootScheduledAt != nil
}

// Phase derives the lifecycle phase from the stored fields.
func (r HostRecord) Phase() Phase {
	switch {
	case !r.InFlight():
		return PhaseClean
	case r.PersistentFailureNotified:
		return PhasePersistentFailure
	case r.RebootDone:
		return PhaseRebootConfirmed
	default:
		return PhaseRebootPending
	}
}

// Clone returns a copy of the record with its own scheduled-at pointer.
func (r HostRecord) Clone() HostRecord {
	clone := r
	if r.RebootScheduledAt != nil {
		at := *r.RebootScheduledAt
		clone.RebootScheduledAt = &at
	}
	return clone
}

// GroupState maps host identifiers to their records for one group.
type GroupState map[string]HostRecord

// GlobalState maps group identifiers to their group state. It is owned
// exclusively by the orchestrator for the duration of one cycle.
type GlobalState map[string]GroupState

// Group returns the state for the named group, creating it when absent.
func (s GlobalState) Group(name string) GroupState {
	group, ok := s[name]
	if !ok {
		group = make(GroupState)
		s[name] = group
	}
	return group
}

// HostCount returns the total number of tracked hosts across all groups.
func (s GlobalState) HostCount() int {
	total := 0
	for _, group := range s {
		total += len(group)
	}
	return total
}

// Clone deep-copies the state so a snapshot can be serialised without racing
// against further mutation.
func (s GlobalState) Clone() GlobalState {
	cloned := make(GlobalState, len(s))
	for name, group := range s {
		groupCopy := make(GroupState, len(group))
		for host, rec := range group {
			groupCopy[host] = rec.Clone()
		}
		cloned[name] = groupCopy
	}
	return cloned
}
