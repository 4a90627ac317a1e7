package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aapdo/gpu-monitor/pkg/config"
	"github.com/aapdo/gpu-monitor/pkg/lock"
	"github.com/aapdo/gpu-monitor/pkg/notifier"
	"github.com/aapdo/gpu-monitor/pkg/observability"
	"github.com/aapdo/gpu-monitor/pkg/reconciler"
	"github.com/aapdo/gpu-monitor/pkg/state"
	"github.com/aapdo/gpu-monitor/pkg/windows"
)

// Prober abstracts the per-group availability check.
type Prober interface {
	Probe(ctx context.Context, group string) (map[string]bool, error)
}

// Actuator abstracts the deferred remote reboot instruction.
type Actuator interface {
	ScheduleReboot(ctx context.Context, host string, delay time.Duration) error
}

// Notifier abstracts operator notification delivery.
type Notifier interface {
	Notify(ctx context.Context, group, message string) error
}

// OutcomeStatus represents the final disposition of one watchdog cycle.
type OutcomeStatus string

const (
	OutcomeCompleted       OutcomeStatus = "completed"
	OutcomeKillSwitch      OutcomeStatus = "kill_switch_active"
	OutcomeLockUnavailable OutcomeStatus = "lock_unavailable"
)

// GroupSummary aggregates what one cycle did for a single group.
type GroupSummary struct {
	Group           string
	ProbeErr        error
	HostsResponding int
	HostsReconciled int
	RebootsIssued   int
	RebootsDeferred int
	Notifications   int
}

// Outcome summarises a full RunCycle pass.
type Outcome struct {
	Status     OutcomeStatus
	Message    string
	DryRun     bool
	StateSaved bool
	Groups     []GroupSummary
}

// Runner executes exactly one reconciliation cycle across all configured
// groups. It owns the state document for the duration of the cycle; no other
// component reads or writes the store.
type Runner struct {
	cfg            *config.Config
	prober         Prober
	actuator       Actuator
	notifier       Notifier
	store          state.Store
	locker         lock.Manager
	windows        windows.Evaluator
	reporter       Reporter
	killSwitchPath string
	checkKill      func(string) (bool, error)
	now            func() time.Time
	lockEnabled    bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithReporter attaches an observability reporter to the runner.
func WithReporter(rep Reporter) Option {
	return func(r *Runner) {
		if rep != nil {
			r.reporter = rep
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(r *Runner) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithKillSwitchChecker overrides the function used to check the kill switch file.
func WithKillSwitchChecker(fn func(string) (bool, error)) Option {
	return func(r *Runner) {
		if fn != nil {
			r.checkKill = fn
		}
	}
}

// WithLockManager attaches a cycle lock manager and enables lock acquisition.
func WithLockManager(manager lock.Manager) Option {
	return func(r *Runner) {
		if manager != nil {
			r.locker = manager
			r.lockEnabled = true
		}
	}
}

// WithWindowEvaluator overrides the reboot window evaluator built from the
// configuration.
func WithWindowEvaluator(eval windows.Evaluator) Option {
	return func(r *Runner) {
		r.windows = eval
	}
}

// NewRunner constructs a Runner with the provided collaborators.
func NewRunner(cfg *config.Config, prober Prober, actuator Actuator, notify Notifier, store state.Store, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if prober == nil {
		return nil, errors.New("prober must not be nil")
	}
	if actuator == nil {
		return nil, errors.New("actuator must not be nil")
	}
	if notify == nil {
		return nil, errors.New("notifier must not be nil")
	}
	if store == nil {
		return nil, errors.New("state store must not be nil")
	}

	runner := &Runner{
		cfg:            cfg,
		prober:         prober,
		actuator:       actuator,
		notifier:       notify,
		store:          store,
		locker:         lock.NewNoopManager(),
		reporter:       NoopReporter{},
		killSwitchPath: cfg.KillSwitchFile,
		checkKill:      defaultKillSwitchCheck,
		now:            time.Now,
	}

	windowsEval, err := windows.NewEvaluator(cfg.Windows.Allow, cfg.Windows.Deny)
	if err != nil {
		return nil, fmt.Errorf("parse reboot windows: %w", err)
	}
	runner.windows = windowsEval

	for _, opt := range opts {
		opt(runner)
	}

	return runner, nil
}

// RunCycle performs one full pass: probe every group, reconcile every known
// host, apply the resulting side effects, and persist the updated state once
// at the end.
func (r *Runner) RunCycle(ctx context.Context) (out Outcome, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	out.DryRun = r.cfg.DryRun

	defer func() {
		if err == nil && out.Status != "" {
			r.recordOutcome(ctx, out)
		}
	}()

	killActive, checkErr := r.checkKill(r.killSwitchPath)
	if checkErr != nil {
		return out, fmt.Errorf("check kill switch: %w", checkErr)
	}
	if killActive {
		out.Status = OutcomeKillSwitch
		out.Message = fmt.Sprintf("kill switch %s present", r.killSwitchPath)
		return out, nil
	}

	if r.lockEnabled {
		lease, acquireErr := r.locker.Acquire(ctx)
		switch {
		case acquireErr == nil:
			defer func() {
				if releaseErr := lease.Release(context.Background()); releaseErr != nil && err == nil {
					err = fmt.Errorf("release cycle lock: %w", releaseErr)
				}
			}()
		case errors.Is(acquireErr, lock.ErrNotAcquired):
			out.Status = OutcomeLockUnavailable
			out.Message = "cycle lock held by another watchdog"
			return out, nil
		default:
			return out, fmt.Errorf("acquire cycle lock: %w", acquireErr)
		}
	}

	global, loadErr := r.store.Load(ctx)
	if loadErr != nil {
		return out, fmt.Errorf("load state: %w", loadErr)
	}

	cycle := &cycleState{
		rebootBudget: r.cfg.Guards.MaxRebootsPerCycle,
	}

	for _, group := range r.cfg.GroupNames() {
		summary := r.processGroup(ctx, group, global.Group(group), cycle)
		out.Groups = append(out.Groups, summary)
	}

	if !r.cfg.DryRun {
		if saveErr := r.store.Save(ctx, global); saveErr != nil {
			return out, fmt.Errorf("save state: %w", saveErr)
		}
		out.StateSaved = true
	}

	out.Status = OutcomeCompleted
	out.Message = fmt.Sprintf("reconciled %d hosts across %d groups", global.HostCount(), len(out.Groups))
	return out, nil
}

// cycleState carries the cross-group guard bookkeeping of one pass.
type cycleState struct {
	rebootBudget  int // 0 = unlimited
	rebootsIssued int
}

func (c *cycleState) budgetExhausted() bool {
	return c.rebootBudget > 0 && c.rebootsIssued >= c.rebootBudget
}

func (r *Runner) processGroup(ctx context.Context, group string, groupState state.GroupState, cycle *cycleState) GroupSummary {
	summary := GroupSummary{Group: group}
	now := r.now()

	availability, probeErr := r.probeWithObservability(ctx, group)
	if probeErr != nil {
		// A failed probe is indistinguishable from a cycle where no host
		// answered: tracked hosts are still reconciled so in-flight reboots
		// keep escalating, but nothing new is learned.
		summary.ProbeErr = probeErr
		availability = map[string]bool{}
	}
	summary.HostsResponding = len(availability)

	// Reconcile the union of tracked and freshly probed hosts so silent
	// hosts stay tracked and new hosts appear on their first answer.
	universe := hostUniverse(groupState, availability)

	rebootsSuppressed, unhealthyFraction := r.groupRebootsSuppressed(availability, universe)
	if rebootsSuppressed {
		r.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelWarn,
			Group:   group,
			Event:   "group_reboots_suppressed",
			Message: "unhealthy fraction exceeds guard, not issuing new reboots",
			Fields: map[string]any{
				"unhealthy_fraction": unhealthyFraction,
				"max":                *r.cfg.Guards.MaxUnhealthyFraction,
			},
		})
	}

	params := reconciler.Params{
		RebootDelay:      r.cfg.RebootDelay(),
		FailureThreshold: r.cfg.FailureThreshold,
	}

	for _, host := range universe {
		prev := groupState[host]
		probe := reconciler.NoResponse()
		if available, ok := availability[host]; ok {
			probe = reconciler.Answered(available)
		}

		decision := reconciler.Reconcile(host, prev, probe, now, params)

		if decision.RebootRequested {
			if reason, deferred := r.rebootDeferred(now, rebootsSuppressed, cycle); deferred {
				// The record is left untouched so the same detection fires
				// again next cycle, once the guard clears.
				summary.RebootsDeferred++
				r.reporter.RecordEvent(ctx, observability.Event{
					Level:   observability.LevelWarn,
					Group:   group,
					Host:    host,
					Event:   "reboot_deferred",
					Message: "GPU unavailable but reboot issuance is blocked",
					Fields:  map[string]any{"reason": reason},
				})
				r.recordRebootMetric(group, "deferred")
				continue
			}

			cycle.rebootsIssued++
			summary.RebootsIssued++
			r.issueReboot(ctx, group, host, decision.RebootDelay)
		}

		summary.Notifications += r.deliverNotifications(ctx, group, host, decision.Notifications)
		r.recordHostTransition(ctx, group, host, probe, decision)

		groupState[host] = decision.Record
		summary.HostsReconciled++
	}

	return summary
}

func hostUniverse(groupState state.GroupState, availability map[string]bool) []string {
	seen := make(map[string]struct{}, len(groupState)+len(availability))
	hosts := make([]string, 0, len(groupState)+len(availability))
	for host := range groupState {
		if _, ok := seen[host]; !ok {
			seen[host] = struct{}{}
			hosts = append(hosts, host)
		}
	}
	for host := range availability {
		if _, ok := seen[host]; !ok {
			seen[host] = struct{}{}
			hosts = append(hosts, host)
		}
	}
	// Order must not affect outcomes; sorting only makes logs and tests
	// deterministic.
	sort.Strings(hosts)
	return hosts
}

func (r *Runner) groupRebootsSuppressed(availability map[string]bool, universe []string) (bool, float64) {
	if r.cfg.Guards.MaxUnhealthyFraction == nil || len(universe) == 0 {
		return false, 0
	}
	unavailable := 0
	for _, ok := range availability {
		if !ok {
			unavailable++
		}
	}
	fraction := float64(unavailable) / float64(len(universe))
	return fraction > *r.cfg.Guards.MaxUnhealthyFraction, fraction
}

func (r *Runner) rebootDeferred(now time.Time, groupSuppressed bool, cycle *cycleState) (string, bool) {
	if groupSuppressed {
		return "unhealthy_fraction", true
	}
	if cycle.budgetExhausted() {
		return "reboot_budget", true
	}
	if r.windows != nil {
		if decision := r.windows.Evaluate(now); !decision.Allowed {
			return "outside_reboot_window", true
		}
	}
	return "", false
}

func (r *Runner) issueReboot(ctx context.Context, group, host string, delay time.Duration) {
	if r.cfg.DryRun {
		r.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelInfo,
			Group:   group,
			Host:    host,
			Event:   "reboot_skipped_dry_run",
			Message: fmt.Sprintf("would schedule reboot in %d minutes", int(delay.Minutes())),
		})
		return
	}

	// Fire-and-forget: the record is updated regardless of the command's
	// exit status. Whether the reboot took effect is decided by the next
	// probe, not by this call.
	if err := r.actuator.ScheduleReboot(ctx, host, delay); err != nil {
		r.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelError,
			Group:   group,
			Host:    host,
			Event:   "reboot_command_failed",
			Message: err.Error(),
		})
		r.recordRebootMetric(group, "error")
		return
	}

	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Group:   group,
		Host:    host,
		Event:   "reboot_scheduled",
		Message: fmt.Sprintf("reboot scheduled in %d minutes", int(delay.Minutes())),
	})
	r.recordRebootMetric(group, "issued")
}

func (r *Runner) deliverNotifications(ctx context.Context, group, host string, messages []string) int {
	if len(messages) == 0 {
		return 0
	}
	if r.cfg.DryRun {
		for _, message := range messages {
			r.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelInfo,
				Group:   group,
				Host:    host,
				Event:   "notification_skipped_dry_run",
				Message: message,
			})
		}
		return 0
	}

	sent := 0
	for _, message := range messages {
		notifyCtx, cancel := context.WithTimeout(ctx, r.cfg.NotifyTimeout())
		err := r.notifier.Notify(notifyCtx, group, message)
		cancel()

		switch {
		case err == nil:
			sent++
			r.recordNotifyMetric(group, "sent")
		case errors.Is(err, notifier.ErrNoDestination):
			r.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelWarn,
				Group:   group,
				Host:    host,
				Event:   "notification_no_destination",
				Message: message,
			})
			r.recordNotifyMetric(group, "no_destination")
		default:
			r.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelError,
				Group:   group,
				Host:    host,
				Event:   "notification_failed",
				Message: err.Error(),
				Fields:  map[string]any{"text": message},
			})
			r.recordNotifyMetric(group, "error")
		}
	}
	return sent
}

func (r *Runner) recordHostTransition(ctx context.Context, group, host string, probe reconciler.Probe, decision reconciler.Decision) {
	level := observability.LevelInfo
	switch decision.Transition {
	case reconciler.TransitionRebootScheduled, reconciler.TransitionRebootPending,
		reconciler.TransitionRebootConfirmed:
		level = observability.LevelWarn
	case reconciler.TransitionRebootFailed, reconciler.TransitionPersistentFailure:
		level = observability.LevelError
	}

	r.reporter.RecordEvent(ctx, observability.Event{
		Level: level,
		Group: group,
		Host:  host,
		Event: "host_reconciled",
		Fields: map[string]any{
			"responded":  probe.Responded,
			"available":  probe.Available,
			"transition": string(decision.Transition),
			"phase":      string(decision.Record.Phase()),
		},
	})
	r.reporter.RecordMetric(observability.Metric{
		Name:        "hosts_reconciled_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"group": group, "transition": string(decision.Transition)},
		Description: "Number of host reconciliations grouped by transition.",
	})
}

func (r *Runner) probeWithObservability(ctx context.Context, group string) (map[string]bool, error) {
	start := time.Now()
	availability, err := r.prober.Probe(ctx, group)
	duration := time.Since(start)

	r.reporter.RecordMetric(observability.Metric{
		Name:        "probe_duration_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Unit:        "seconds",
		Labels:      map[string]string{"group": group},
		Description: "Time spent probing a group for GPU availability.",
	})

	if err != nil {
		r.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelError,
			Group:   group,
			Event:   "probe_failed",
			Message: err.Error(),
		})
		return nil, err
	}

	r.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Group: group,
		Event: "probe_completed",
		Fields: map[string]any{
			"responding": len(availability),
			"duration":   duration.String(),
		},
	})
	return availability, nil
}

func (r *Runner) recordRebootMetric(group, result string) {
	r.reporter.RecordMetric(observability.Metric{
		Name:        "reboots_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"group": group, "result": result},
		Description: "Number of reboot requests grouped by result.",
	})
}

func (r *Runner) recordNotifyMetric(group, result string) {
	r.reporter.RecordMetric(observability.Metric{
		Name:        "notifications_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"group": group, "result": result},
		Description: "Number of operator notifications grouped by result.",
	})
}

func (r *Runner) recordOutcome(ctx context.Context, out Outcome) {
	fields := map[string]any{
		"status":      string(out.Status),
		"dry_run":     out.DryRun,
		"state_saved": out.StateSaved,
	}
	for _, summary := range out.Groups {
		prefix := summary.Group + "_"
		fields[prefix+"reconciled"] = summary.HostsReconciled
		fields[prefix+"reboots"] = summary.RebootsIssued
		if summary.ProbeErr != nil {
			fields[prefix+"probe_error"] = summary.ProbeErr.Error()
		}
	}

	level := observability.LevelInfo
	if out.Status != OutcomeCompleted {
		level = observability.LevelWarn
	}
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   level,
		Event:   "cycle_finished",
		Message: out.Message,
		Fields:  fields,
	})
	r.reporter.RecordMetric(observability.Metric{
		Name:        "cycles_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"status": string(out.Status)},
		Description: "Number of watchdog cycles grouped by outcome.",
	})
}

func defaultKillSwitchCheck(path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
