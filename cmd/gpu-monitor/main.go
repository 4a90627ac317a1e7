package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aapdo/gpu-monitor/pkg/actuator"
	"github.com/aapdo/gpu-monitor/pkg/config"
	"github.com/aapdo/gpu-monitor/pkg/lock"
	"github.com/aapdo/gpu-monitor/pkg/notifier"
	"github.com/aapdo/gpu-monitor/pkg/observability"
	"github.com/aapdo/gpu-monitor/pkg/orchestrator"
	"github.com/aapdo/gpu-monitor/pkg/prober"
	"github.com/aapdo/gpu-monitor/pkg/reconciler"
	"github.com/aapdo/gpu-monitor/pkg/state"
	"github.com/aapdo/gpu-monitor/pkg/version"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitConfigError = 65
	exitCycleError  = 66
	exitProbeError  = 67
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "run":
		return commandRun(args[1:], os.Stdout, os.Stderr)
	case "watch":
		return commandWatch(args[1:], os.Stdout, os.Stderr)
	case "validate-config":
		return commandValidate(args[1:], os.Stdout, os.Stderr)
	case "simulate":
		return commandSimulate(args[1:], os.Stdout, os.Stderr)
	case "version":
		fmt.Println(version.Version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: gpu-monitor <command> [options]
Commands:
  run                Execute one watchdog cycle across all configured groups
  watch              Execute cycles repeatedly at the configured interval
  validate-config    Validate the configuration file
  simulate           Probe all groups and show intended actions without acting
  version            Print build version
`)
}

func commandRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	dryRun := fs.Bool("dry-run", false, "reconcile and log but issue no reboots or notifications")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	if *dryRun {
		cfg.DryRun = true
	}

	runner, cleanup, err := buildRunner(cfg, stdout, nil)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct watchdog: %v\n", err)
		return exitConfigError
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := runner.RunCycle(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "cycle failed: %v\n", err)
		return exitCycleError
	}

	printOutcome(stdout, outcome)
	return exitOK
}

func commandWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	dryRun := fs.Bool("dry-run", false, "reconcile and log but issue no reboots or notifications")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	if *dryRun {
		cfg.DryRun = true
	}

	// The collector variable stays a nil interface when metrics are off so
	// buildRunner substitutes NoopMetrics. Assigning a nil *PrometheusCollector
	// would defeat that check.
	var collector observability.MetricsCollector
	var prom *observability.PrometheusCollector
	if cfg.Metrics.Enabled {
		prom = observability.NewPrometheusCollector()
		collector = prom
	}

	runner, cleanup, err := buildRunner(cfg, stdout, collector)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct watchdog: %v\n", err)
		return exitConfigError
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if prom != nil {
		server := &http.Server{Addr: cfg.Metrics.Listen, Handler: metricsMux(prom)}
		go func() {
			if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				fmt.Fprintf(stderr, "metrics listener failed: %v\n", serveErr)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	loop, err := orchestrator.NewLoop(cfg, runner,
		orchestrator.WithLoopErrorHandler(func(loopErr error) {
			fmt.Fprintf(stderr, "cycle failed, retrying: %v\n", loopErr)
		}),
	)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct loop: %v\n", err)
		return exitConfigError
	}

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "watch loop failed: %v\n", err)
		return exitCycleError
	}
	return exitOK
}

func commandValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", *configPath)
	return exitOK
}

func commandSimulate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	probe, err := prober.NewCommandProber(cfg.Probe.Cmd, cfg.ProbeTimeout())
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct prober: %v\n", err)
		return exitConfigError
	}
	store, closeStore, err := buildStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct state store: %v\n", err)
		return exitConfigError
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, err := store.Load(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load state: %v\n", err)
		return exitConfigError
	}

	params := reconciler.Params{
		RebootDelay:      cfg.RebootDelay(),
		FailureThreshold: cfg.FailureThreshold,
	}
	now := time.Now()
	failed := false

	for _, group := range cfg.GroupNames() {
		fmt.Fprintf(stdout, "group %s:\n", group)
		availability, probeErr := probe.Probe(ctx, group)
		if probeErr != nil {
			fmt.Fprintf(stderr, "  probe failed: %v\n", probeErr)
			failed = true
			continue
		}

		groupState := global.Group(group)
		hosts := make(map[string]struct{}, len(groupState)+len(availability))
		for host := range groupState {
			hosts[host] = struct{}{}
		}
		for host := range availability {
			hosts[host] = struct{}{}
		}
		if len(hosts) == 0 {
			fmt.Fprintln(stdout, "  no hosts responded and none are tracked")
			continue
		}

		names := make([]string, 0, len(hosts))
		for host := range hosts {
			names = append(names, host)
		}
		sort.Strings(names)

		for _, host := range names {
			probeResult := reconciler.NoResponse()
			status := "no response"
			if available, ok := availability[host]; ok {
				probeResult = reconciler.Answered(available)
				if available {
					status = "gpu ok"
				} else {
					status = "gpu unavailable"
				}
			}

			decision := reconciler.Reconcile(host, groupState[host], probeResult, now, params)
			line := fmt.Sprintf("  - %s: %s => %s", host, status, decision.Transition)
			details := make([]string, 0, 2)
			if decision.RebootRequested {
				details = append(details, fmt.Sprintf("would reboot in %d minutes", int(decision.RebootDelay.Minutes())))
			}
			for _, msg := range decision.Notifications {
				details = append(details, fmt.Sprintf("would notify: %s", msg))
			}
			if len(details) > 0 {
				line += " (" + strings.Join(details, "; ") + ")"
			}
			fmt.Fprintln(stdout, line)
		}
	}

	fmt.Fprintln(stdout, "no actions performed in simulation mode")
	if failed {
		return exitProbeError
	}
	return exitOK
}

// buildRunner wires the collaborators the way one watchdog invocation needs
// them. The returned cleanup closes any remote clients.
func buildRunner(cfg *config.Config, stdout io.Writer, metrics observability.MetricsCollector) (*orchestrator.Runner, func(), error) {
	probe, err := prober.NewCommandProber(cfg.Probe.Cmd, cfg.ProbeTimeout())
	if err != nil {
		return nil, nil, fmt.Errorf("construct prober: %w", err)
	}
	act, err := actuator.NewCommandActuator(cfg.Reboot.Cmd, cfg.RebootTimeout())
	if err != nil {
		return nil, nil, fmt.Errorf("construct actuator: %w", err)
	}
	notify := notifier.NewSlackNotifier(cfg.Webhooks(), cfg.NotifyTimeout())

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	cleanup := closeStore
	opts := []orchestrator.Option{}

	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	logger := observability.NewJSONLogger(stdout)
	opts = append(opts, orchestrator.WithReporter(orchestrator.NewStructuredReporter(logger, metrics)))

	if cfg.Lock.Enabled {
		tlsConfig, tlsErr := cfg.EtcdTLS()
		if tlsErr != nil {
			closeStore()
			return nil, nil, tlsErr
		}
		locker, lockErr := lock.NewEtcdManager(lock.EtcdManagerOptions{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.EtcdDialTimeout(),
			Namespace:   cfg.Etcd.Namespace,
			LockKey:     cfg.Lock.Key,
			TTL:         cfg.LockTTL(),
			TLS:         tlsConfig,
		})
		if lockErr != nil {
			closeStore()
			return nil, nil, fmt.Errorf("construct cycle lock: %w", lockErr)
		}
		opts = append(opts, orchestrator.WithLockManager(locker))
		cleanup = func() {
			locker.Close()
			closeStore()
		}
	}

	runner, err := orchestrator.NewRunner(cfg, probe, act, notify, store, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return runner, cleanup, nil
}

func buildStore(cfg *config.Config) (state.Store, func(), error) {
	switch cfg.Store.Type {
	case config.StoreTypeEtcd:
		tlsConfig, err := cfg.EtcdTLS()
		if err != nil {
			return nil, nil, err
		}
		store, err := state.NewEtcdStore(state.EtcdStoreOptions{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.EtcdDialTimeout(),
			Namespace:   cfg.Etcd.Namespace,
			Key:         cfg.Store.EtcdKey,
			TLS:         tlsConfig,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("construct etcd store: %w", err)
		}
		return store, func() { store.Close() }, nil
	default:
		store, err := state.NewFileStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("construct file store: %w", err)
		}
		return store, func() {}, nil
	}
}

func metricsMux(metrics *observability.PrometheusCollector) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func printOutcome(stdout io.Writer, outcome orchestrator.Outcome) {
	fmt.Fprintf(stdout, "cycle %s: %s\n", outcome.Status, outcome.Message)
	for _, summary := range outcome.Groups {
		line := fmt.Sprintf("  %s: %d reconciled, %d responding, %d reboots issued, %d deferred, %d notifications",
			summary.Group, summary.HostsReconciled, summary.HostsResponding,
			summary.RebootsIssued, summary.RebootsDeferred, summary.Notifications)
		if summary.ProbeErr != nil {
			line += fmt.Sprintf(" (probe failed: %v)", summary.ProbeErr)
		}
		fmt.Fprintln(stdout, line)
	}
}
