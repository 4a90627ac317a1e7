package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
groups:
  - name: farm
    slack_webhook_url: https://hooks.slack.com/services/T000/B000/farm
  - name: lab
probe:
  cmd: ["ansible", "{group}", "-m", "shell", "-a", "check-gpu"]
reboot:
  cmd: ["ssh", "root@{host}", "shutdown", "-r", "+{delay}"]
store:
  path: /tmp/state.json
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return path
}

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cfg.ProbeTimeout(); got != 120*time.Second {
		t.Fatalf("expected default probe timeout, got %s", got)
	}
	if got := cfg.RebootDelay(); got != 2*time.Minute {
		t.Fatalf("expected default reboot delay, got %s", got)
	}
	if got := cfg.NotifyTimeout(); got != 5*time.Second {
		t.Fatalf("expected default notify timeout, got %s", got)
	}
	if cfg.FailureThreshold != 2 {
		t.Fatalf("expected default failure threshold, got %d", cfg.FailureThreshold)
	}
	if got := cfg.CheckInterval(); got != 300*time.Second {
		t.Fatalf("expected default check interval, got %s", got)
	}
	if cfg.Store.Type != StoreTypeFile {
		t.Fatalf("expected the file store by default, got %q", cfg.Store.Type)
	}
	if cfg.KillSwitchFile == "" {
		t.Fatal("expected a default kill switch path")
	}
	if cfg.DryRun {
		t.Fatal("expected dry run to default to off")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := decode(strings.NewReader(minimalYAML + "\nsurprise: true\n"))
	if err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	_, err := decode(strings.NewReader(`
groups: []
probe:
  cmd: ["ansible", "all"]
reboot:
  cmd: ["reboot-tool"]
store:
  type: unknown
`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}

	wantFragments := []string{
		"at least one group",
		"{group} placeholder",
		"{host} placeholder",
		`store.type "unknown"`,
	}
	for _, fragment := range wantFragments {
		found := false
		for _, problem := range verr.Problems {
			if strings.Contains(problem, fragment) {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected a problem mentioning %q, got %v", fragment, verr.Problems)
		}
	}
}

func TestValidateDuplicateGroupNames(t *testing.T) {
	_, err := decode(strings.NewReader(`
groups:
  - name: farm
  - name: farm
probe:
  cmd: ["probe", "{group}"]
reboot:
  cmd: ["reboot-tool", "{host}"]
`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
	joined := strings.Join(verr.Problems, "; ")
	if !strings.Contains(joined, "duplicate group name") {
		t.Fatalf("expected a duplicate-name problem, got %v", verr.Problems)
	}
}

func TestValidateEtcdStoreRequiresEndpoints(t *testing.T) {
	_, err := decode(strings.NewReader(`
groups:
  - name: farm
probe:
  cmd: ["probe", "{group}"]
reboot:
  cmd: ["reboot-tool", "{host}"]
store:
  type: etcd
  etcd_key: /gpu-watchdog/state
`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
	joined := strings.Join(verr.Problems, "; ")
	if !strings.Contains(joined, "etcd.endpoints") {
		t.Fatalf("expected an etcd endpoints problem, got %v", verr.Problems)
	}
}

func TestValidateLockDefaults(t *testing.T) {
	cfg, err := decode(strings.NewReader(`
groups:
  - name: farm
probe:
  cmd: ["probe", "{group}"]
reboot:
  cmd: ["reboot-tool", "{host}"]
lock:
  enabled: true
etcd:
  endpoints: ["127.0.0.1:2379"]
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Lock.Key == "" {
		t.Fatal("expected a default lock key")
	}
	if got := cfg.LockTTL(); got != 60*time.Second {
		t.Fatalf("expected the default lock TTL, got %s", got)
	}
	if got := cfg.EtcdDialTimeout(); got != 5*time.Second {
		t.Fatalf("expected the default etcd dial timeout, got %s", got)
	}
}

func TestValidateGuards(t *testing.T) {
	_, err := decode(strings.NewReader(`
groups:
  - name: farm
probe:
  cmd: ["probe", "{group}"]
reboot:
  cmd: ["reboot-tool", "{host}"]
guards:
  max_unhealthy_fraction: 1.5
  max_reboots_per_cycle: -1
`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
	joined := strings.Join(verr.Problems, "; ")
	if !strings.Contains(joined, "max_unhealthy_fraction") || !strings.Contains(joined, "max_reboots_per_cycle") {
		t.Fatalf("expected both guard problems, got %v", verr.Problems)
	}
}

func TestValidateMetricsListenRequired(t *testing.T) {
	// The listen default fills before validation, so an explicit blank value
	// is the only way to trip this check.
	cfg := &Config{
		Groups:  []GroupConfig{{Name: "farm"}},
		Probe:   ProbeConfig{Cmd: []string{"probe", "{group}"}, TimeoutSec: 1},
		Reboot:  RebootConfig{Cmd: []string{"reboot-tool", "{host}"}, DelayMin: 1, TimeoutSec: 1},
		Metrics: MetricsConfig{Enabled: true, Listen: "  "},
		Store:   StoreConfig{Type: StoreTypeFile, Path: "/tmp/state.json"},

		NotifyTimeoutSec: 1,
		FailureThreshold: 1,
		CheckIntervalSec: 1,
	}
	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
	if !strings.Contains(strings.Join(verr.Problems, "; "), "metrics.listen") {
		t.Fatalf("expected a metrics.listen problem, got %v", verr.Problems)
	}
}

func TestWebhooksOmitsBlankEntries(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	webhooks := cfg.Webhooks()
	if _, ok := webhooks["farm"]; !ok {
		t.Fatal("expected the farm webhook to be present")
	}
	if _, ok := webhooks["lab"]; ok {
		t.Fatal("expected the webhook-less group to be omitted")
	}
	if got := cfg.GroupNames(); len(got) != 2 || got[0] != "farm" || got[1] != "lab" {
		t.Fatalf("expected declaration order to be kept, got %v", got)
	}
}
