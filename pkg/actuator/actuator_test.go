package actuator

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestNewCommandActuatorValidation(t *testing.T) {
	if _, err := NewCommandActuator(nil, time.Second); err == nil {
		t.Fatal("expected an error for an empty argv")
	}
	if _, err := NewCommandActuator([]string{"ssh", "root@somewhere"}, time.Second); err == nil {
		t.Fatal("expected an error when the host placeholder is missing")
	}
	if _, err := NewCommandActuator([]string{"ssh", "root@{host}", "shutdown", "-r", "+{delay}"}, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExpandCommand(t *testing.T) {
	cases := []struct {
		name    string
		command []string
		host    string
		delay   time.Duration
		want    []string
	}{
		{
			name:    "host and delay",
			command: []string{"ssh", "root@{host}", "shutdown", "-r", "+{delay}"},
			host:    "gpu-01",
			delay:   2 * time.Minute,
			want:    []string{"ssh", "root@gpu-01", "shutdown", "-r", "+2"},
		},
		{
			name:    "delay truncates to whole minutes",
			command: []string{"reboot-tool", "{host}", "{delay}"},
			host:    "gpu-01",
			delay:   90 * time.Second,
			want:    []string{"reboot-tool", "gpu-01", "1"},
		},
		{
			name:    "placeholder repeated",
			command: []string{"notify-and-reboot", "{host}", "--target", "{host}"},
			host:    "gpu-02",
			delay:   time.Minute,
			want:    []string{"notify-and-reboot", "gpu-02", "--target", "gpu-02"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ExpandCommand(tc.command, tc.host, tc.delay)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestCommandActuatorScheduleReboot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a POSIX shell")
	}

	out := filepath.Join(t.TempDir(), "invocation")
	script := `printf '%s %s' "$1" "$2" > ` + out
	act, err := NewCommandActuator([]string{"sh", "-c", script, "reboot", "{host}", "{delay}"}, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := act.ScheduleReboot(context.Background(), "gpu-01", 2*time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := string(payload); got != "gpu-01 2" {
		t.Fatalf("expected the placeholders to be expanded, got %q", got)
	}
}

func TestCommandActuatorRejectsEmptyHost(t *testing.T) {
	act, err := NewCommandActuator([]string{"reboot-tool", "{host}"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := act.ScheduleReboot(context.Background(), "  ", time.Minute); err == nil {
		t.Fatal("expected an error for a blank host")
	}
}

func TestCommandActuatorSurfacesStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a POSIX shell")
	}

	act, err := NewCommandActuator([]string{"sh", "-c", `echo "permission denied" >&2; exit 1`, "reboot", "{host}"}, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = act.ScheduleReboot(context.Background(), "gpu-01", time.Minute)
	if err == nil {
		t.Fatal("expected an error for a failing command")
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("expected stderr in the error, got %v", err)
	}
}
