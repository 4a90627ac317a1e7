package prober

import (
	"context"
	"reflect"
	"runtime"
	"testing"
	"time"
)

func TestNewCommandProberValidation(t *testing.T) {
	if _, err := NewCommandProber(nil, time.Second); err == nil {
		t.Fatal("expected an error for an empty argv")
	}
	if _, err := NewCommandProber([]string{"ansible", "all"}, time.Second); err == nil {
		t.Fatal("expected an error when the group placeholder is missing")
	}
	if _, err := NewCommandProber([]string{"ansible", "{group}", "-m", "shell"}, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseAnsibleOutput(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   map[string]bool
	}{
		{
			name:   "empty output",
			output: "",
			want:   map[string]bool{},
		},
		{
			name: "mixed verdicts",
			output: "gpu-01 | CHANGED | rc=0 >>\n" +
				"true\n" +
				"gpu-02 | CHANGED | rc=0 >>\n" +
				"false\n",
			want: map[string]bool{"gpu-01": true, "gpu-02": false},
		},
		{
			name: "success header",
			output: "gpu-01 | SUCCESS | rc=0 >>\n" +
				"true\n",
			want: map[string]bool{"gpu-01": true},
		},
		{
			name: "unreachable host is omitted",
			output: "gpu-01 | CHANGED | rc=0 >>\n" +
				"true\n" +
				"gpu-02 | UNREACHABLE! => {\n" +
				"    \"changed\": false\n" +
				"}\n",
			want: map[string]bool{"gpu-01": true},
		},
		{
			name: "failed host is omitted",
			output: "gpu-02 | FAILED | rc=1 >>\n" +
				"command not found\n" +
				"gpu-01 | CHANGED | rc=0 >>\n" +
				"false\n",
			want: map[string]bool{"gpu-01": false},
		},
		{
			name: "garbage after header is skipped",
			output: "gpu-01 | CHANGED | rc=0 >>\n" +
				"something unexpected\n" +
				"gpu-02 | CHANGED | rc=0 >>\n" +
				"true\n",
			want: map[string]bool{"gpu-02": true},
		},
		{
			name: "padded verdict lines",
			output: "gpu-01 | CHANGED | rc=0 >>\n" +
				"  true  \n",
			want: map[string]bool{"gpu-01": true},
		},
		{
			name:   "header at end of output",
			output: "gpu-01 | CHANGED | rc=0 >>",
			want:   map[string]bool{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseAnsibleOutput(tc.output)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestCommandProberRunsExpandedCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a POSIX shell")
	}

	script := `printf '%s | CHANGED | rc=0 >>\ntrue\n' "$1"`
	prober, err := NewCommandProber([]string{"sh", "-c", script, "probe", "{group}"}, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := prober.Probe(context.Background(), "farm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]bool{"farm": true}) {
		t.Fatalf("expected the group to be substituted into the argv, got %v", got)
	}
}

func TestCommandProberIgnoresExitStatus(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a POSIX shell")
	}

	script := `printf 'gpu-01 | CHANGED | rc=0 >>\nfalse\n'; exit 2`
	prober, err := NewCommandProber([]string{"sh", "-c", script, "probe", "{group}"}, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := prober.Probe(context.Background(), "farm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]bool{"gpu-01": false}) {
		t.Fatalf("expected parsed output despite the non-zero exit, got %v", got)
	}
}

func TestCommandProberTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a POSIX shell")
	}

	prober, err := NewCommandProber([]string{"sh", "-c", "sleep 10", "probe", "{group}"}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := prober.Probe(context.Background(), "farm"); err == nil {
		t.Fatal("expected a timeout error")
	}
}
