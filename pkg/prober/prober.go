// Package prober checks GPU availability for every host of a group by
// running a configured fan-out command (typically ansible) and parsing its
// per-host output. All transport-specific text handling is confined to this
// package: consumers only ever see a typed partial map.
package prober

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// GroupPlaceholder is substituted with the group identifier in the probe argv.
const GroupPlaceholder = "{group}"

// Prober reports GPU availability per host for a group. Hosts that did not
// answer are absent from the result, never mapped to a sentinel value.
type Prober interface {
	Probe(ctx context.Context, group string) (map[string]bool, error)
}

// ProberFunc adapts a function into a Prober.
type ProberFunc func(ctx context.Context, group string) (map[string]bool, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, group string) (map[string]bool, error) {
	return f(ctx, group)
}

// CommandProber shells out to a configured argv and parses ansible-style
// output into a partial availability map.
type CommandProber struct {
	command []string
	timeout time.Duration
}

// NewCommandProber validates the argv template and constructs a prober.
// The template must contain the {group} placeholder in at least one element.
func NewCommandProber(command []string, timeout time.Duration) (*CommandProber, error) {
	if len(command) == 0 {
		return nil, errors.New("probe command must not be empty")
	}
	found := false
	for _, arg := range command {
		if strings.Contains(arg, GroupPlaceholder) {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("probe command must reference %s", GroupPlaceholder)
	}
	return &CommandProber{
		command: append([]string(nil), command...),
		timeout: timeout,
	}, nil
}

// Probe implements Prober. The command's exit status is ignored: ansible
// exits non-zero when any host is unreachable, which is an expected partial
// result, not a probe failure.
func (p *CommandProber) Probe(ctx context.Context, group string) (map[string]bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if p.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	argv := expand(p.command, group)
	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("probe of group %s timed out after %s", group, p.timeout)
		}
		return nil, execCtx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run probe command for group %s: %w", group, err)
		}
	}

	return ParseAnsibleOutput(stdout.String()), nil
}

func expand(command []string, group string) []string {
	expanded := make([]string, len(command))
	for i, arg := range command {
		expanded[i] = strings.ReplaceAll(arg, GroupPlaceholder, group)
	}
	return expanded
}

// ParseAnsibleOutput extracts per-host true/false verdicts from ansible shell
// module output. Each responding host produces a header line of the form
//
//	hostname | CHANGED | rc=0 >>
//
// followed by the command's stdout, which the probe command reduces to a
// literal "true" or "false". Hosts with UNREACHABLE or FAILED headers, and
// hosts that never appear, are left out of the result.
func ParseAnsibleOutput(output string) map[string]bool {
	result := make(map[string]bool)
	lines := strings.Split(output, "\n")

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !strings.Contains(line, "|") {
			continue
		}
		if !strings.Contains(line, "CHANGED") && !strings.Contains(line, "SUCCESS") {
			continue
		}
		host := strings.TrimSpace(strings.SplitN(line, "|", 2)[0])
		if host == "" {
			continue
		}
		if i+1 >= len(lines) {
			break
		}
		switch strings.TrimSpace(lines[i+1]) {
		case "true":
			result[host] = true
			i++
		case "false":
			result[host] = false
			i++
		}
	}

	return result
}

var _ Prober = (*CommandProber)(nil)
var _ Prober = ProberFunc(nil)
