// Package actuator issues deferred reboot instructions to remote hosts. The
// instruction is fire-and-forget: the command's own success tells us nothing
// about whether the host actually reboots, so callers never consult a status
// beyond logging. Outcome is inferred from the next probe.
package actuator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Placeholders substituted in the reboot argv.
const (
	HostPlaceholder  = "{host}"
	DelayPlaceholder = "{delay}"
)

// Actuator schedules a deferred reboot of the named host.
type Actuator interface {
	ScheduleReboot(ctx context.Context, host string, delay time.Duration) error
}

// ActuatorFunc adapts a function into an Actuator.
type ActuatorFunc func(ctx context.Context, host string, delay time.Duration) error

// ScheduleReboot implements Actuator.
func (f ActuatorFunc) ScheduleReboot(ctx context.Context, host string, delay time.Duration) error {
	return f(ctx, host, delay)
}

// CommandActuator shells out to a configured argv, substituting the host name
// and the delay in whole minutes.
type CommandActuator struct {
	command []string
	timeout time.Duration
}

// NewCommandActuator validates the argv template and constructs an actuator.
// The template must reference the {host} placeholder; {delay} is optional for
// transports that hard-code their own deferral.
func NewCommandActuator(command []string, timeout time.Duration) (*CommandActuator, error) {
	if len(command) == 0 {
		return nil, errors.New("reboot command must not be empty")
	}
	found := false
	for _, arg := range command {
		if strings.Contains(arg, HostPlaceholder) {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("reboot command must reference %s", HostPlaceholder)
	}
	return &CommandActuator{
		command: append([]string(nil), command...),
		timeout: timeout,
	}, nil
}

// ScheduleReboot implements Actuator.
func (a *CommandActuator) ScheduleReboot(ctx context.Context, host string, delay time.Duration) error {
	if strings.TrimSpace(host) == "" {
		return errors.New("host must not be empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if a.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	argv := ExpandCommand(a.command, host, delay)
	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("reboot command for %s timed out after %s", host, a.timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("run reboot command for %s: %w (%s)", host, err, msg)
		}
		return fmt.Errorf("run reboot command for %s: %w", host, err)
	}
	return nil
}

// ExpandCommand substitutes the host and delay placeholders in an argv
// template. The delay is rendered in whole minutes, matching the +N argument
// of shutdown(8).
func ExpandCommand(command []string, host string, delay time.Duration) []string {
	minutes := strconv.Itoa(int(delay.Minutes()))
	expanded := make([]string, len(command))
	for i, arg := range command {
		arg = strings.ReplaceAll(arg, HostPlaceholder, host)
		arg = strings.ReplaceAll(arg, DelayPlaceholder, minutes)
		expanded[i] = arg
	}
	return expanded
}

var _ Actuator = (*CommandActuator)(nil)
var _ Actuator = ActuatorFunc(nil)
