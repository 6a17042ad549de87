// Package power provides a thing that controls a machine's power through
// IPMI, using ipmitool.
package power

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nomis52/thingserver/thing"
)

const (
	// DefaultTool is the ipmitool binary looked up on PATH.
	DefaultTool = "ipmitool"
	// DefaultPollInterval is how often the state is checked while waiting.
	DefaultPollInterval = 5 * time.Second
	// DefaultWaitTimeout bounds how long an action waits for a state change.
	DefaultWaitTimeout = 5 * time.Minute

	// commandWaitDelay bounds how long a killed ipmitool may hold its output open.
	commandWaitDelay = time.Second
)

// CommandRunner executes external commands and returns their output
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execCommandRunner is the default implementation using os/exec
type execCommandRunner struct{}

func (e *execCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = commandWaitDelay
	return cmd.CombinedOutput()
}

// Config describes the BMC to control.
type Config struct {
	Host         string
	User         string
	Password     string
	Tool         string
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// ChangeInput is the input of power_on and power_off.
type ChangeInput struct {
	// Wait blocks until the machine reports the requested state.
	Wait bool `json:"wait"`
}

// StateOutput is the output of every power action. State is the last state
// read from the machine. When power_on or power_off return without waiting,
// that is the state before the command and Requested holds the target.
type StateOutput struct {
	State     string `json:"state"`
	Requested string `json:"requested,omitempty"`
}

// Power is a thing with status, power_on, power_off and reset actions.
type Power struct {
	cfg    Config
	runner CommandRunner
}

// Option configures a Power.
type Option func(*Power)

// WithCommandRunner replaces the runner used to call ipmitool.
func WithCommandRunner(r CommandRunner) Option {
	return func(p *Power) {
		p.runner = r
	}
}

// New creates a Power thing.
func New(cfg Config, opts ...Option) *Power {
	if cfg.Tool == "" {
		cfg.Tool = DefaultTool
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	p := &Power{
		cfg:    cfg,
		runner: &execCommandRunner{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Actions implements thing.Thing.
func (p *Power) Actions() []thing.Action {
	return []thing.Action{
		thing.NewAction("status", p.status),
		thing.NewAction("power_on", p.change(StateOn, "on")),
		thing.NewAction("power_off", p.change(StateOff, "off")),
		thing.NewAction("reset", p.reset),
	}
}

func (p *Power) status(ctx context.Context, req thing.Request) (any, error) {
	state, err := p.State(ctx)
	if err != nil {
		return nil, err
	}
	req.Logger.Info("power state", "state", state.String())
	return StateOutput{State: state.String()}, nil
}

func (p *Power) reset(ctx context.Context, req thing.Request) (any, error) {
	if _, err := p.run(ctx, "chassis", "power", "reset"); err != nil {
		return nil, fmt.Errorf("failed to reset system: %w", err)
	}
	req.Logger.Info("reset command sent")
	return p.status(ctx, req)
}

// change returns an action that moves the machine to want.
func (p *Power) change(want State, command string) thing.ActionFunc {
	return func(ctx context.Context, req thing.Request) (any, error) {
		var in ChangeInput
		if err := req.Bind(&in); err != nil {
			return nil, err
		}

		state, err := p.State(ctx)
		if err != nil {
			return nil, err
		}
		req.Logger.Debug("current power state", "state", state.String())

		if state == want {
			req.Logger.Info("already in requested state", "state", state.String())
			return StateOutput{State: state.String()}, nil
		}

		if _, err := p.run(ctx, "chassis", "power", command); err != nil {
			return nil, fmt.Errorf("failed to power %s system: %w", command, err)
		}
		req.Logger.Info("power command sent", "command", command)

		if !in.Wait {
			return StateOutput{State: state.String(), Requested: want.String()}, nil
		}
		return p.waitFor(ctx, req, want)
	}
}

// waitFor polls until the machine reports want.
func (p *Power) waitFor(ctx context.Context, req thing.Request, want State) (any, error) {
	req.Logger.Info("waiting for power state", "state", want.String(), "timeout", p.cfg.WaitTimeout)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	timeout := time.After(p.cfg.WaitTimeout)
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			if thing.StopRequested(ctx) {
				return nil, thing.ErrCancelled
			}
			return nil, ctx.Err()
		case <-timeout:
			return nil, fmt.Errorf("timed out waiting for power state %s after %v", want, p.cfg.WaitTimeout)
		case <-ticker.C:
			attempts++
			state, err := p.State(ctx)
			if err != nil {
				req.Logger.Warn("failed to read power state", "attempt", attempts, "error", err)
				continue
			}
			if state == want {
				req.Logger.Info("power state reached", "state", state.String(), "attempts", attempts)
				return StateOutput{State: state.String()}, nil
			}
			req.Logger.Debug("power state not reached", "attempt", attempts, "state", state.String())
		}
	}
}

// State returns the current power state of the machine.
func (p *Power) State(ctx context.Context) (State, error) {
	output, err := p.run(ctx, "chassis", "status")
	if err != nil {
		return StateUnknown, fmt.Errorf("failed to get chassis status: %w", err)
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "System Power") {
			if _, value, ok := strings.Cut(line, ":"); ok {
				return ParseState(value), nil
			}
		}
	}
	return StateUnknown, errors.New("no power state in chassis status")
}

// run executes an ipmitool command with the configured credentials.
func (p *Power) run(ctx context.Context, args ...string) ([]byte, error) {
	cmdArgs := []string{"-H", p.cfg.Host}
	if p.cfg.User != "" {
		cmdArgs = append(cmdArgs, "-U", p.cfg.User)
	}
	if p.cfg.Password != "" {
		cmdArgs = append(cmdArgs, "-P", p.cfg.Password)
	}
	cmdArgs = append(cmdArgs, args...)

	output, err := p.runner.Run(ctx, p.cfg.Tool, cmdArgs...)
	if err != nil && thing.StopRequested(ctx) {
		return output, thing.ErrCancelled
	}
	if err != nil {
		if msg := strings.TrimSpace(string(output)); msg != "" {
			return output, fmt.Errorf("%w: %s", err, msg)
		}
		return output, err
	}
	return output, nil
}
