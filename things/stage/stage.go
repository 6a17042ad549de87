// Package stage provides a simulated translation stage.
//
// The stage moves one unit per step. A move can be stopped between steps, in
// which case the stage stays where it got to.
package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nomis52/thingserver/thing"
)

// Config configures a Stage.
type Config struct {
	// StepInterval is the time taken by one unit of movement.
	StepInterval time.Duration
	// MinPosition and MaxPosition bound the travel. Both zero means unbounded.
	MinPosition int
	MaxPosition int
}

// MoveInput is the input of the move action.
type MoveInput struct {
	Distance int `json:"distance"`
}

// PositionOutput is the output of the move and home actions.
type PositionOutput struct {
	Position int `json:"position"`
}

// Stage is a simulated single-axis translation stage.
type Stage struct {
	cfg Config

	// moving serialises movement; only one action drives the stage at a time.
	moving sync.Mutex

	mu       sync.Mutex
	position int
}

// New creates a Stage at position zero.
func New(cfg Config) *Stage {
	return &Stage{cfg: cfg}
}

// Position returns the current position.
func (s *Stage) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Actions implements thing.Thing.
func (s *Stage) Actions() []thing.Action {
	return []thing.Action{
		thing.NewAction("move", s.move),
		thing.NewAction("home", s.home),
	}
}

func (s *Stage) bounded() bool {
	return s.cfg.MinPosition != 0 || s.cfg.MaxPosition != 0
}

func (s *Stage) move(ctx context.Context, req thing.Request) (any, error) {
	var in MoveInput
	if err := req.Bind(&in); err != nil {
		return nil, err
	}

	s.moving.Lock()
	defer s.moving.Unlock()

	start := s.Position()
	target := start + in.Distance
	if s.bounded() && (target < s.cfg.MinPosition || target > s.cfg.MaxPosition) {
		return nil, fmt.Errorf("target position %d is outside [%d, %d]", target, s.cfg.MinPosition, s.cfg.MaxPosition)
	}

	req.Logger.Info("moving stage", "from", start, "to", target)
	if err := s.stepTo(ctx, req, target); err != nil {
		return nil, err
	}
	req.Logger.Info("move complete", "position", target)

	return PositionOutput{Position: target}, nil
}

func (s *Stage) home(ctx context.Context, req thing.Request) (any, error) {
	s.moving.Lock()
	defer s.moving.Unlock()

	req.Logger.Info("homing stage", "from", s.Position())
	if err := s.stepTo(ctx, req, 0); err != nil {
		return nil, err
	}
	req.Logger.Info("stage homed")

	return PositionOutput{Position: 0}, nil
}

// stepTo moves one unit per interval until target is reached, checking for a
// stop request before every step.
func (s *Stage) stepTo(ctx context.Context, req thing.Request, target int) error {
	var tick <-chan time.Time
	if s.cfg.StepInterval > 0 {
		ticker := time.NewTicker(s.cfg.StepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		pos := s.Position()
		if pos == target {
			return nil
		}
		if thing.StopRequested(ctx) {
			req.Logger.Warn("move stopped", "position", pos)
			return thing.ErrCancelled
		}

		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				// Loop round so a stop request is reported as a cancellation.
				if !thing.StopRequested(ctx) {
					return ctx.Err()
				}
				continue
			}
		}

		step := 1
		if target < pos {
			step = -1
		}
		s.mu.Lock()
		s.position += step
		s.mu.Unlock()
		req.Logger.Debug("step", "position", pos+step)
	}
}
