// Package things builds the things declared in the configuration.
package things

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nomis52/thingserver/config"
	"github.com/nomis52/thingserver/thing"
	"github.com/nomis52/thingserver/things/power"
	"github.com/nomis52/thingserver/things/shell"
	"github.com/nomis52/thingserver/things/stage"
)

// Set is the registry of configured things plus the resources they hold.
type Set struct {
	*thing.Registry
	closers []io.Closer
}

// Close releases connections held by the things.
func (s *Set) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build creates and registers every configured thing.
func Build(cfgs []config.ThingConfig, logger *slog.Logger) (*Set, error) {
	set := &Set{Registry: thing.NewRegistry()}

	for _, c := range cfgs {
		t, closer, err := build(c, logger)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("thing %s: %w", c.Path, err)
		}
		if closer != nil {
			set.closers = append(set.closers, closer)
		}
		if err := set.Add(c.Path, t); err != nil {
			set.Close()
			return nil, err
		}
		logger.Info("thing registered", "path", thing.NormalizePath(c.Path), "type", c.Type)
	}

	return set, nil
}

func build(c config.ThingConfig, logger *slog.Logger) (thing.Thing, io.Closer, error) {
	switch c.Type {
	case config.ThingTypeStage:
		return stage.New(stage.Config{
			StepInterval: c.Options.StepInterval,
			MinPosition:  c.Options.MinPosition,
			MaxPosition:  c.Options.MaxPosition,
		}), nil, nil
	case config.ThingTypeShell:
		s, err := shell.New(shell.Config{
			Host:           c.Options.Host,
			Port:           c.Options.Port,
			User:           c.Options.User,
			PrivateKey:     c.Options.PrivateKey,
			PrivateKeyFile: c.Options.PrivateKeyFile,
			Password:       c.Options.Password,
			KnownHostsFile: c.Options.KnownHostsFile,
			DialTimeout:    c.Options.DialTimeout,
		}, logger.With("thing", thing.NormalizePath(c.Path)))
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.ThingTypePower:
		return power.New(power.Config{
			Host:         c.Options.Host,
			User:         c.Options.User,
			Password:     c.Options.Password,
			Tool:         c.Options.Tool,
			PollInterval: c.Options.PollInterval,
			WaitTimeout:  c.Options.WaitTimeout,
		}), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown type %q", c.Type)
	}
}
