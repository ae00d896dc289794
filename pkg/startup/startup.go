// Package startup brings up external collaborators with retries before a run
// touches the store.
package startup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Dependency interface {
	GetName() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Status int

const (
	StatusPending Status = iota
	StatusStarted
	StatusStopped
	StatusFailed
)

type Startup struct {
	order        []string
	dependencies map[string]Dependency
	logger       *zap.Logger
	statuses     map[string]Status
	attempt      int
	maxAttempts  int
	wait         func(ctx context.Context, d time.Duration) error
}

func NewStartup(logger *zap.Logger, maxAttempts int) *Startup {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Startup{
		logger:       logger.Named("startup"),
		dependencies: make(map[string]Dependency),
		statuses:     make(map[string]Status),
		maxAttempts:  maxAttempts,
		wait:         sleep,
	}
}

// AddDependency registers a dependency. Dependencies start in registration
// order after their own DependsOn entries.
func (s *Startup) AddDependency(dependency Dependency) {
	name := dependency.GetName()
	if _, ok := s.dependencies[name]; !ok {
		s.order = append(s.order, name)
	}
	s.dependencies[name] = dependency
}

// Status reports the current status of a registered dependency
func (s *Startup) Status(name string) Status {
	return s.statuses[name]
}

// Start starts every dependency, retrying the whole set with a fibonacci
// backoff in seconds until maxAttempts is reached.
func (s *Startup) Start(ctx context.Context) error {
	s.attempt = 0
	var lastErr error

	a, b := 1, 1
	for s.attempt < s.maxAttempts {
		s.attempt++
		s.logger.Info("Beginning startup attempt", zap.Int("attempt", s.attempt))

		success := true
		for _, name := range s.order {
			if err := s.startDependency(ctx, name, nil); err != nil {
				s.logger.Error("Startup dependency failed",
					zap.String("dependency", name),
					zap.Int("attempt", s.attempt),
					zap.Error(err),
				)
				lastErr = err
				success = false
				break
			}
		}

		if success {
			return nil
		}

		if s.attempt >= s.maxAttempts {
			return fmt.Errorf("startup failed after %d attempts: %w", s.attempt, lastErr)
		}

		s.logger.Info("Retrying startup",
			zap.Int("wait_seconds", a),
			zap.Int("attempt", s.attempt),
			zap.Int("max_attempts", s.maxAttempts),
		)
		if err := s.wait(ctx, time.Duration(a)*time.Second); err != nil {
			return err
		}
		a, b = b, a+b
	}

	return lastErr
}

func (s *Startup) startDependency(ctx context.Context, name string, visiting map[string]bool) error {
	if s.statuses[name] == StatusStarted {
		return nil
	}

	dependency, ok := s.dependencies[name]
	if !ok {
		return fmt.Errorf("unknown startup dependency %q", name)
	}

	if visiting == nil {
		visiting = map[string]bool{}
	}
	if visiting[name] {
		return fmt.Errorf("startup dependency cycle at %q", name)
	}
	visiting[name] = true

	for _, required := range dependency.DependsOn() {
		if err := s.startDependency(ctx, required, visiting); err != nil {
			return err
		}
	}

	s.logger.Info("Starting dependency", zap.String("dependency", name))
	s.statuses[name] = StatusPending
	if err := dependency.Start(ctx); err != nil {
		s.statuses[name] = StatusFailed
		return err
	}
	s.statuses[name] = StatusStarted
	return nil
}

// Stop stops started dependencies in reverse registration order
func (s *Startup) Stop(ctx context.Context) error {
	for i := len(s.order) - 1; i >= 0; i-- {
		name := s.order[i]
		if s.statuses[name] != StatusStarted {
			continue
		}

		s.logger.Info("Stopping dependency", zap.String("dependency", name))
		if err := s.dependencies[name].Stop(ctx); err != nil {
			s.logger.Error("Failed to stop dependency", zap.String("dependency", name), zap.Error(err))
			return err
		}
		s.statuses[name] = StatusStopped
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
