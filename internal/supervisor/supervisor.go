// Package supervisor builds the suture trees that run the long-lived parts
// of each binary and restarts them when they fail.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// Config tunes restart behaviour.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultConfig returns the restart policy used by every binary.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// New creates a root supervisor that logs its events to logger.
func New(name string, config Config, logger zerolog.Logger) *suture.Supervisor {
	return suture.New(name, suture.Spec{
		EventHook:        eventHook(logger),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	})
}

func eventHook(logger zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		ev := logger.Warn()
		if e.Type() == suture.EventTypeResume {
			ev = logger.Info()
		}
		ev.Fields(e.Map()).Msg(e.String())
	}
}

// Closer is a service that owns a resource for the life of the tree: it
// waits for shutdown and then releases the resource.
type Closer struct {
	Name  string
	Close func()
}

// Serve blocks until ctx is done, then calls Close.
func (c Closer) Serve(ctx context.Context) error {
	<-ctx.Done()
	c.Close()
	return ctx.Err()
}

func (c Closer) String() string { return c.Name }

// Func adapts a function to a named suture.Service.
type Func struct {
	Name string
	Run  func(ctx context.Context) error
}

// Serve runs the function.
func (f Func) Serve(ctx context.Context) error { return f.Run(ctx) }

func (f Func) String() string { return f.Name }
