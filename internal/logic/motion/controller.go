package motion

import (
	"context"
	"time"

	"github.com/cjeanneret/stepper595/internal/debug"
	"github.com/cjeanneret/stepper595/internal/hw/stepper"
)

// DefaultPollInterval is used when NewController gets a non-positive interval.
const DefaultPollInterval = 500 * time.Microsecond

// Controller is the polling loop in front of the driver. The driver never
// blocks; the Controller keeps calling it until the requested number of
// steps has fired.
type Controller struct {
	drv  *stepper.Driver
	poll time.Duration
}

func NewController(drv *stepper.Driver, poll time.Duration) *Controller {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Controller{
		drv:  drv,
		poll: poll,
	}
}

// Jog moves motor m by steps half-steps in direction dir. It returns the
// number of steps taken, which is less than steps only on error or when ctx
// is cancelled.
func (c *Controller) Jog(ctx context.Context, m stepper.Motor, dir stepper.Direction, steps int) (int, error) {
	debug.Jog(m.String(), steps, dir.String())
	return c.run(ctx, steps, func() (bool, error) {
		return c.drv.Step(m, dir)
	})
}

// JogBoth moves both motors together, one shared write per step.
func (c *Controller) JogBoth(ctx context.Context, dir stepper.Direction, steps int) (int, error) {
	debug.Jog("A+B", steps, dir.String())
	return c.run(ctx, steps, func() (bool, error) {
		return c.drv.StepBoth(dir)
	})
}

// Stop de-energizes motor m, or both motors when m is nil.
func (c *Controller) Stop(m *stepper.Motor) error {
	if m == nil {
		return c.drv.StopAll()
	}
	return c.drv.StopMotor(*m)
}

func (c *Controller) run(ctx context.Context, steps int, step func() (bool, error)) (int, error) {
	if steps <= 0 {
		return 0, nil
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	done := 0
	for {
		select {
		case <-ctx.Done():
			debug.Live("Jog cancelled after %d/%d steps", done, steps)
			return done, ctx.Err()
		default:
		}

		fired, err := step()
		if err != nil {
			return done, err
		}
		if fired {
			done++
			if done == steps {
				debug.Live("Jog complete: %d steps", done)
				return done, nil
			}
		}

		select {
		case <-ctx.Done():
			debug.Live("Jog cancelled after %d/%d steps", done, steps)
			return done, ctx.Err()
		case <-ticker.C:
		}
	}
}
