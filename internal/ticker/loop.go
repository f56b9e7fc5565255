package ticker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"mdticker.com/internal/device"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/metrics"
	"mdticker.com/pkg/xerr"
)

// DefaultPollTimeout bounds one Poll so a cancel is seen within about a
// millisecond.
const DefaultPollTimeout = time.Millisecond

type State int32

const (
	Running State = iota
	Stopping
	ForceTerminate
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case ForceTerminate:
		return "force_terminate"
	default:
		return "unknown"
	}
}

// Canceller is the loop's cancellation token. The first Cancel asks the
// loop to stop after the current poll; the second moves to ForceTerminate
// and runs the force hook.
type Canceller struct {
	state atomic.Int32
	force func()
}

// NewCanceller accepts a nil force hook.
func NewCanceller(force func()) *Canceller {
	return &Canceller{force: force}
}

func (c *Canceller) Cancel() State {
	for {
		cur := State(c.state.Load())
		switch cur {
		case Running:
			if c.state.CompareAndSwap(int32(Running), int32(Stopping)) {
				return Stopping
			}
		case Stopping:
			if c.state.CompareAndSwap(int32(Stopping), int32(ForceTerminate)) {
				if c.force != nil {
					c.force()
				}
				return ForceTerminate
			}
		default:
			return cur
		}
	}
}

func (c *Canceller) State() State { return State(c.state.Load()) }

func (c *Canceller) Cancelled() bool { return c.state.Load() != int32(Running) }

type Outcome int

const (
	// OutcomeStopped: the token was cancelled or ctx ended.
	OutcomeStopped Outcome = iota
	// OutcomeEndOfData: a finite source delivered everything.
	OutcomeEndOfData
	OutcomeSourceError
	OutcomeForceTerminate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStopped:
		return "stopped"
	case OutcomeEndOfData:
		return "end_of_data"
	case OutcomeSourceError:
		return "source_error"
	case OutcomeForceTerminate:
		return "force_terminate"
	default:
		return "unknown"
	}
}

// Loop polls one packet at a time and hands it to the session owning its
// route. Everything downstream runs on the goroutine calling Run.
type Loop struct {
	Feed        string
	Source      device.Source
	Routes      Routes
	Token       *Canceller
	PollTimeout time.Duration
}

func (l *Loop) Run(ctx context.Context) (Outcome, error) {
	timeout := l.PollTimeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	token := l.Token
	if token == nil {
		token = NewCanceller(nil)
	}

	polled := metrics.PacketsPolled.WithLabelValues(l.Feed)
	dispatched := make([]prometheus.Counter, len(l.Routes))
	for i, s := range l.Routes {
		dispatched[i] = metrics.PacketsDispatched.WithLabelValues(l.Feed, s.InstanceName())
	}
	pollErr := func(kind string) { metrics.PollErrors.WithLabelValues(l.Feed, kind).Inc() }

	buf := make([]device.Packet, 1)
	for {
		if token.Cancelled() {
			return l.stopped(ctx, token)
		}
		if ctx.Err() != nil {
			return OutcomeStopped, nil
		}

		n, err := l.Source.Poll(timeout, buf[:1])
		switch {
		case err == nil:
		case errors.Is(err, device.ErrTimeout):
			continue
		case errors.Is(err, device.ErrInterrupted):
			pollErr("interrupted")
			continue
		case errors.Is(err, device.ErrEndOfData):
			logger.Info(ctx, "source drained", zap.String("feed", l.Feed))
			return OutcomeEndOfData, nil
		default:
			pollErr("fatal")
			return OutcomeSourceError, xerr.Wrap(xerr.Source, err, "poll "+l.Feed)
		}

		for i := 0; i < n; i++ {
			p := &buf[i]
			polled.Inc()
			s, ok := l.Routes.Lookup(p.Route)
			if !ok {
				pollErr("unrouted")
				continue
			}
			s.ProcessProtocol(p)
			dispatched[p.Route].Inc()
		}
	}
}

func (l *Loop) stopped(ctx context.Context, token *Canceller) (Outcome, error) {
	st := token.State()
	logger.Info(ctx, "dispatch loop cancelled", zap.String("feed", l.Feed), zap.Stringer("state", st))
	if st == ForceTerminate {
		return OutcomeForceTerminate, nil
	}
	return OutcomeStopped, nil
}
