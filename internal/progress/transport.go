package progress

import (
	"context"
	"log/slog"
	"math"
	"sync"
)

// Transport receives the events of the node it is attached to. Methods are
// called outside of the node lock, in the order the events happened for a
// single caller.
type Transport interface {
	Started(desc string, total float64)
	Progressed(delta float64, msg string)
	Finished(msg string, err error)
}

type discard struct{}

func (discard) Started(string, float64)    {}
func (discard) Progressed(float64, string) {}
func (discard) Finished(string, error)     {}

// Discard is a transport dropping all events
var Discard Transport = discard{}

// Funcs adapts plain functions to a Transport, nil fields are ignored.
type Funcs struct {
	OnStarted    func(desc string, total float64)
	OnProgressed func(delta float64, msg string)
	OnFinished   func(msg string, err error)
}

func (f Funcs) Started(desc string, total float64) {
	if f.OnStarted != nil {
		f.OnStarted(desc, total)
	}
}

func (f Funcs) Progressed(delta float64, msg string) {
	if f.OnProgressed != nil {
		f.OnProgressed(delta, msg)
	}
}

func (f Funcs) Finished(msg string, err error) {
	if f.OnFinished != nil {
		f.OnFinished(msg, err)
	}
}

// LogTransport logs node messages and every completed tenth of the work.
type LogTransport struct {
	ctx    context.Context
	logger *slog.Logger

	mx      sync.Mutex
	total   float64
	done    float64
	decile  int
	lastMsg string
}

func NewLogTransport(ctx context.Context, logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{ctx: ctx, logger: logger}
}

func (l *LogTransport) Started(desc string, total float64) {
	l.mx.Lock()
	l.total = total
	l.lastMsg = desc
	l.mx.Unlock()
	l.logger.InfoContext(l.ctx, desc)
}

func (l *LogTransport) Progressed(delta float64, msg string) {
	l.mx.Lock()
	l.done += delta
	var decile int
	if l.total > 0 {
		decile = int(math.Floor(10 * min(l.done, l.total) / l.total))
	}
	logPct := decile > l.decile
	if logPct {
		l.decile = decile
	}
	logMsg := msg != "" && msg != l.lastMsg
	if logMsg {
		l.lastMsg = msg
	}
	l.mx.Unlock()

	if logMsg {
		l.logger.InfoContext(l.ctx, msg)
	}
	if logPct {
		l.logger.DebugContext(l.ctx, "progress", "percent", decile*10)
	}
}

func (l *LogTransport) Finished(msg string, err error) {
	if err != nil {
		l.logger.ErrorContext(l.ctx, msg, "error", err)
		return
	}
	l.logger.InfoContext(l.ctx, msg)
}
