package service

import (
	"runtime/debug"
	"sync"
	"time"
)

const (
	DefaultIdleShutdown = 300 * time.Second
	gcPasses            = 10
	gcInterval          = time.Second
)

// Accountant counts the jobs in flight and decides when the service
// process is idle. When the last job finishes it runs a bounded cycle of
// forced garbage collections and arms the idle timer; a new job stops
// both. All state is guarded by one mutex.
type Accountant struct {
	idle   time.Duration
	onIdle func()
	gc     func()

	mx       sync.Mutex
	jobs     int
	timer    *time.Timer
	gcStop   chan struct{}
	gcDone   chan struct{}
	stopped  bool
	armedGen int
}

type AccountantOption func(*Accountant)

// WithGC replaces the function run on every collection pass
func WithGC(f func()) AccountantOption {
	return func(a *Accountant) {
		a.gc = f
	}
}

// NewAccountant returns an accountant calling onIdle once idle elapsed
// without any job. The timer is armed by Start.
func NewAccountant(idle time.Duration, onIdle func(), opts ...AccountantOption) *Accountant {
	if idle <= 0 {
		idle = DefaultIdleShutdown
	}
	a := &Accountant{
		idle:   idle,
		onIdle: onIdle,
		gc:     debug.FreeOSMemory,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start arms the idle timer of a freshly started service
func (a *Accountant) Start() {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.jobs == 0 && !a.stopped {
		a.arm()
	}
}

func (a *Accountant) JobStarted() {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.jobs++
	a.disarm()
	a.stopGC()
}

func (a *Accountant) JobFinished() {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.jobs > 0 {
		a.jobs--
	}
	if a.jobs > 0 || a.stopped {
		return
	}
	a.startGC()
	a.arm()
}

// Jobs returns the number of jobs in flight
func (a *Accountant) Jobs() int {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.jobs
}

// Stop disarms the timer and interrupts a running collection cycle, it
// waits until the cycle has ended.
func (a *Accountant) Stop() {
	a.mx.Lock()
	a.stopped = true
	a.disarm()
	done := a.gcDone
	a.stopGC()
	a.mx.Unlock()
	if done != nil {
		<-done
	}
}

// arm (re)starts the idle timer, a.mx must be held
func (a *Accountant) arm() {
	a.disarm()
	a.armedGen++
	gen := a.armedGen
	a.timer = time.AfterFunc(a.idle, func() {
		a.fire(gen)
	})
}

func (a *Accountant) disarm() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Accountant) fire(gen int) {
	a.mx.Lock()
	idle := a.jobs == 0 && !a.stopped && gen == a.armedGen
	a.mx.Unlock()
	if idle && a.onIdle != nil {
		a.onIdle()
	}
}

// startGC runs gcPasses collections one gcInterval apart, a.mx must be held
func (a *Accountant) startGC() {
	a.stopGC()
	stop := make(chan struct{})
	done := make(chan struct{})
	a.gcStop, a.gcDone = stop, done
	go func() {
		defer close(done)
		for range gcPasses {
			a.gc()
			select {
			case <-stop:
				return
			case <-time.After(gcInterval):
			}
		}
	}()
}

func (a *Accountant) stopGC() {
	if a.gcStop != nil {
		close(a.gcStop)
		a.gcStop, a.gcDone = nil, nil
	}
}
