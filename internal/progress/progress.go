// Package progress implements a tree of work units used for progress
// reporting, cooperative cancellation and error aggregation.
//
// A Node is started with an amount of abstract work units, reports incremental
// deltas and is finished exactly once. Children consume a share of their
// parent's work units; their reports are translated proportionally to the
// parent and the unconsumed remainder is folded in when they finish.
// Waiting on a node (or on all its children) is how asynchronous fan-out is
// synchronised.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidState = errors.New("invalid state")
	ErrOutOfRange   = errors.New("work out of range")
	ErrCancelled    = fmt.Errorf("cancelled: %w", context.Canceled)
)

// overshoot is the tolerated relative excess of reported work caused by
// accumulated floating point error.
const overshoot = 1.01

type State int

const (
	Initialized State = iota
	Running
	Cancelled
	Finished
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Cancelled:
		return "cancelled"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Node struct {
	name      string
	transport Transport

	// parent is a back reference used for upward reporting only, share is
	// the amount of parent work units this node consumes.
	parent *Node
	share  float64

	mx        sync.Mutex
	cond      *sync.Cond
	started   bool
	finished  bool
	cancelled bool
	done      chan struct{}
	total     float64
	completed float64
	message   string
	err       error
	childErr  bool
	children  map[*Node]struct{}
}

type Option func(*Node)

// WithTransport attaches t to the node, it receives all events of that node.
func WithTransport(t Transport) Option {
	return func(n *Node) {
		if t != nil {
			n.transport = t
		}
	}
}

// New returns a root node in Initialized state
func New(name string, opts ...Option) *Node {
	n := &Node{
		name:      name,
		transport: Discard,
		done:      make(chan struct{}),
		children:  make(map[*Node]struct{}),
	}
	n.cond = sync.NewCond(&n.mx)
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Node) Name() string {
	return n.name
}

// Start moves the node to Running. It can be called only once.
func (n *Node) Start(desc string, total float64) error {
	if total < 0 {
		return fmt.Errorf("start %q with total %g: %w", n.name, total, ErrOutOfRange)
	}
	n.mx.Lock()
	if n.started || n.finished {
		n.mx.Unlock()
		return fmt.Errorf("start %q: %w", n.name, ErrInvalidState)
	}
	n.started = true
	n.total = total
	n.message = desc
	n.mx.Unlock()

	n.transport.Started(desc, total)
	return nil
}

// Report adds an incremental amount of work.
func (n *Node) Report(delta float64) error {
	return n.report(delta, "", false)
}

// ReportMsg adds an incremental amount of work and replaces the last message.
func (n *Node) ReportMsg(desc string, delta float64) error {
	return n.report(delta, desc, true)
}

// Describe replaces the last message without reporting any work.
func (n *Node) Describe(desc string) {
	_ = n.report(0, desc, true)
}

func (n *Node) report(delta float64, desc string, hasDesc bool) error {
	n.mx.Lock()
	if !n.started || n.finished {
		n.mx.Unlock()
		return nil
	}
	sum := n.completed + delta
	if sum < 0 || sum > n.total*overshoot {
		n.mx.Unlock()
		return fmt.Errorf("report %g on %q (%g/%g): %w", delta, n.name, n.completed, n.total, ErrOutOfRange)
	}
	n.completed = min(sum, n.total)
	if hasDesc {
		n.message = desc
	}
	forward := n.forwarded(delta)
	n.mx.Unlock()

	n.transport.Progressed(delta, desc)
	if n.parent != nil && forward != 0 {
		n.parent.childWorked(forward)
	}
	return nil
}

// forwarded translates a delta to parent work units, n.mx must be held
func (n *Node) forwarded(delta float64) float64 {
	if n.parent == nil || n.total == 0 {
		return 0
	}
	return n.share * delta / n.total
}

// childWorked folds in work reported by a child. Accumulated float error
// is clamped instead of failing.
func (n *Node) childWorked(delta float64) {
	n.mx.Lock()
	if n.finished {
		n.mx.Unlock()
		return
	}
	n.completed = max(0, min(n.completed+delta, n.total))
	forward := n.forwarded(delta)
	n.mx.Unlock()

	n.transport.Progressed(delta, "")
	if n.parent != nil && forward != 0 {
		n.parent.childWorked(forward)
	}
}

// RequestCancel marks the node and all its live children as cancelled.
// It only sets a flag, running work observes it cooperatively.
func (n *Node) RequestCancel() {
	n.mx.Lock()
	if n.cancelled || n.finished {
		n.mx.Unlock()
		return
	}
	n.cancelled = true
	close(n.done)
	children := make([]*Node, 0, len(n.children))
	for c := range n.children {
		children = append(children, c)
	}
	n.mx.Unlock()

	for _, c := range children {
		c.RequestCancel()
	}
}

// CheckCancelled returns ErrCancelled if cancellation has been requested.
func (n *Node) CheckCancelled() error {
	if n.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

func (n *Node) IsCancelled() bool {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.cancelled
}

// Done returns a channel closed once cancellation is requested.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Context returns a context cancelled together with the node.
func (n *Node) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-n.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Child creates a node consuming share work units of n. The parent must
// be running. The child is registered immediately, so WaitChildren waits
// for it even before it is started.
func (n *Node) Child(name string, share float64, opts ...Option) (*Node, error) {
	if share < 0 {
		return nil, fmt.Errorf("child %q of %q with share %g: %w", name, n.name, share, ErrOutOfRange)
	}
	n.mx.Lock()
	defer n.mx.Unlock()
	if !n.started || n.finished {
		return nil, fmt.Errorf("child %q of %q: %w", name, n.name, ErrInvalidState)
	}
	c := New(name, opts...)
	c.parent = n
	c.share = share
	if n.cancelled {
		c.cancelled = true
		close(c.done)
	}
	n.children[c] = struct{}{}
	return c, nil
}

// Finish terminates the node and records err. Finishing a node twice is a
// no-op, finishing a node which has not been started is an error.
func (n *Node) Finish(desc string, err error) error {
	n.mx.Lock()
	switch {
	case n.finished:
		n.mx.Unlock()
		return nil
	case !n.started:
		n.mx.Unlock()
		return fmt.Errorf("finish %q: %w", n.name, ErrInvalidState)
	}
	n.finished = true
	n.message = desc
	if n.err == nil {
		n.err = err
	}
	var remainder float64
	if n.parent != nil {
		if n.total == 0 {
			remainder = n.share
		} else {
			remainder = n.share * (n.total - n.completed) / n.total
		}
	}
	failed := n.err != nil || n.childErr
	n.cond.Broadcast()
	n.mx.Unlock()

	n.transport.Finished(desc, err)
	if n.parent != nil {
		n.parent.childFinished(n, remainder, failed)
	}
	return nil
}

func (n *Node) childFinished(c *Node, remainder float64, failed bool) {
	n.mx.Lock()
	delete(n.children, c)
	if failed {
		n.childErr = true
	}
	var forward float64
	if !n.finished {
		n.completed = max(0, min(n.completed+remainder, n.total))
		forward = n.forwarded(remainder)
	}
	n.cond.Broadcast()
	n.mx.Unlock()

	if remainder != 0 {
		n.transport.Progressed(remainder, "")
	}
	if n.parent == nil {
		return
	}
	if failed {
		n.parent.markChildErr()
	}
	if forward != 0 {
		n.parent.childWorked(forward)
	}
}

func (n *Node) markChildErr() {
	n.mx.Lock()
	n.childErr = true
	p := n.parent
	n.mx.Unlock()
	if p != nil {
		p.markChildErr()
	}
}

// Wait blocks until the node is finished.
func (n *Node) Wait() {
	n.mx.Lock()
	defer n.mx.Unlock()
	for !n.finished {
		n.cond.Wait()
	}
}

// WaitChildren blocks until all children of the node are finished.
func (n *Node) WaitChildren() {
	n.mx.Lock()
	defer n.mx.Unlock()
	for len(n.children) > 0 {
		n.cond.Wait()
	}
}

// Err returns the error the node has been finished with.
func (n *Node) Err() error {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.err
}

// HasError reports whether the node or any of its descendants failed.
func (n *Node) HasError() bool {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.err != nil || n.childErr
}

func (n *Node) State() State {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.state()
}

func (n *Node) state() State {
	switch {
	case n.finished:
		return Finished
	case n.cancelled:
		return Cancelled
	case n.started:
		return Running
	default:
		return Initialized
	}
}

func (n *Node) Total() float64 {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.total
}

func (n *Node) Completed() float64 {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.completed
}

func (n *Node) Message() string {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.message
}
