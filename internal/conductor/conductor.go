package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/bmconductor/internal/driver"
	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/reservation"
	"github.com/imamik/bmconductor/internal/states"
	"github.com/imamik/bmconductor/internal/store"
	"github.com/imamik/bmconductor/internal/transition"
)

const (
	// DefaultWorkers bounds the background workers of a conductor.
	DefaultWorkers = 64
	// DefaultSyncInterval is the period of the power state sync.
	DefaultSyncInterval = 60 * time.Second
)

const noFreeWorker = "no free conductor worker"

// Conductor owns node transitions for one host.
type Conductor struct {
	host    string
	store   store.NodeStore
	locks   *reservation.Manager
	drivers *driver.Registry

	workerCount int64
	workers     *semaphore.Weighted
	wg          sync.WaitGroup

	clock                     clock.Clock
	syncInterval              time.Duration
	forcePowerStateDuringSync bool
	enableMetrics             bool
}

// Option configures a Conductor.
type Option func(*Conductor)

// WithWorkers sets the size of the worker pool. Values below 1 are raised
// to 1.
func WithWorkers(n int) Option {
	return func(c *Conductor) {
		c.workerCount = int64(max(n, 1))
	}
}

// WithClock sets the clock driving the periodic sync.
func WithClock(clk clock.Clock) Option {
	return func(c *Conductor) {
		c.clock = clk
	}
}

// WithSyncInterval sets the period of the power state sync.
func WithSyncInterval(d time.Duration) Option {
	return func(c *Conductor) {
		c.syncInterval = d
	}
}

// WithForcePowerStateDuringSync makes the sync switch the hardware back to
// the recorded power state instead of recording what the hardware reports.
func WithForcePowerStateDuringSync(force bool) Option {
	return func(c *Conductor) {
		c.forcePowerStateDuringSync = force
	}
}

// WithMetrics enables Prometheus metrics for transitions and reservations.
func WithMetrics(enabled bool) Option {
	return func(c *Conductor) {
		c.enableMetrics = enabled
	}
}

// New creates a conductor that reserves nodes under the host token.
func New(host string, s store.NodeStore, drivers *driver.Registry, opts ...Option) (*Conductor, error) {
	if host == "" {
		return nil, errors.New("conductor host must not be empty")
	}
	c := &Conductor{
		host:         host,
		store:        s,
		drivers:      drivers,
		workerCount:  DefaultWorkers,
		clock:        clock.New(),
		syncInterval: DefaultSyncInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.workers = semaphore.NewWeighted(c.workerCount)
	c.locks = reservation.NewManager(s, reservation.WithMetrics(c.enableMetrics))
	return c, nil
}

// Host returns the reservation token of this conductor.
func (c *Conductor) Host() string {
	return c.host
}

// Reserve reserves the node for this conductor.
func (c *Conductor) Reserve(ctx context.Context, ident string) (*node.Node, error) {
	return c.locks.Reserve(ctx, ident, c.host)
}

// Release releases a reservation held by this conductor.
func (c *Conductor) Release(ctx context.Context, ident string) error {
	return c.locks.Release(ctx, ident, c.host)
}

// Wait blocks until every background worker has finished.
func (c *Conductor) Wait() {
	c.wg.Wait()
}

// outcome is what a worker reports: the fields that end the transition and
// the hardware error, if any.
type outcome struct {
	set node.Fields
	err error
}

type work func(ctx context.Context, d *driver.Driver, n *node.Node) outcome

type request struct {
	ident    string
	axis     states.Axis
	target   string
	opts     []transition.Option
	validate func(ctx context.Context, d *driver.Driver, n *node.Node) error
	run      work
}

// start checks, reserves and marks the node busy, then hands the work to a
// background worker. The reservation is held until the worker ends.
func (c *Conductor) start(ctx context.Context, req request) error {
	err := c.begin(ctx, req)
	if err != nil && c.enableMetrics {
		recordTransitionMetric(string(req.axis), node.KindOf(err).String())
	}
	return err
}

func (c *Conductor) begin(ctx context.Context, req request) error {
	logger := transitionLogger(ctx, req.ident, req)

	n, err := c.store.GetNode(ctx, req.ident)
	if err != nil {
		return err
	}
	if err := transition.Check(n, req.axis, req.target, req.opts...); err != nil {
		return err
	}
	d, err := c.drivers.For(n)
	if err != nil {
		return err
	}
	if err := req.validate(ctx, d, n); err != nil {
		return err
	}

	reserved, err := c.locks.Reserve(ctx, req.ident, c.host)
	if err != nil {
		return err
	}
	// The node may have changed between the first read and the claim.
	if err := transition.Check(reserved, req.axis, req.target, req.opts...); err != nil {
		c.release(ctx, req.ident)
		return err
	}

	expected, set := transition.Begin(reserved, c.host, req.axis, req.target)
	busy, err := c.store.AtomicUpdate(ctx, req.ident, expected, set)
	if err != nil {
		c.release(ctx, req.ident)
		if errors.Is(err, store.ErrPredicateFailed) {
			return node.TransitionConflict(req.ident,
				"node %s changed while starting a %s transition", req.ident, req.axis)
		}
		return fmt.Errorf("failed to mark node %s busy: %w", req.ident, err)
	}

	if !c.workers.TryAcquire(1) {
		logger.Info("rejecting transition", "reason", noFreeWorker)
		c.update(ctx, busy.UUID, transition.Abort(reserved, req.axis, noFreeWorker))
		c.release(ctx, busy.UUID)
		return &node.Error{Kind: node.KindTransient, Node: req.ident, Msg: noFreeWorker}
	}

	logger.Info("starting transition")
	c.wg.Add(1)
	go c.runWorker(context.WithoutCancel(ctx), d, busy, req)
	return nil
}

func (c *Conductor) runWorker(ctx context.Context, d *driver.Driver, n *node.Node, req request) {
	defer c.wg.Done()
	defer c.workers.Release(1)
	defer c.release(ctx, n.UUID)

	logger := transitionLogger(ctx, n.UUID, req)
	out := req.run(ctx, d, n)
	if out.err != nil {
		logger.Error(out.err, "transition failed")
	} else {
		logger.Info("transition finished")
	}
	c.update(ctx, n.UUID, out.set)

	if c.enableMetrics {
		result := "success"
		if out.err != nil {
			result = "failure"
		}
		recordTransitionMetric(string(req.axis), result)
	}
}

func transitionLogger(ctx context.Context, ident string, req request) logr.Logger {
	return log.FromContext(ctx).WithValues("node", ident, "axis", req.axis, "target", req.target)
}

// update writes set on a node this conductor holds. Failures are logged:
// the caller has nothing left to roll back to.
func (c *Conductor) update(ctx context.Context, ident string, set node.Fields) {
	_, err := c.store.AtomicUpdate(ctx, ident, node.Fields{node.FieldReservation: c.host}, set)
	if err != nil {
		log.FromContext(ctx).Error(err, "failed to update node", "node", ident)
	}
}

func (c *Conductor) release(ctx context.Context, ident string) {
	if err := c.locks.Release(ctx, ident, c.host); err != nil {
		log.FromContext(ctx).Error(err, "failed to release node", "node", ident)
	}
}
