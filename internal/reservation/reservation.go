package reservation

import (
	"context"
	"errors"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/store"
)

// raceAttempts bounds how often a claim is re-issued when the holder
// disappeared between the failed update and the diagnostic read.
const raceAttempts = 3

// Manager claims and releases node reservations.
type Manager struct {
	store         store.NodeStore
	enableMetrics bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics enables Prometheus metrics.
func WithMetrics(enabled bool) Option {
	return func(m *Manager) {
		m.enableMetrics = enabled
	}
}

// NewManager creates a Manager backed by s.
func NewManager(s store.NodeStore, opts ...Option) *Manager {
	m := &Manager{store: s}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reserve sets the node's reservation to owner if it is unreserved and
// returns the updated node.
func (m *Manager) Reserve(ctx context.Context, ident, owner string) (*node.Node, error) {
	n, err := m.reserve(ctx, ident, owner)
	m.record("reserve", err)
	return n, err
}

func (m *Manager) reserve(ctx context.Context, ident, owner string) (*node.Node, error) {
	if owner == "" {
		return nil, node.InvalidState(ident, "a reservation requires a non-empty owner")
	}
	logger := log.FromContext(ctx).WithValues("node", ident, "owner", owner)

	for range raceAttempts {
		n, err := m.store.AtomicUpdate(ctx, ident,
			node.Fields{node.FieldReservation: ""},
			node.Fields{node.FieldReservation: owner})
		if err == nil {
			logger.V(1).Info("reserved node")
			return n, nil
		}
		if !errors.Is(err, store.ErrPredicateFailed) {
			return nil, err
		}

		cur, err := m.store.GetNode(ctx, ident)
		if err != nil {
			return nil, err
		}
		if cur.Reservation != "" {
			logger.V(1).Info("node already reserved", "holder", cur.Reservation)
			return nil, node.Locked(ident, cur.Reservation)
		}
	}
	return nil, node.Locked(ident, "unknown")
}

// Release clears the node's reservation if it is held by owner.
func (m *Manager) Release(ctx context.Context, ident, owner string) error {
	err := m.release(ctx, ident, owner)
	m.record("release", err)
	return err
}

func (m *Manager) release(ctx context.Context, ident, owner string) error {
	if owner == "" {
		return node.InvalidState(ident, "a release requires a non-empty owner")
	}

	_, err := m.store.AtomicUpdate(ctx, ident,
		node.Fields{node.FieldReservation: owner},
		node.Fields{node.FieldReservation: ""})
	if err == nil {
		log.FromContext(ctx).V(1).Info("released node", "node", ident, "owner", owner)
		return nil
	}
	if !errors.Is(err, store.ErrPredicateFailed) {
		return err
	}

	cur, err := m.store.GetNode(ctx, ident)
	if err != nil {
		return err
	}
	if cur.Reservation == "" {
		return node.NotLocked(ident, owner)
	}
	return node.Locked(ident, cur.Reservation)
}

func (m *Manager) record(operation string, err error) {
	if m.enableMetrics {
		recordReservationMetric(operation, resultLabel(err))
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return node.KindOf(err).String()
}
