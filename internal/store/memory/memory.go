// Package memory implements store.NodeStore on go-memdb.
//
// memdb serializes write transactions, so the read-check-write inside a
// single write transaction is atomic with respect to every other writer.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-memdb"

	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/store"
)

const (
	tableNodes = "nodes"
	tablePorts = "ports"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableNodes: {
				Name: tableNodes,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					"uuid": {
						Name:    "uuid",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "UUID"},
					},
					// Empty instance UUIDs are not indexed.
					"instance": {
						Name:         "instance",
						Unique:       true,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "InstanceUUID"},
					},
				},
			},
			tablePorts: {
				Name: tablePorts,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					"uuid": {
						Name:    "uuid",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "UUID"},
					},
					"node": {
						Name:    "node",
						Indexer: &memdb.IntFieldIndex{Field: "NodeID"},
					},
				},
			},
		},
	}
}

// Store is an in-memory node store.
type Store struct {
	db     *memdb.MemDB
	clock  clock.Clock
	nodeID atomic.Int64
	portID atomic.Int64
}

var _ store.NodeStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) {
		s.clock = clk
	}
}

// New creates an empty store.
func New(opts ...Option) (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	s := &Store{db: db, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func (s *Store) lookup(txn *memdb.Txn, ident string) (*node.Node, error) {
	id, err := store.ParseIdentity(ident)
	if err != nil {
		return nil, err
	}

	var raw any
	if id.UUID != "" {
		raw, err = txn.First(tableNodes, "uuid", id.UUID)
	} else {
		raw, err = txn.First(tableNodes, "id", id.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up node %s: %w", ident, err)
	}
	if raw == nil {
		return nil, node.NotFound(ident)
	}
	return raw.(*node.Node), nil
}

// checkInstance enforces the uniqueness of a non-empty instance UUID.
func checkInstance(txn *memdb.Txn, n *node.Node) error {
	if n.InstanceUUID == "" {
		return nil
	}
	raw, err := txn.First(tableNodes, "instance", n.InstanceUUID)
	if err != nil {
		return err
	}
	if raw != nil && raw.(*node.Node).ID != n.ID {
		return store.InstanceTaken(n.InstanceUUID, raw.(*node.Node).ID)
	}
	return nil
}

// CreateNode inserts a node.
func (s *Store) CreateNode(_ context.Context, n *node.Node) (*node.Node, error) {
	c, err := store.PrepareNode(n)
	if err != nil {
		return nil, err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableNodes, "uuid", c.UUID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("node %s: %w", c.UUID, store.ErrDuplicate)
	}

	c.ID = s.nodeID.Add(1)
	c.CreatedAt = s.clock.Now().UTC()
	if err := checkInstance(txn, c); err != nil {
		return nil, err
	}
	if err := txn.Insert(tableNodes, c); err != nil {
		return nil, fmt.Errorf("failed to insert node: %w", err)
	}
	txn.Commit()
	return c.Copy(), nil
}

// GetNode returns a node by id or UUID.
func (s *Store) GetNode(_ context.Context, ident string) (*node.Node, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	n, err := s.lookup(txn, ident)
	if err != nil {
		return nil, err
	}
	return n.Copy(), nil
}

// ListNodes returns matching nodes ordered by id.
func (s *Store) ListNodes(_ context.Context, filter store.Filter) ([]*node.Node, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableNodes, "id")
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	var out []*node.Node
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n := raw.(*node.Node)
		if filter.Match(n) {
			out = append(out, n.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AtomicUpdate conditionally updates a node inside one write transaction.
func (s *Store) AtomicUpdate(_ context.Context, ident string, expected, set node.Fields) (*node.Node, error) {
	if err := store.CheckFields(expected); err != nil {
		return nil, err
	}
	if err := store.CheckFields(set); err != nil {
		return nil, err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	cur, err := s.lookup(txn, ident)
	if err != nil {
		return nil, err
	}
	ok, err := cur.Matches(expected)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrPredicateFailed
	}

	// Indexed objects are immutable; write a modified copy.
	next := cur.Copy()
	if err := next.Apply(set, s.clock.Now().UTC()); err != nil {
		return nil, err
	}
	if err := checkInstance(txn, next); err != nil {
		return nil, err
	}
	if err := txn.Insert(tableNodes, next); err != nil {
		return nil, fmt.Errorf("failed to update node %s: %w", ident, err)
	}
	txn.Commit()
	return next.Copy(), nil
}

// DeleteNode removes a node and its ports.
func (s *Store) DeleteNode(_ context.Context, ident string, expected node.Fields) error {
	if err := store.CheckFields(expected); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	cur, err := s.lookup(txn, ident)
	if err != nil {
		return err
	}
	ok, err := cur.Matches(expected)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrPredicateFailed
	}

	if _, err := txn.DeleteAll(tablePorts, "node", cur.ID); err != nil {
		return fmt.Errorf("failed to delete ports of node %s: %w", ident, err)
	}
	if err := txn.Delete(tableNodes, cur); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", ident, err)
	}
	txn.Commit()
	return nil
}

// CreatePort inserts a port for an existing node.
func (s *Store) CreatePort(_ context.Context, p *node.Port) (*node.Port, error) {
	c, err := store.PreparePort(p)
	if err != nil {
		return nil, err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	owner, err := txn.First(tableNodes, "id", c.NodeID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, node.NotFound(fmt.Sprint(c.NodeID))
	}
	existing, err := txn.First(tablePorts, "uuid", c.UUID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("port %s: %w", c.UUID, store.ErrDuplicate)
	}

	c.ID = s.portID.Add(1)
	c.CreatedAt = s.clock.Now().UTC()
	if err := txn.Insert(tablePorts, c); err != nil {
		return nil, fmt.Errorf("failed to insert port: %w", err)
	}
	txn.Commit()
	cp := *c
	return &cp, nil
}

// ListPorts returns the ports of a node ordered by id.
func (s *Store) ListPorts(_ context.Context, nodeID int64) ([]*node.Port, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tablePorts, "node", nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var out []*node.Port
	for raw := it.Next(); raw != nil; raw = it.Next() {
		p := *raw.(*node.Port)
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
