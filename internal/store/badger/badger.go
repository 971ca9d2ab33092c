// Package badger implements store.NodeStore on an embedded Badger database.
//
// Nodes are stored as JSON under their zero-padded integer id. Secondary
// keys map UUIDs and instance UUIDs back to the id. Badger transactions
// are serializable snapshot isolated: a conditional update reads the node
// key, so two racing writers cannot both commit and the loser sees
// badger.ErrConflict. Conflicts are retried against a fresh snapshot.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/benbjohnson/clock"
	badger "github.com/dgraph-io/badger/v4"

	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/store"
	"github.com/imamik/bmconductor/internal/util/retry"
)

const (
	prefixNode     = "node/id/"
	prefixNodeUUID = "node/uuid/"
	prefixInstance = "node/instance/"
	prefixPort     = "port/node/"
	prefixPortUUID = "port/uuid/"

	sequenceBandwidth = 100
	conflictAttempts  = 32
)

func nodeKey(id int64) []byte {
	return fmt.Appendf(nil, "%s%020d", prefixNode, id)
}

func nodeUUIDKey(u string) []byte {
	return []byte(prefixNodeUUID + u)
}

func instanceKey(u string) []byte {
	return []byte(prefixInstance + u)
}

func portPrefix(nodeID int64) []byte {
	return fmt.Appendf(nil, "%s%020d/", prefixPort, nodeID)
}

func portKey(nodeID, portID int64) []byte {
	return fmt.Appendf(portPrefix(nodeID), "%020d", portID)
}

func portUUIDKey(u string) []byte {
	return []byte(prefixPortUUID + u)
}

// Store is a Badger-backed node store.
type Store struct {
	db      *badger.DB
	clock   clock.Clock
	nodeSeq *badger.Sequence
	portSeq *badger.Sequence
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

// Open opens the database in dir. An empty dir opens an in-memory
// database that is discarded on Close.
func Open(dir string, opts ...Option) (*Store, error) {
	bopts := badger.DefaultOptions(dir)
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", dir, err)
	}

	nodeSeq, err := db.GetSequence([]byte("seq/node"), sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open node sequence: %w", err)
	}
	portSeq, err := db.GetSequence([]byte("seq/port"), sequenceBandwidth)
	if err != nil {
		_ = nodeSeq.Release()
		_ = db.Close()
		return nil, fmt.Errorf("failed to open port sequence: %w", err)
	}

	s := &Store{db: db, clock: clock.New(), nodeSeq: nodeSeq, portSeq: portSeq}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the sequences and closes the database.
func (s *Store) Close() error {
	return errors.Join(s.nodeSeq.Release(), s.portSeq.Release(), s.db.Close())
}

// update runs fn in a read-write transaction, retrying on commit
// conflicts. Errors returned by fn are not retried.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	_, err := retry.Do(func(int) error {
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			return err
		}
		return retry.Fatal(err)
	}, retry.WithMaxAttempts(conflictAttempts), retry.WithInterval(0))
	return err
}

func nextID(seq *badger.Sequence) (int64, error) {
	// Sequences start at zero; ids start at one.
	v, err := seq.Next()
	if err != nil {
		return 0, err
	}
	return int64(v) + 1, nil
}

func getJSON(txn *badger.Txn, key []byte, out any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func getID(txn *badger.Txn, key []byte) (int64, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt index key %s: %w", key, err)
	}
	return id, true, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func setID(txn *badger.Txn, key []byte, id int64) error {
	return txn.Set(key, []byte(strconv.FormatInt(id, 10)))
}

func lookup(txn *badger.Txn, ident string) (*node.Node, error) {
	id, err := store.ParseIdentity(ident)
	if err != nil {
		return nil, err
	}

	nodeID := id.ID
	if id.UUID != "" {
		var found bool
		nodeID, found, err = getID(txn, nodeUUIDKey(id.UUID))
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, node.NotFound(ident)
		}
	}

	var n node.Node
	found, err := getJSON(txn, nodeKey(nodeID), &n)
	if err != nil {
		return nil, fmt.Errorf("failed to read node %s: %w", ident, err)
	}
	if !found {
		return nil, node.NotFound(ident)
	}
	return &n, nil
}

func checkInstance(txn *badger.Txn, n *node.Node) error {
	if n.InstanceUUID == "" {
		return nil
	}
	holder, found, err := getID(txn, instanceKey(n.InstanceUUID))
	if err != nil {
		return err
	}
	if found && holder != n.ID {
		return store.InstanceTaken(n.InstanceUUID, holder)
	}
	return nil
}

// CreateNode inserts a node.
func (s *Store) CreateNode(_ context.Context, n *node.Node) (*node.Node, error) {
	c, err := store.PrepareNode(n)
	if err != nil {
		return nil, err
	}
	id, err := nextID(s.nodeSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate node id: %w", err)
	}
	c.ID = id
	c.CreatedAt = s.clock.Now().UTC()

	err = s.update(func(txn *badger.Txn) error {
		if _, found, err := getID(txn, nodeUUIDKey(c.UUID)); err != nil {
			return err
		} else if found {
			return fmt.Errorf("node %s: %w", c.UUID, store.ErrDuplicate)
		}
		if err := checkInstance(txn, c); err != nil {
			return err
		}
		if err := setJSON(txn, nodeKey(c.ID), c); err != nil {
			return err
		}
		if err := setID(txn, nodeUUIDKey(c.UUID), c.ID); err != nil {
			return err
		}
		if c.InstanceUUID != "" {
			return setID(txn, instanceKey(c.InstanceUUID), c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetNode returns a node by id or UUID.
func (s *Store) GetNode(_ context.Context, ident string) (*node.Node, error) {
	var out *node.Node
	err := s.db.View(func(txn *badger.Txn) error {
		n, err := lookup(txn, ident)
		out = n
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListNodes returns matching nodes ordered by id.
func (s *Store) ListNodes(_ context.Context, filter store.Filter) ([]*node.Node, error) {
	var out []*node.Node
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixNode), PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var n node.Node
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &n)
			}); err != nil {
				return err
			}
			if filter.Match(&n) {
				out = append(out, &n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return out, nil
}

// AtomicUpdate conditionally updates a node in one transaction.
func (s *Store) AtomicUpdate(_ context.Context, ident string, expected, set node.Fields) (*node.Node, error) {
	if err := store.CheckFields(expected); err != nil {
		return nil, err
	}
	if err := store.CheckFields(set); err != nil {
		return nil, err
	}

	var out *node.Node
	err := s.update(func(txn *badger.Txn) error {
		cur, err := lookup(txn, ident)
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

		next := cur.Copy()
		if err := next.Apply(set, s.clock.Now().UTC()); err != nil {
			return err
		}
		if next.InstanceUUID != cur.InstanceUUID {
			if err := checkInstance(txn, next); err != nil {
				return err
			}
			if cur.InstanceUUID != "" {
				if err := txn.Delete(instanceKey(cur.InstanceUUID)); err != nil {
					return err
				}
			}
			if next.InstanceUUID != "" {
				if err := setID(txn, instanceKey(next.InstanceUUID), next.ID); err != nil {
					return err
				}
			}
		}
		out = next
		return setJSON(txn, nodeKey(next.ID), next)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteNode removes a node and its ports.
func (s *Store) DeleteNode(_ context.Context, ident string, expected node.Fields) error {
	if err := store.CheckFields(expected); err != nil {
		return err
	}

	return s.update(func(txn *badger.Txn) error {
		cur, err := lookup(txn, ident)
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

		ports, err := listPorts(txn, cur.ID)
		if err != nil {
			return err
		}
		for _, p := range ports {
			if err := txn.Delete(portKey(cur.ID, p.ID)); err != nil {
				return err
			}
			if err := txn.Delete(portUUIDKey(p.UUID)); err != nil {
				return err
			}
		}
		if cur.InstanceUUID != "" {
			if err := txn.Delete(instanceKey(cur.InstanceUUID)); err != nil {
				return err
			}
		}
		if err := txn.Delete(nodeUUIDKey(cur.UUID)); err != nil {
			return err
		}
		return txn.Delete(nodeKey(cur.ID))
	})
}

// CreatePort inserts a port for an existing node.
func (s *Store) CreatePort(_ context.Context, p *node.Port) (*node.Port, error) {
	c, err := store.PreparePort(p)
	if err != nil {
		return nil, err
	}
	id, err := nextID(s.portSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate port id: %w", err)
	}
	c.ID = id
	c.CreatedAt = s.clock.Now().UTC()

	err = s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(c.NodeID)); errors.Is(err, badger.ErrKeyNotFound) {
			return node.NotFound(strconv.FormatInt(c.NodeID, 10))
		} else if err != nil {
			return err
		}
		if _, found, err := getID(txn, portUUIDKey(c.UUID)); err != nil {
			return err
		} else if found {
			return fmt.Errorf("port %s: %w", c.UUID, store.ErrDuplicate)
		}
		if err := setJSON(txn, portKey(c.NodeID, c.ID), c); err != nil {
			return err
		}
		return setID(txn, portUUIDKey(c.UUID), c.ID)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListPorts returns the ports of a node ordered by id.
func (s *Store) ListPorts(_ context.Context, nodeID int64) ([]*node.Port, error) {
	var out []*node.Port
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = listPorts(txn, nodeID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	return out, nil
}

func listPorts(txn *badger.Txn, nodeID int64) ([]*node.Port, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: portPrefix(nodeID), PrefetchValues: true, PrefetchSize: 16})
	defer it.Close()

	var out []*node.Port
	for it.Rewind(); it.Valid(); it.Next() {
		var p node.Port
		if err := it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, &p)
		}); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, nil
}
