package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/imamik/bmconductor/internal/node"
)

// ErrPredicateFailed is returned by AtomicUpdate and DeleteNode when the
// node exists but does not match the expected fields.
var ErrPredicateFailed = errors.New("node does not match the expected state")

// ErrDuplicate is returned when a node or port UUID already exists.
var ErrDuplicate = errors.New("already exists")

// NodeStore persists nodes and their ports. Identifiers accept either the
// integer id or the UUID of a node.
type NodeStore interface {
	// CreateNode inserts a node. ID and CreatedAt are assigned by the
	// store; an empty UUID is generated.
	CreateNode(ctx context.Context, n *node.Node) (*node.Node, error)

	GetNode(ctx context.Context, ident string) (*node.Node, error)

	ListNodes(ctx context.Context, filter Filter) ([]*node.Node, error)

	// AtomicUpdate writes set only if every field in expected currently
	// holds the expected value. The check and the write are one atomic
	// step.
	AtomicUpdate(ctx context.Context, ident string, expected, set node.Fields) (*node.Node, error)

	// DeleteNode removes the node and its ports if it matches expected.
	// A nil expected deletes unconditionally.
	DeleteNode(ctx context.Context, ident string, expected node.Fields) error

	CreatePort(ctx context.Context, p *node.Port) (*node.Port, error)
	ListPorts(ctx context.Context, nodeID int64) ([]*node.Port, error)

	Close() error
}

// Filter narrows ListNodes. Nil fields do not filter.
type Filter struct {
	Reserved    *bool
	Associated  *bool
	Maintenance *bool
}

// Match reports whether n passes the filter.
func (f Filter) Match(n *node.Node) bool {
	if f.Reserved != nil && n.Reserved() != *f.Reserved {
		return false
	}
	if f.Associated != nil && (n.InstanceUUID != "") != *f.Associated {
		return false
	}
	if f.Maintenance != nil && n.Maintenance != *f.Maintenance {
		return false
	}
	return true
}

// Identity is a parsed node identifier.
type Identity struct {
	ID   int64
	UUID string
}

// ParseIdentity accepts an integer id or a UUID. Anything else cannot
// name a node and yields a NodeNotFound error.
func ParseIdentity(ident string) (Identity, error) {
	if u, err := uuid.Parse(ident); err == nil {
		return Identity{UUID: u.String()}, nil
	}
	if id, err := strconv.ParseInt(ident, 10, 64); err == nil && id > 0 {
		return Identity{ID: id}, nil
	}
	return Identity{}, node.NotFound(ident)
}

// PrepareNode validates a node for insertion and fills its UUID.
func PrepareNode(n *node.Node) (*node.Node, error) {
	c := n.Copy()
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	} else {
		u, err := uuid.Parse(c.UUID)
		if err != nil {
			return nil, fmt.Errorf("invalid node uuid %q: %w", c.UUID, err)
		}
		c.UUID = u.String()
	}
	if c.InstanceUUID != "" {
		if _, err := uuid.Parse(c.InstanceUUID); err != nil {
			return nil, fmt.Errorf("invalid instance uuid %q: %w", c.InstanceUUID, err)
		}
	}
	return c, nil
}

// CheckFields rejects unknown columns and mistyped values before a driver
// builds its update.
func CheckFields(fields node.Fields) error {
	var probe node.Node
	for f, v := range fields {
		if _, err := probe.Get(f); err != nil {
			return err
		}
		switch v.(type) {
		case string:
			if f == node.FieldMaintenance {
				return fmt.Errorf("field %s expects bool, got string", f)
			}
			if f == node.FieldInstanceUUID && v != "" {
				if _, err := uuid.Parse(v.(string)); err != nil {
					return fmt.Errorf("invalid instance uuid %q: %w", v, err)
				}
			}
		case bool:
			if f != node.FieldMaintenance {
				return fmt.Errorf("field %s expects string, got bool", f)
			}
		default:
			return fmt.Errorf("field %s: unsupported value type %T", f, v)
		}
	}
	return nil
}

// InstanceTaken reports a uniqueness violation on instance_uuid.
func InstanceTaken(instance string, holder int64) error {
	return &node.Error{
		Kind: node.KindAssociated,
		Node: strconv.FormatInt(holder, 10),
		Msg:  fmt.Sprintf("instance %s is already associated with node %d", instance, holder),
	}
}

// PreparePort validates a port for insertion and fills its UUID.
func PreparePort(p *node.Port) (*node.Port, error) {
	c := *p
	if c.NodeID <= 0 {
		return nil, fmt.Errorf("port must belong to a node")
	}
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	} else if _, err := uuid.Parse(c.UUID); err != nil {
		return nil, fmt.Errorf("invalid port uuid %q: %w", c.UUID, err)
	}
	return &c, nil
}
