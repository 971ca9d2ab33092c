package node

import (
	"fmt"
	"maps"
	"time"
)

// Node is a physical machine managed by the conductor.
type Node struct {
	ID   int64  `json:"id"`
	UUID string `json:"uuid"`

	Driver     string            `json:"driver"`
	DriverInfo map[string]string `json:"driver_info,omitempty"`

	// Reservation holds the owner token of the conductor that currently
	// has exclusive control of the node.
	Reservation string `json:"reservation,omitempty"`

	PowerState           string `json:"power_state,omitempty"`
	TargetPowerState     string `json:"target_power_state,omitempty"`
	ProvisionState       string `json:"provision_state,omitempty"`
	TargetProvisionState string `json:"target_provision_state,omitempty"`
	LastError            string `json:"last_error,omitempty"`

	InstanceUUID string `json:"instance_uuid,omitempty"`

	Maintenance       bool   `json:"maintenance"`
	MaintenanceReason string `json:"maintenance_reason,omitempty"`

	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          *time.Time `json:"updated_at,omitempty"`
	ProvisionUpdatedAt *time.Time `json:"provision_updated_at,omitempty"`
}

// Busy reports whether a power or provision transition is in flight.
func (n *Node) Busy() bool {
	return n.TargetPowerState != "" || n.TargetProvisionState != ""
}

// Reserved reports whether any conductor holds the node.
func (n *Node) Reserved() bool {
	return n.Reservation != ""
}

// Copy returns a deep copy of the node.
func (n *Node) Copy() *Node {
	c := *n
	c.DriverInfo = maps.Clone(n.DriverInfo)
	if n.UpdatedAt != nil {
		t := *n.UpdatedAt
		c.UpdatedAt = &t
	}
	if n.ProvisionUpdatedAt != nil {
		t := *n.ProvisionUpdatedAt
		c.ProvisionUpdatedAt = &t
	}
	return &c
}

// Port is a network interface owned by a node. Ports are deleted together
// with their node.
type Port struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	Address   string    `json:"address"`
	NodeID    int64     `json:"node_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Field names a mutable node column.
type Field string

const (
	FieldReservation          Field = "reservation"
	FieldPowerState           Field = "power_state"
	FieldTargetPowerState     Field = "target_power_state"
	FieldProvisionState       Field = "provision_state"
	FieldTargetProvisionState Field = "target_provision_state"
	FieldLastError            Field = "last_error"
	FieldInstanceUUID         Field = "instance_uuid"
	FieldMaintenance          Field = "maintenance"
	FieldMaintenanceReason    Field = "maintenance_reason"
)

// Fields maps columns to values. String columns take a string (empty
// meaning NULL); FieldMaintenance takes a bool.
//
// The same type is used both as the expected predicate of a conditional
// update and as the set of new values it writes.
type Fields map[Field]any

// Get returns the current value of f on n.
func (n *Node) Get(f Field) (any, error) {
	switch f {
	case FieldReservation:
		return n.Reservation, nil
	case FieldPowerState:
		return n.PowerState, nil
	case FieldTargetPowerState:
		return n.TargetPowerState, nil
	case FieldProvisionState:
		return n.ProvisionState, nil
	case FieldTargetProvisionState:
		return n.TargetProvisionState, nil
	case FieldLastError:
		return n.LastError, nil
	case FieldInstanceUUID:
		return n.InstanceUUID, nil
	case FieldMaintenance:
		return n.Maintenance, nil
	case FieldMaintenanceReason:
		return n.MaintenanceReason, nil
	}
	return nil, fmt.Errorf("unknown node field %q", f)
}

// Matches reports whether every expected value in want equals the node's
// current value.
func (n *Node) Matches(want Fields) (bool, error) {
	for f, v := range want {
		cur, err := n.Get(f)
		if err != nil {
			return false, err
		}
		if cur != v {
			return false, nil
		}
	}
	return true, nil
}

// Apply writes every value of set onto n. It stamps UpdatedAt, and
// ProvisionUpdatedAt when the provision state changes.
func (n *Node) Apply(set Fields, now time.Time) error {
	for f, v := range set {
		if err := n.set(f, v, now); err != nil {
			return err
		}
	}
	n.UpdatedAt = &now
	return nil
}

func (n *Node) set(f Field, v any, now time.Time) error {
	if f == FieldMaintenance {
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("field %s expects bool, got %T", f, v)
		}
		n.Maintenance = b
		return nil
	}

	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("field %s expects string, got %T", f, v)
	}
	switch f {
	case FieldReservation:
		n.Reservation = s
	case FieldPowerState:
		n.PowerState = s
	case FieldTargetPowerState:
		n.TargetPowerState = s
	case FieldProvisionState:
		if n.ProvisionState != s {
			n.ProvisionUpdatedAt = &now
		}
		n.ProvisionState = s
	case FieldTargetProvisionState:
		n.TargetProvisionState = s
	case FieldLastError:
		n.LastError = s
	case FieldInstanceUUID:
		n.InstanceUUID = s
	case FieldMaintenanceReason:
		n.MaintenanceReason = s
	default:
		return fmt.Errorf("unknown node field %q", f)
	}
	return nil
}
