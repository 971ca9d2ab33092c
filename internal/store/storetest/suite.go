// Package storetest provides a conformance suite that every
// store.NodeStore driver runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/states"
	"github.com/imamik/bmconductor/internal/store"
	"github.com/imamik/bmconductor/internal/util/ptr"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) store.NodeStore

// Run executes the conformance suite against the driver built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.NodeStore)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"GetMissing", testGetMissing},
		{"DuplicateUUID", testDuplicateUUID},
		{"InstanceUniqueOnCreate", testInstanceUniqueOnCreate},
		{"InstanceUniqueOnUpdate", testInstanceUniqueOnUpdate},
		{"AtomicUpdate", testAtomicUpdate},
		{"AtomicUpdatePredicateFailed", testAtomicUpdatePredicateFailed},
		{"AtomicUpdateMissing", testAtomicUpdateMissing},
		{"AtomicUpdateRejectsUnknownField", testAtomicUpdateUnknownField},
		{"ConcurrentClaim", testConcurrentClaim},
		{"ProvisionUpdatedAt", testProvisionUpdatedAt},
		{"ListFilter", testListFilter},
		{"DeleteCascadesPorts", testDeleteCascadesPorts},
		{"DeletePredicate", testDeletePredicate},
		{"DeleteMissing", testDeleteMissing},
		{"PortForMissingNode", testPortForMissingNode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// CreateTestNode inserts a node with sensible defaults.
func CreateTestNode(t *testing.T, s store.NodeStore, mutate ...func(*node.Node)) *node.Node {
	t.Helper()
	n := &node.Node{
		Driver:         "fake",
		DriverInfo:     map[string]string{"server_id": "1"},
		PowerState:     states.PowerOff,
		ProvisionState: states.NoState,
	}
	for _, m := range mutate {
		m(n)
	}
	created, err := s.CreateNode(context.Background(), n)
	require.NoError(t, err)
	return created
}

func idOf(n *node.Node) string {
	return strconv.FormatInt(n.ID, 10)
}

func testCreateAndGet(t *testing.T, s store.NodeStore) {
	ctx := context.Background()
	n := CreateTestNode(t, s)

	assert.NotZero(t, n.ID)
	assert.NotEmpty(t, n.UUID)
	assert.False(t, n.CreatedAt.IsZero())

	byID, err := s.GetNode(ctx, idOf(n))
	require.NoError(t, err)
	assert.Equal(t, n.UUID, byID.UUID)
	assert.Equal(t, "1", byID.DriverInfo["server_id"])
	assert.Equal(t, states.PowerOff, byID.PowerState)

	byUUID, err := s.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, byUUID.ID)
}

func testGetMissing(t *testing.T, s store.NodeStore) {
	ctx := context.Background()

	_, err := s.GetNode(ctx, "12345")
	assert.True(t, node.IsKind(err, node.KindNotFound), "got %v", err)

	_, err = s.GetNode(ctx, uuid.NewString())
	assert.True(t, node.IsKind(err, node.KindNotFound), "got %v", err)

	_, err = s.GetNode(ctx, "not-an-identifier")
	assert.True(t, node.IsKind(err, node.KindNotFound), "got %v", err)
}

func testDuplicateUUID(t *testing.T, s store.NodeStore) {
	n := CreateTestNode(t, s)
	_, err := s.CreateNode(context.Background(), &node.Node{UUID: n.UUID})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func testInstanceUniqueOnCreate(t *testing.T, s store.NodeStore) {
	instance := uuid.NewString()
	CreateTestNode(t, s, func(n *node.Node) { n.InstanceUUID = instance })

	_, err := s.CreateNode(context.Background(), &node.Node{InstanceUUID: instance})
	assert.True(t, node.IsKind(err, node.KindAssociated), "got %v", err)
}

func testInstanceUniqueOnUpdate(t *testing.T, s store.NodeStore) {
	ctx := context.Background()
	instance := uuid.NewString()
	first := CreateTestNode(t, s)
	second := CreateTestNode(t, s)

	_, err := s.AtomicUpdate(ctx, idOf(first), nil, node.Fields{node.FieldInstanceUUID: instance})
	require.NoError(t, err)

	_, err = s.AtomicUpdate(ctx, idOf(second), nil, node.Fields{node.FieldInstanceUUID: instance})
	assert.True(t, node.IsKind(err, node.KindAssociated), "got %v", err)

	got, err := s.GetNode(ctx, idOf(second))
	require.NoError(t, err)
	assert.Empty(t, got.InstanceUUID)

	// Disassociate, then the other node may take the instance.
	_, err = s.AtomicUpdate(ctx, idOf(first), nil, node.Fields{node.FieldInstanceUUID: ""})
	require.NoError(t, err)
	updated, err := s.AtomicUpdate(ctx, idOf(second), nil, node.Fields{node.FieldInstanceUUID: instance})
	require.NoError(t, err)
	assert.Equal(t, instance, updated.InstanceUUID)
}

func testAtomicUpdate(t *testing.T, s store.NodeStore) {
	ctx := context.Background()
	n := CreateTestNode(t, s)

	updated, err := s.AtomicUpdate(ctx, n.UUID,
		node.Fields{node.FieldReservation: "", node.FieldTargetPowerState: ""},
		node.Fields{
			node.FieldReservation:      "ctrl-1",
			node.FieldTargetPowerState: states.PowerOn,
			node.FieldMaintenance:      true,
			node.FieldLastError:        "",
		})
	require.NoError(t, err)
	assert.Equal(t, "ctrl-1", updated.Reservation)
	assert.Equal(t, states.PowerOn, updated.TargetPowerState)
	assert.True(t, updated.Maintenance)
	assert.NotNil(t, updated.UpdatedAt)

	got, err := s.GetNode(ctx, idOf(n))
	require.NoError(t, err)
	assert.Equal(t, "ctrl-1", got.Reservation)
	assert.True(t, got.Maintenance)
}

func testAtomicUpdatePredicateFailed(t *testing.T, s store.NodeStore) {
	ctx := context.Background()
	n := CreateTestNode(t, s, func(n *node.Node) { n.Reservation = "ctrl-1" })

	_, err := s.AtomicUpdate(ctx, idOf(n),
		node.Fields{node.FieldReservation: ""},
		node.Fields{node.FieldReservation: "ctrl-2"})
	assert.ErrorIs(t, err, store.ErrPredicateFailed)

	got, err := s.GetNode(ctx, idOf(n))
	require.NoError(t, err)
	assert.Equal(t, "ctrl-1", got.Reservation)
}

func testAtomicUpdateMissing(t *testing.T, s store.NodeStore) {
	_, err := s.AtomicUpdate(context.Background(), "4242", nil, node.Fields{node.FieldReservation: "x"})
	assert.True(t, node.IsKind(err, node.KindNotFound), "got %v", err)
}

func testAtomicUpdateUnknownField(t *testing.T, s store.NodeStore) {
	n := CreateTestNode(t, s)
	_, err := s.AtomicUpdate(context.Background(), idOf(n), nil, node.Fields{node.Field("chassis_id"): "1"})
	assert.Error(t, err)
	_, err = s.AtomicUpdate(context.Background(), idOf(n), nil, node.Fields{node.FieldMaintenance: "yes"})
	assert.Error(t, err)
}

func testConcurrentClaim(t *testing.T, s store.NodeStore) {
	ctx := context.Background()
	n := CreateTestNode(t, s)

	const contenders = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := "ctrl-" + strconv.Itoa(i)
			_, err := s.AtomicUpdate(ctx, idOf(n),
				node.Fields{node.FieldReservation: ""},
				node.Fields{node.FieldReservation: owner})
			if err == nil {
				mu.Lock()
				winners = append(winners, owner)
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrPredicateFailed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	got, err := s.GetNode(ctx, idOf(n))
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.Reservation)
}

func testProvisionUpdatedAt(t *testing.T, s store.NodeStore) {
	ctx := context.Background()
	n := CreateTestNode(t, s)

	res, err := s.AtomicUpdate(ctx, idOf(n), nil, node.Fields{node.FieldLastError: "boom"})
	require.NoError(t, err)
	assert.Nil(t, res.ProvisionUpdatedAt)

	res, err = s.AtomicUpdate(ctx, idOf(n), nil, node.Fields{node.FieldProvisionState: states.Deploying})
	require.NoError(t, err)
	assert.NotNil(t, res.ProvisionUpdatedAt)
}

func testListFilter(t *testing.T, s store.NodeStore) {
	ctx := context.Background()
	free := CreateTestNode(t, s)
	CreateTestNode(t, s, func(n *node.Node) { n.Reservation = "ctrl-1" })
	CreateTestNode(t, s, func(n *node.Node) { n.InstanceUUID = uuid.NewString() })

	all, err := s.ListNodes(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	got, err := s.ListNodes(ctx, store.Filter{Reserved: ptr.To(false)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListNodes(ctx, store.Filter{Reserved: ptr.To(false), Associated: ptr.To(false)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, free.UUID, got[0].UUID)
}

func testDeleteCascadesPorts(t *testing.T, s store.NodeStore) {
	ctx := context.Background()
	n := CreateTestNode(t, s)
	other := CreateTestNode(t, s)

	_, err := s.CreatePort(ctx, &node.Port{NodeID: n.ID, Address: "52:54:00:cf:2d:31"})
	require.NoError(t, err)
	_, err = s.CreatePort(ctx, &node.Port{NodeID: n.ID, Address: "52:54:00:cf:2d:32"})
	require.NoError(t, err)
	_, err = s.CreatePort(ctx, &node.Port{NodeID: other.ID, Address: "52:54:00:cf:2d:33"})
	require.NoError(t, err)

	ports, err := s.ListPorts(ctx, n.ID)
	require.NoError(t, err)
	assert.Len(t, ports, 2)

	require.NoError(t, s.DeleteNode(ctx, n.UUID, nil))

	_, err = s.GetNode(ctx, idOf(n))
	assert.True(t, node.IsKind(err, node.KindNotFound))
	ports, err = s.ListPorts(ctx, n.ID)
	require.NoError(t, err)
	assert.Empty(t, ports)

	ports, err = s.ListPorts(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, ports, 1)
}

func testDeletePredicate(t *testing.T, s store.NodeStore) {
	ctx := context.Background()
	instance := uuid.NewString()
	n := CreateTestNode(t, s, func(n *node.Node) { n.InstanceUUID = instance })

	err := s.DeleteNode(ctx, idOf(n), node.Fields{node.FieldInstanceUUID: ""})
	assert.ErrorIs(t, err, store.ErrPredicateFailed)

	got, err := s.GetNode(ctx, idOf(n))
	require.NoError(t, err)
	assert.Equal(t, instance, got.InstanceUUID)
}

func testDeleteMissing(t *testing.T, s store.NodeStore) {
	err := s.DeleteNode(context.Background(), uuid.NewString(), nil)
	assert.True(t, node.IsKind(err, node.KindNotFound), "got %v", err)
}

func testPortForMissingNode(t *testing.T, s store.NodeStore) {
	_, err := s.CreatePort(context.Background(), &node.Port{NodeID: 999, Address: "52:54:00:cf:2d:40"})
	assert.True(t, node.IsKind(err, node.KindNotFound), "got %v", err)
}
