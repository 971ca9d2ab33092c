package conductor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/bmconductor/internal/driver"
	"github.com/imamik/bmconductor/internal/driver/fake"
	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/states"
	"github.com/imamik/bmconductor/internal/store/memory"
	"github.com/imamik/bmconductor/internal/store/storetest"
	"github.com/imamik/bmconductor/internal/transition"
)

const testHost = "conductor-1"

type fixture struct {
	c  *Conductor
	s  *memory.Store
	hw *fake.Hardware
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := memory.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	hw := fake.NewHardware()
	c, err := New(testHost, s, driver.NewRegistry(hw.Driver()), opts...)
	require.NoError(t, err)
	return &fixture{c: c, s: s, hw: hw}
}

func (f *fixture) node(t *testing.T, mutate ...func(*node.Node)) *node.Node {
	t.Helper()
	return storetest.CreateTestNode(t, f.s, mutate...)
}

func (f *fixture) get(t *testing.T, ident string) *node.Node {
	t.Helper()
	n, err := f.s.GetNode(context.Background(), ident)
	require.NoError(t, err)
	return n
}

func TestNew_RequiresHost(t *testing.T) {
	t.Parallel()
	s, err := memory.New()
	require.NoError(t, err)

	_, err = New("", s, driver.NewRegistry())
	assert.Error(t, err)
}

func TestChangePowerState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		hardware  string
		target    string
		wantPower string
		wantCalls []string
	}{
		{
			name:      "power on",
			hardware:  states.PowerOff,
			target:    states.PowerOn,
			wantPower: states.PowerOn,
			wantCalls: []string{fake.OpValidate, fake.OpGetPowerState, fake.OpSetPowerState},
		},
		{
			name:      "power off",
			hardware:  states.PowerOn,
			target:    states.PowerOff,
			wantPower: states.PowerOff,
			wantCalls: []string{fake.OpValidate, fake.OpGetPowerState, fake.OpSetPowerState},
		},
		{
			name:      "already in target state",
			hardware:  states.PowerOff,
			target:    states.PowerOff,
			wantPower: states.PowerOff,
			wantCalls: []string{fake.OpValidate, fake.OpGetPowerState},
		},
		{
			name:      "reboot ends powered on",
			hardware:  states.PowerOn,
			target:    states.Reboot,
			wantPower: states.PowerOn,
			wantCalls: []string{fake.OpValidate, fake.OpGetPowerState, fake.OpReboot},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			n := f.node(t, func(n *node.Node) { n.PowerState = tt.hardware })
			f.hw.SetPower(n.UUID, tt.hardware)

			require.NoError(t, f.c.ChangePowerState(context.Background(), n.UUID, tt.target))
			f.c.Wait()

			got := f.get(t, n.UUID)
			assert.Equal(t, tt.wantPower, got.PowerState)
			assert.Empty(t, got.TargetPowerState)
			assert.Empty(t, got.Reservation)
			assert.Empty(t, got.LastError)
			assert.Equal(t, tt.wantPower, f.hw.Power(n.UUID))
			assert.Equal(t, tt.wantCalls, f.hw.Calls())
		})
	}
}

func TestChangePowerState_FailureRecordsLastError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	n := f.node(t)
	f.hw.Fail(fake.OpSetPowerState, errors.New("bmc unreachable"))

	require.NoError(t, f.c.ChangePowerState(context.Background(), n.UUID, states.PowerOn))
	f.c.Wait()

	got := f.get(t, n.UUID)
	assert.Equal(t, states.PowerOff, got.PowerState)
	assert.Empty(t, got.TargetPowerState)
	assert.Empty(t, got.Reservation)
	assert.Equal(t, "Failed to change power state to 'power on'. Error: bmc unreachable", got.LastError)
}

func TestChangePowerState_Rejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*node.Node)
		target string
		opts   []transition.Option
		want   node.Kind
	}{
		{
			name:   "invalid target",
			target: "not-supported",
			want:   node.KindInvalidState,
		},
		{
			name:   "transition in flight",
			mutate: func(n *node.Node) { n.TargetPowerState = states.PowerOn },
			target: states.PowerOff,
			want:   node.KindTransitionConflict,
		},
		{
			name: "deploy in flight",
			mutate: func(n *node.Node) {
				n.ProvisionState = states.Deploying
				n.TargetProvisionState = states.Active
			},
			target: states.PowerOn,
			want:   node.KindTransitionConflict,
		},
		{
			name:   "maintenance",
			mutate: func(n *node.Node) { n.Maintenance = true },
			target: states.PowerOn,
			want:   node.KindInvalidState,
		},
		{
			name:   "reserved by another conductor",
			mutate: func(n *node.Node) { n.Reservation = "conductor-2" },
			target: states.PowerOn,
			want:   node.KindLocked,
		},
		{
			name:   "unknown driver",
			mutate: func(n *node.Node) { n.Driver = "ipmi" },
			target: states.PowerOn,
			want:   node.KindInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			var mutate []func(*node.Node)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			n := f.node(t, mutate...)

			err := f.c.ChangePowerState(context.Background(), n.UUID, tt.target, tt.opts...)
			require.Error(t, err)
			assert.Equal(t, tt.want, node.KindOf(err))
			f.c.Wait()

			got := f.get(t, n.UUID)
			assert.Equal(t, n.TargetPowerState, got.TargetPowerState)
			assert.Equal(t, n.Reservation, got.Reservation)
			assert.NotContains(t, f.hw.Calls(), fake.OpSetPowerState)
		})
	}
}

func TestChangePowerState_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.c.ChangePowerState(context.Background(), "42", states.PowerOn)
	assert.True(t, node.IsKind(err, node.KindNotFound))
}

func TestChangePowerState_ValidationFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	n := f.node(t)
	f.hw.Fail(fake.OpValidate, errors.New("missing server_id"))

	err := f.c.ChangePowerState(context.Background(), n.UUID, states.PowerOn)
	assert.True(t, node.IsKind(err, node.KindInvalidState))
	assert.Contains(t, err.Error(), "missing server_id")
	assert.Empty(t, f.get(t, n.UUID).Reservation)
}

func TestChangePowerState_AllowMaintenance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	n := f.node(t, func(n *node.Node) { n.Maintenance = true })

	require.NoError(t, f.c.ChangePowerState(context.Background(), n.UUID, states.PowerOn, transition.AllowMaintenance(true)))
	f.c.Wait()

	assert.Equal(t, states.PowerOn, f.get(t, n.UUID).PowerState)
}

func TestChangePowerState_ConflictWhileInFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.hw.Block = make(chan struct{})
	n := f.node(t)
	ctx := context.Background()

	require.NoError(t, f.c.ChangePowerState(ctx, n.UUID, states.PowerOn))

	busy := f.get(t, n.UUID)
	assert.Equal(t, states.PowerOn, busy.TargetPowerState)
	assert.Equal(t, testHost, busy.Reservation)

	err := f.c.ChangePowerState(ctx, n.UUID, states.PowerOff)
	assert.True(t, node.IsKind(err, node.KindTransitionConflict))
	assert.Equal(t, states.PowerOn, f.get(t, n.UUID).TargetPowerState)

	close(f.hw.Block)
	f.c.Wait()

	got := f.get(t, n.UUID)
	assert.Equal(t, states.PowerOn, got.PowerState)
	assert.Empty(t, got.TargetPowerState)
	assert.Empty(t, got.Reservation)
}

func TestChangePowerState_RebootRecordsPowerOnTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.hw.Block = make(chan struct{})
	n := f.node(t, func(n *node.Node) { n.PowerState = states.PowerOn })
	f.hw.SetPower(n.UUID, states.PowerOn)

	require.NoError(t, f.c.ChangePowerState(context.Background(), n.UUID, states.Reboot))
	assert.Equal(t, states.PowerOn, f.get(t, n.UUID).TargetPowerState)

	close(f.hw.Block)
	f.c.Wait()
	assert.Empty(t, f.get(t, n.UUID).TargetPowerState)
}

func TestChangePowerState_RebootFailureNamesPowerOn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	n := f.node(t, func(n *node.Node) { n.PowerState = states.PowerOn })
	f.hw.SetPower(n.UUID, states.PowerOn)
	f.hw.Fail(fake.OpReboot, errors.New("bmc unreachable"))

	require.NoError(t, f.c.ChangePowerState(context.Background(), n.UUID, states.Reboot))
	f.c.Wait()

	assert.Equal(t, "Failed to change power state to 'power on'. Error: bmc unreachable", f.get(t, n.UUID).LastError)
}

func TestChangePowerState_NoFreeWorker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithWorkers(1))
	f.hw.Block = make(chan struct{})
	first := f.node(t)
	second := f.node(t)
	ctx := context.Background()

	require.NoError(t, f.c.ChangePowerState(ctx, first.UUID, states.PowerOn))

	err := f.c.ChangePowerState(ctx, second.UUID, states.PowerOn)
	require.Error(t, err)
	assert.True(t, node.IsKind(err, node.KindTransient))
	assert.Contains(t, err.Error(), "no free conductor worker")

	got := f.get(t, second.UUID)
	assert.Empty(t, got.TargetPowerState)
	assert.Empty(t, got.Reservation)
	assert.Equal(t, "no free conductor worker", got.LastError)

	close(f.hw.Block)
	f.c.Wait()

	require.NoError(t, f.c.ChangePowerState(ctx, second.UUID, states.PowerOn))
	f.c.Wait()
	assert.Equal(t, states.PowerOn, f.get(t, second.UUID).PowerState)
}

func TestChangeProvisionState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		from          string
		target        string
		deployResult  string
		fail          string
		wantState     string
		wantLastError string
	}{
		{
			name:      "deploy",
			from:      states.NoState,
			target:    states.Active,
			wantState: states.Active,
		},
		{
			name:         "deploy waits for call-back",
			from:         states.NoState,
			target:       states.Active,
			deployResult: states.DeployWait,
			wantState:    states.DeployWait,
		},
		{
			name:          "deploy failure",
			from:          states.NoState,
			target:        states.Active,
			fail:          fake.OpDeploy,
			wantState:     states.DeployFail,
			wantLastError: "Failed to deploy. Error: disk not found",
		},
		{
			name:      "tear down",
			from:      states.Active,
			target:    states.Deleted,
			wantState: states.NoState,
		},
		{
			name:      "tear down after failed deploy",
			from:      states.DeployFail,
			target:    states.Deleted,
			wantState: states.NoState,
		},
		{
			name:          "tear down failure",
			from:          states.Active,
			target:        states.Deleted,
			fail:          fake.OpTearDown,
			wantState:     states.Error,
			wantLastError: "Failed to tear down. Error: disk not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.hw.SetDeployResult(tt.deployResult)
			if tt.fail != "" {
				f.hw.Fail(tt.fail, errors.New("disk not found"))
			}
			n := f.node(t, func(n *node.Node) { n.ProvisionState = tt.from })

			require.NoError(t, f.c.ChangeProvisionState(context.Background(), n.UUID, tt.target))
			f.c.Wait()

			got := f.get(t, n.UUID)
			assert.Equal(t, tt.wantState, got.ProvisionState)
			assert.Empty(t, got.TargetProvisionState)
			assert.Empty(t, got.Reservation)
			assert.Equal(t, tt.wantLastError, got.LastError)
			assert.NotNil(t, got.ProvisionUpdatedAt)
		})
	}
}

func TestChangeProvisionState_Rejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		from   string
		target string
		want   node.Kind
	}{
		{"deploy when active", states.Active, states.Active, node.KindInvalidState},
		{"tear down with no state", states.NoState, states.Deleted, node.KindInvalidState},
		{"tear down while deploying", states.Deploying, states.Deleted, node.KindInvalidState},
		{"unknown target", states.NoState, states.Deploying, node.KindInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			n := f.node(t, func(n *node.Node) { n.ProvisionState = tt.from })

			err := f.c.ChangeProvisionState(context.Background(), n.UUID, tt.target)
			assert.Equal(t, tt.want, node.KindOf(err))

			got := f.get(t, n.UUID)
			assert.Equal(t, tt.from, got.ProvisionState)
			assert.Empty(t, got.Reservation)
		})
	}
}

func TestTransitions_ExcludeEachOther(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.hw.Block = make(chan struct{})
	deploying := f.node(t)
	powering := f.node(t, func(n *node.Node) { n.ProvisionState = states.Active })
	ctx := context.Background()

	require.NoError(t, f.c.ChangeProvisionState(ctx, deploying.UUID, states.Active))
	err := f.c.ChangePowerState(ctx, deploying.UUID, states.PowerOn)
	assert.True(t, node.IsKind(err, node.KindTransitionConflict), "got %v", err)

	require.NoError(t, f.c.ChangePowerState(ctx, powering.UUID, states.PowerOn))
	err = f.c.ChangeProvisionState(ctx, powering.UUID, states.Deleted)
	assert.True(t, node.IsKind(err, node.KindTransitionConflict), "got %v", err)

	got := f.get(t, deploying.UUID)
	assert.Equal(t, states.Active, got.TargetProvisionState)
	assert.Empty(t, got.TargetPowerState)
	got = f.get(t, powering.UUID)
	assert.Equal(t, states.PowerOn, got.TargetPowerState)
	assert.Empty(t, got.TargetProvisionState)
	assert.Equal(t, states.Active, got.ProvisionState)

	close(f.hw.Block)
	f.c.Wait()
	assert.Equal(t, states.Active, f.get(t, deploying.UUID).ProvisionState)
	assert.Equal(t, states.PowerOn, f.hw.Power(deploying.UUID))
}

func TestChangeProvisionState_NoFreeWorkerRestoresState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithWorkers(1))
	f.hw.Block = make(chan struct{})
	busy := f.node(t)
	n := f.node(t, func(n *node.Node) { n.ProvisionState = states.Active })
	ctx := context.Background()

	require.NoError(t, f.c.ChangePowerState(ctx, busy.UUID, states.PowerOn))

	err := f.c.ChangeProvisionState(ctx, n.UUID, states.Deleted)
	assert.True(t, node.IsKind(err, node.KindTransient))

	got := f.get(t, n.UUID)
	assert.Equal(t, states.Active, got.ProvisionState)
	assert.Empty(t, got.TargetProvisionState)
	assert.Empty(t, got.Reservation)

	close(f.hw.Block)
	f.c.Wait()
}

func TestDestroyNode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	n := f.node(t)
	_, err := f.s.CreatePort(ctx, &node.Port{NodeID: n.ID, Address: "52:54:00:12:34:56"})
	require.NoError(t, err)

	require.NoError(t, f.c.DestroyNode(ctx, n.UUID))

	_, err = f.s.GetNode(ctx, n.UUID)
	assert.True(t, node.IsKind(err, node.KindNotFound))
}

func TestDestroyNode_Rejected(t *testing.T) {
	t.Parallel()

	instance := uuid.NewString()
	tests := []struct {
		name   string
		mutate func(*node.Node)
		want   node.Kind
	}{
		{"associated", func(n *node.Node) { n.InstanceUUID = instance }, node.KindAssociated},
		{"power transition in flight", func(n *node.Node) { n.TargetPowerState = states.PowerOn }, node.KindTransitionConflict},
		{"provision transition in flight", func(n *node.Node) { n.TargetProvisionState = states.Active }, node.KindTransitionConflict},
		{"reserved", func(n *node.Node) { n.Reservation = "conductor-2" }, node.KindLocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			n := f.node(t, tt.mutate)

			err := f.c.DestroyNode(context.Background(), n.UUID)
			assert.Equal(t, tt.want, node.KindOf(err))

			got := f.get(t, n.UUID)
			assert.Equal(t, n.InstanceUUID, got.InstanceUUID)
			assert.Equal(t, n.Reservation, got.Reservation)
		})
	}
}

func TestDestroyNode_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.c.DestroyNode(context.Background(), uuid.NewString())
	assert.True(t, node.IsKind(err, node.KindNotFound))
}

func TestAssociateInstance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	n := f.node(t)
	instance := uuid.NewString()

	got, err := f.c.AssociateInstance(ctx, n.UUID, instance)
	require.NoError(t, err)
	assert.Equal(t, instance, got.InstanceUUID)
	assert.Empty(t, got.Reservation)

	// Associating the same instance again is a no-op.
	_, err = f.c.AssociateInstance(ctx, n.UUID, instance)
	require.NoError(t, err)

	_, err = f.c.AssociateInstance(ctx, n.UUID, uuid.NewString())
	assert.True(t, node.IsKind(err, node.KindAssociated))

	other := f.node(t)
	_, err = f.c.AssociateInstance(ctx, other.UUID, instance)
	assert.True(t, node.IsKind(err, node.KindAssociated))
	assert.Empty(t, f.get(t, other.UUID).Reservation)

	f.hw.SetPower(n.UUID, states.PowerOn)
	got, err = f.c.AssociateInstance(ctx, n.UUID, "")
	require.NoError(t, err)
	assert.Empty(t, got.InstanceUUID)
}

// reservationRecorder notes who held the node whenever its power state is
// read.
type reservationRecorder struct {
	driver.PowerInterface
	s *memory.Store

	mu   sync.Mutex
	seen []string
}

func (r *reservationRecorder) GetPowerState(ctx context.Context, n *node.Node) (string, error) {
	cur, err := r.s.GetNode(ctx, n.UUID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.seen = append(r.seen, cur.Reservation)
	r.mu.Unlock()
	return r.PowerInterface.GetPowerState(ctx, n)
}

func TestAssociateInstance_ChecksPowerWhileReserved(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	base := f.hw.Driver()
	recorder := &reservationRecorder{PowerInterface: base.Power, s: f.s}
	c, err := New(testHost, f.s, driver.NewRegistry(&driver.Driver{Name: fake.Name, Power: recorder, Deploy: base.Deploy}))
	require.NoError(t, err)
	ctx := context.Background()

	n := f.node(t)
	_, err = c.AssociateInstance(ctx, n.UUID, uuid.NewString())
	require.NoError(t, err)

	on := f.node(t)
	f.hw.SetPower(on.UUID, states.PowerOn)
	_, err = c.AssociateInstance(ctx, on.UUID, uuid.NewString())
	assert.True(t, node.IsKind(err, node.KindTransitionConflict))
	assert.Empty(t, f.get(t, on.UUID).Reservation)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, []string{testHost, testHost}, recorder.seen)
}

func TestAssociateInstance_Rejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*node.Node)
		power    string
		instance string
		want     node.Kind
		wantMsg  string
	}{
		{
			name:     "powered on",
			mutate:   func(*node.Node) {},
			power:    states.PowerOn,
			instance: uuid.NewString(),
			want:     node.KindTransitionConflict,
			wantMsg:  "wrong power state",
		},
		{
			name:     "transition in flight",
			mutate:   func(n *node.Node) { n.TargetProvisionState = states.Active },
			power:    states.PowerOff,
			instance: uuid.NewString(),
			want:     node.KindTransitionConflict,
		},
		{
			name:     "disassociate while busy",
			mutate:   func(n *node.Node) { n.TargetPowerState = states.PowerOn },
			power:    states.PowerOff,
			instance: "",
			want:     node.KindTransitionConflict,
		},
		{
			name:     "invalid instance uuid",
			mutate:   func(*node.Node) {},
			power:    states.PowerOff,
			instance: "instance-1",
			want:     node.KindInvalidState,
		},
		{
			name:     "reserved",
			mutate:   func(n *node.Node) { n.Reservation = "conductor-2" },
			power:    states.PowerOff,
			instance: uuid.NewString(),
			want:     node.KindLocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			n := f.node(t, tt.mutate)
			f.hw.SetPower(n.UUID, tt.power)

			_, err := f.c.AssociateInstance(context.Background(), n.UUID, tt.instance)
			require.Error(t, err)
			assert.Equal(t, tt.want, node.KindOf(err))
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
			assert.Equal(t, n.InstanceUUID, f.get(t, n.UUID).InstanceUUID)
		})
	}
}

func TestSetMaintenance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	n := f.node(t)

	got, err := f.c.SetMaintenance(ctx, n.UUID, true, "replacing disk")
	require.NoError(t, err)
	assert.True(t, got.Maintenance)
	assert.Equal(t, "replacing disk", got.MaintenanceReason)

	_, err = f.c.SetMaintenance(ctx, n.UUID, true, "again")
	assert.True(t, node.IsKind(err, node.KindInvalidState))
	assert.Contains(t, err.Error(), "already in maintenance mode")
	assert.Equal(t, "replacing disk", f.get(t, n.UUID).MaintenanceReason)

	got, err = f.c.SetMaintenance(ctx, n.UUID, false, "ignored")
	require.NoError(t, err)
	assert.False(t, got.Maintenance)
	assert.Empty(t, got.MaintenanceReason)

	_, err = f.c.SetMaintenance(ctx, n.UUID, false, "")
	assert.True(t, node.IsKind(err, node.KindInvalidState))
	assert.Contains(t, err.Error(), "not in maintenance mode")

	_, err = f.c.SetMaintenance(ctx, "404", true, "")
	assert.True(t, node.IsKind(err, node.KindNotFound))
}

func TestGetPowerState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	n := f.node(t)
	f.hw.SetPower(n.UUID, states.PowerOn)

	got, err := f.c.GetPowerState(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, states.PowerOn, got)
	assert.Empty(t, f.get(t, n.UUID).Reservation)

	f.hw.Fail(fake.OpGetPowerState, errors.New("timeout"))
	_, err = f.c.GetPowerState(ctx, n.UUID)
	assert.Error(t, err)
}

func TestSyncPowerStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		force        bool
		mutate       func(*node.Node)
		hardware     string
		wantRecorded string
		wantHardware string
	}{
		{
			name:         "records missing state",
			mutate:       func(n *node.Node) { n.PowerState = states.NoState },
			hardware:     states.PowerOn,
			wantRecorded: states.PowerOn,
			wantHardware: states.PowerOn,
		},
		{
			name:         "records observed state on mismatch",
			mutate:       func(n *node.Node) { n.PowerState = states.PowerOff },
			hardware:     states.PowerOn,
			wantRecorded: states.PowerOn,
			wantHardware: states.PowerOn,
		},
		{
			name:         "forces recorded state on mismatch",
			force:        true,
			mutate:       func(n *node.Node) { n.PowerState = states.PowerOff },
			hardware:     states.PowerOn,
			wantRecorded: states.PowerOff,
			wantHardware: states.PowerOff,
		},
		{
			name:         "skips reserved node",
			mutate:       func(n *node.Node) { n.Reservation = "conductor-2" },
			hardware:     states.PowerOn,
			wantRecorded: states.PowerOff,
			wantHardware: states.PowerOn,
		},
		{
			name:         "skips node waiting for call-back",
			mutate:       func(n *node.Node) { n.ProvisionState = states.DeployWait },
			hardware:     states.PowerOn,
			wantRecorded: states.PowerOff,
			wantHardware: states.PowerOn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, WithForcePowerStateDuringSync(tt.force))
			n := f.node(t, tt.mutate)
			f.hw.SetPower(n.UUID, tt.hardware)

			require.NoError(t, f.c.SyncPowerStates(context.Background()))

			got := f.get(t, n.UUID)
			assert.Equal(t, tt.wantRecorded, got.PowerState)
			assert.Equal(t, n.Reservation, got.Reservation)
			assert.Equal(t, tt.wantHardware, f.hw.Power(n.UUID))
		})
	}
}

func TestSyncPowerStates_ReadFailureLeavesNode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	n := f.node(t)
	f.hw.Fail(fake.OpGetPowerState, errors.New("timeout"))

	require.NoError(t, f.c.SyncPowerStates(context.Background()))

	got := f.get(t, n.UUID)
	assert.Equal(t, states.PowerOff, got.PowerState)
	assert.Empty(t, got.Reservation)
}

func TestRun_SyncsOnTick(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	f := newFixture(t, WithClock(mock), WithSyncInterval(time.Minute))
	n := f.node(t, func(n *node.Node) { n.PowerState = states.NoState })
	f.hw.SetPower(n.UUID, states.PowerOn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.c.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mock.Add(time.Minute)
		got, err := f.s.GetNode(context.Background(), n.UUID)
		return err == nil && got.PowerState == states.PowerOn
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTransitionMetrics(t *testing.T) {
	transitionTotal.Reset()
	f := newFixture(t, WithMetrics(true))
	ctx := context.Background()
	n := f.node(t)

	require.NoError(t, f.c.ChangePowerState(ctx, n.UUID, states.PowerOn))
	f.c.Wait()
	assert.Equal(t, 1.0, testutil.ToFloat64(transitionTotal.WithLabelValues("power", "success")))

	err := f.c.ChangePowerState(ctx, n.UUID, "sideways")
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(transitionTotal.WithLabelValues("power", "InvalidState")))

	f.hw.Fail(fake.OpDeploy, errors.New("no image"))
	require.NoError(t, f.c.ChangeProvisionState(ctx, n.UUID, states.Active))
	f.c.Wait()
	assert.Equal(t, 1.0, testutil.ToFloat64(transitionTotal.WithLabelValues("provision", "failure")))
}

func TestValidateDriverInterfaces(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fail string
		want map[string]InterfaceValidation
	}{
		{
			name: "all valid",
			want: map[string]InterfaceValidation{
				InterfacePower:  {Supported: true, Result: true},
				InterfaceDeploy: {Supported: true, Result: true},
			},
		},
		{
			name: "power invalid",
			fail: fake.OpValidate,
			want: map[string]InterfaceValidation{
				InterfacePower:  {Supported: true, Reason: "missing server_id"},
				InterfaceDeploy: {Supported: true, Result: true},
			},
		},
		{
			name: "deploy invalid",
			fail: fake.OpValidateDeploy,
			want: map[string]InterfaceValidation{
				InterfacePower:  {Supported: true, Result: true},
				InterfaceDeploy: {Supported: true, Reason: "missing server_id"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			if tt.fail != "" {
				f.hw.Fail(tt.fail, errors.New("missing server_id"))
			}
			n := f.node(t, func(n *node.Node) { n.Reservation = "conductor-2" })

			got, err := f.c.ValidateDriverInterfaces(context.Background(), n.UUID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "conductor-2", f.get(t, n.UUID).Reservation)
		})
	}
}

func TestValidateDriverInterfaces_Unsupported(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c, err := New(testHost, f.s, driver.NewRegistry(&driver.Driver{Name: fake.Name, Power: f.hw.Driver().Power}))
	require.NoError(t, err)
	n := f.node(t)

	got, err := c.ValidateDriverInterfaces(context.Background(), n.UUID)
	require.NoError(t, err)
	assert.True(t, got[InterfacePower].Result)
	assert.False(t, got[InterfaceDeploy].Supported)
	assert.Contains(t, got[InterfaceDeploy].Reason, "not supported")
}

func TestValidateDriverInterfaces_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.c.ValidateDriverInterfaces(context.Background(), "42")
	assert.True(t, node.IsKind(err, node.KindNotFound))

	n := f.node(t, func(n *node.Node) { n.Driver = "ipmi" })
	_, err = f.c.ValidateDriverInterfaces(context.Background(), n.UUID)
	assert.True(t, node.IsKind(err, node.KindInvalidState))
}
