package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/bmconductor/internal/conductor"
	"github.com/imamik/bmconductor/internal/config"
	"github.com/imamik/bmconductor/internal/driver/fake"
	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/states"
	"github.com/imamik/bmconductor/internal/store"
	"github.com/imamik/bmconductor/internal/store/memory"
)

// sharedStore survives the Close every handler performs, so one test can
// run several commands against the same nodes.
type sharedStore struct {
	store.NodeStore
}

func (sharedStore) Close() error { return nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Conductor.Host = "conductor-test"
	cfg.Backend.AuthToken = "token"
	return cfg
}

// setupHandlers points the handlers at a shared memory store and captures
// their output.
func setupHandlers(t *testing.T) (store.NodeStore, *bytes.Buffer) {
	t.Helper()
	s, err := memory.New()
	require.NoError(t, err)

	origLoad, origOpen, origOut := loadConfig, openStore, out
	t.Cleanup(func() {
		loadConfig, openStore, out = origLoad, origOpen, origOut
	})

	buf := &bytes.Buffer{}
	out = buf
	loadConfig = func(string) (*config.Config, error) { return testConfig(), nil }
	openStore = func(context.Context, config.StoreConfig) (store.NodeStore, error) {
		return sharedStore{s}, nil
	}
	return s, buf
}

func decodeNode(t *testing.T, buf *bytes.Buffer) NodeView {
	t.Helper()
	var view NodeView
	require.NoError(t, json.Unmarshal(buf.Bytes(), &view))
	buf.Reset()
	return view
}

func createFakeNode(t *testing.T, buf *bytes.Buffer) string {
	t.Helper()
	require.NoError(t, NodeCreate(context.Background(), "", CreateOptions{
		Driver: fake.Name,
		Ports:  []string{"52:54:00:aa:bb:cc"},
	}))
	return decodeNode(t, buf).UUID
}

func TestNodeCreateAndShow(t *testing.T) {
	_, buf := setupHandlers(t)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, NodeCreate(ctx, "", CreateOptions{
		UUID:       id,
		Driver:     "hcloud",
		DriverInfo: map[string]string{"server_id": "42"},
		Ports:      []string{"52:54:00:aa:bb:cc", "52:54:00:aa:bb:cd"},
	}))
	created := decodeNode(t, buf)
	assert.Equal(t, id, created.UUID)
	assert.Equal(t, "42", created.DriverInfo["server_id"])
	assert.Len(t, created.Ports, 2)

	require.NoError(t, NodeShow(ctx, "", "1"))
	shown := decodeNode(t, buf)
	assert.Equal(t, id, shown.UUID)
	assert.Len(t, shown.Ports, 2)

	err := NodeShow(ctx, "", uuid.NewString())
	assert.True(t, node.IsKind(err, node.KindNotFound))
}

func TestNodeValidate(t *testing.T) {
	_, buf := setupHandlers(t)
	ctx := context.Background()
	id := createFakeNode(t, buf)

	require.NoError(t, NodeValidate(ctx, "", id))
	var results map[string]conductor.InterfaceValidation
	require.NoError(t, json.Unmarshal(buf.Bytes(), &results))
	buf.Reset()
	assert.True(t, results[conductor.InterfacePower].Result)
	assert.True(t, results[conductor.InterfaceDeploy].Result)

	// An hcloud node without a server id fails validation without
	// contacting the API.
	require.NoError(t, NodeCreate(ctx, "", CreateOptions{Driver: "hcloud"}))
	hcloudNode := decodeNode(t, buf).UUID

	err := NodeValidate(ctx, "", hcloudNode)
	assert.ErrorContains(t, err, "is invalid")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &results))
	assert.False(t, results[conductor.InterfacePower].Result)
	assert.NotEmpty(t, results[conductor.InterfacePower].Reason)
}

func TestNodeReserveRelease(t *testing.T) {
	s, buf := setupHandlers(t)
	ctx := context.Background()
	id := createFakeNode(t, buf)

	require.NoError(t, NodeReserve(ctx, "", id))
	n, err := s.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "conductor-test", n.Reservation)

	err = NodeReserve(ctx, "", id)
	assert.True(t, node.IsKind(err, node.KindLocked))

	require.NoError(t, NodeRelease(ctx, "", id))
	err = NodeRelease(ctx, "", id)
	assert.True(t, node.IsKind(err, node.KindNotLocked))
}

func TestNodePowerAndProvision(t *testing.T) {
	_, buf := setupHandlers(t)
	ctx := context.Background()
	id := createFakeNode(t, buf)

	require.NoError(t, NodePower(ctx, "", id, states.PowerOff, false))
	assert.Equal(t, states.PowerOff, decodeNode(t, buf).PowerState)

	require.NoError(t, NodeProvision(ctx, "", id, states.Active, false))
	deployed := decodeNode(t, buf)
	assert.Equal(t, states.Active, deployed.ProvisionState)
	assert.Empty(t, deployed.TargetProvisionState)

	err := NodeProvision(ctx, "", id, states.Active, false)
	assert.True(t, node.IsKind(err, node.KindInvalidState))
}

func TestNodeMaintenance(t *testing.T) {
	_, buf := setupHandlers(t)
	ctx := context.Background()
	id := createFakeNode(t, buf)

	require.NoError(t, NodeMaintenance(ctx, "", id, true, "cabling"))
	view := decodeNode(t, buf)
	assert.True(t, view.Maintenance)
	assert.Equal(t, "cabling", view.MaintenanceReason)

	err := NodePower(ctx, "", id, states.PowerOn, false)
	assert.True(t, node.IsKind(err, node.KindInvalidState))

	require.NoError(t, NodePower(ctx, "", id, states.PowerOn, true))
	assert.Equal(t, states.PowerOn, decodeNode(t, buf).PowerState)

	err = NodeMaintenance(ctx, "", id, true, "")
	assert.ErrorContains(t, err, "already in maintenance mode")
}

func TestNodeAssociateAndDelete(t *testing.T) {
	s, buf := setupHandlers(t)
	ctx := context.Background()
	id := createFakeNode(t, buf)
	instance := uuid.NewString()

	require.NoError(t, NodeAssociate(ctx, "", id, instance))
	assert.Equal(t, instance, decodeNode(t, buf).InstanceUUID)

	err := NodeDelete(ctx, "", id)
	assert.True(t, node.IsKind(err, node.KindAssociated))

	require.NoError(t, NodeAssociate(ctx, "", id, ""))
	assert.Empty(t, decodeNode(t, buf).InstanceUUID)

	require.NoError(t, NodeDelete(ctx, "", id))
	_, err = s.GetNode(ctx, id)
	assert.True(t, node.IsKind(err, node.KindNotFound))
}

func TestSetup_ConfigError(t *testing.T) {
	setupHandlers(t)
	loadConfig = func(string) (*config.Config, error) { return nil, errors.New("bad config") }

	err := NodeShow(context.Background(), "missing.yaml", "1")
	assert.ErrorContains(t, err, "bad config")
}
