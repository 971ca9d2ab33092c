// Package postgres implements store.NodeStore on PostgreSQL.
//
// Conditional updates are a single UPDATE whose WHERE clause carries the
// expected values. Under read committed a concurrent writer blocks on the
// row lock and then re-evaluates the WHERE clause against the committed
// row, so at most one of two racing claims matches.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/store"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS nodes (
	id                     BIGSERIAL PRIMARY KEY,
	uuid                   TEXT NOT NULL UNIQUE,
	driver                 TEXT NOT NULL DEFAULT '',
	driver_info            JSONB NOT NULL DEFAULT '{}',
	reservation            TEXT,
	power_state            TEXT,
	target_power_state     TEXT,
	provision_state        TEXT,
	target_provision_state TEXT,
	last_error             TEXT,
	instance_uuid          TEXT UNIQUE,
	maintenance            BOOLEAN NOT NULL DEFAULT FALSE,
	maintenance_reason     TEXT,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ,
	provision_updated_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS ports (
	id         BIGSERIAL PRIMARY KEY,
	uuid       TEXT NOT NULL UNIQUE,
	address    TEXT NOT NULL DEFAULT '',
	node_id    BIGINT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_ports_node ON ports(node_id);
`

const nodeColumns = `id, uuid, driver, driver_info,
	COALESCE(reservation, ''), COALESCE(power_state, ''), COALESCE(target_power_state, ''),
	COALESCE(provision_state, ''), COALESCE(target_provision_state, ''), COALESCE(last_error, ''),
	COALESCE(instance_uuid, ''), maintenance, COALESCE(maintenance_reason, ''),
	created_at, updated_at, provision_updated_at`

const portColumns = `id, uuid, address, node_id, created_at`

// Store is a PostgreSQL-backed node store.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
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

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &Store{pool: pool, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanNode(row pgx.Row) (*node.Node, error) {
	var n node.Node
	err := row.Scan(&n.ID, &n.UUID, &n.Driver, &n.DriverInfo,
		&n.Reservation, &n.PowerState, &n.TargetPowerState,
		&n.ProvisionState, &n.TargetProvisionState, &n.LastError,
		&n.InstanceUUID, &n.Maintenance, &n.MaintenanceReason,
		&n.CreatedAt, &n.UpdatedAt, &n.ProvisionUpdatedAt)
	if err != nil {
		return nil, err
	}
	n.CreatedAt = n.CreatedAt.UTC()
	if n.UpdatedAt != nil {
		t := n.UpdatedAt.UTC()
		n.UpdatedAt = &t
	}
	if n.ProvisionUpdatedAt != nil {
		t := n.ProvisionUpdatedAt.UTC()
		n.ProvisionUpdatedAt = &t
	}
	return &n, nil
}

func scanPort(row pgx.Row) (*node.Port, error) {
	var p node.Port
	if err := row.Scan(&p.ID, &p.UUID, &p.Address, &p.NodeID, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// identClause returns the WHERE fragment selecting a node by id or UUID,
// bound to $1.
func identClause(id store.Identity) (string, any) {
	if id.UUID != "" {
		return "uuid = $1", id.UUID
	}
	return "id = $1", id.ID
}

func sortedFields(f node.Fields) []node.Field {
	keys := make([]node.Field, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

type query struct {
	args []any
}

func (q *query) bind(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

// predicate renders expected as AND-ed conditions. Empty strings match NULL.
func (q *query) predicate(expected node.Fields) string {
	var b strings.Builder
	for _, f := range sortedFields(expected) {
		switch v := expected[f].(type) {
		case bool:
			fmt.Fprintf(&b, " AND %s = %s", f, q.bind(v))
		default:
			fmt.Fprintf(&b, " AND COALESCE(%s, '') = %s", f, q.bind(v))
		}
	}
	return b.String()
}

// buildUpdate renders the conditional UPDATE for AtomicUpdate. Fields must
// have been checked with store.CheckFields.
func buildUpdate(id store.Identity, expected, set node.Fields, now time.Time) (string, []any) {
	where, identArg := identClause(id)
	q := &query{args: []any{identArg}}
	ts := q.bind(now)

	assignments := make([]string, 0, len(set)+2)
	for _, f := range sortedFields(set) {
		switch v := set[f].(type) {
		case bool:
			assignments = append(assignments, fmt.Sprintf("%s = %s::boolean", f, q.bind(v)))
		default:
			p := q.bind(v)
			assignments = append(assignments, fmt.Sprintf("%s = NULLIF(%s::text, '')", f, p))
			if f == node.FieldProvisionState {
				assignments = append(assignments, fmt.Sprintf(
					"provision_updated_at = CASE WHEN provision_state IS DISTINCT FROM NULLIF(%s::text, '') THEN %s ELSE provision_updated_at END", p, ts))
			}
		}
	}
	assignments = append(assignments, "updated_at = "+ts)

	sql := fmt.Sprintf("UPDATE nodes SET %s WHERE %s%s RETURNING %s",
		strings.Join(assignments, ", "), where, q.predicate(expected), nodeColumns)
	return sql, q.args
}

// classifyMiss decides why a conditional statement touched no rows.
func (s *Store) classifyMiss(ctx context.Context, ident string, id store.Identity) error {
	where, arg := identClause(id)
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM nodes WHERE "+where+")", arg).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check node %s: %w", ident, err)
	}
	if !exists {
		return node.NotFound(ident)
	}
	return store.ErrPredicateFailed
}

// classifyWrite maps constraint violations onto domain errors.
func (s *Store) classifyWrite(ctx context.Context, err error, instance string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		if strings.Contains(pgErr.ConstraintName, "instance_uuid") && instance != "" {
			var holder int64
			if qerr := s.pool.QueryRow(ctx, "SELECT id FROM nodes WHERE instance_uuid = $1", instance).Scan(&holder); qerr != nil {
				return store.InstanceTaken(instance, 0)
			}
			return store.InstanceTaken(instance, holder)
		}
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrDuplicate)
	case codeForeignKeyViolation:
		return node.NotFound("referenced node")
	}
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateNode inserts a node.
func (s *Store) CreateNode(ctx context.Context, n *node.Node) (*node.Node, error) {
	c, err := store.PrepareNode(n)
	if err != nil {
		return nil, err
	}
	info := c.DriverInfo
	if info == nil {
		info = map[string]string{}
	}
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode driver_info: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO nodes (uuid, driver, driver_info, reservation, power_state, target_power_state,
			provision_state, target_provision_state, last_error, instance_uuid, maintenance,
			maintenance_reason, created_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+nodeColumns,
		c.UUID, c.Driver, string(infoJSON), nullable(c.Reservation), nullable(c.PowerState),
		nullable(c.TargetPowerState), nullable(c.ProvisionState), nullable(c.TargetProvisionState),
		nullable(c.LastError), nullable(c.InstanceUUID), c.Maintenance,
		nullable(c.MaintenanceReason), s.clock.Now().UTC())

	created, err := scanNode(row)
	if err != nil {
		return nil, s.classifyWrite(ctx, err, c.InstanceUUID)
	}
	return created, nil
}

// GetNode returns a node by id or UUID.
func (s *Store) GetNode(ctx context.Context, ident string) (*node.Node, error) {
	id, err := store.ParseIdentity(ident)
	if err != nil {
		return nil, err
	}
	where, arg := identClause(id)

	n, err := scanNode(s.pool.QueryRow(ctx, "SELECT "+nodeColumns+" FROM nodes WHERE "+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, node.NotFound(ident)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", ident, err)
	}
	return n, nil
}

// ListNodes returns matching nodes ordered by id.
func (s *Store) ListNodes(ctx context.Context, filter store.Filter) ([]*node.Node, error) {
	var conds []string
	if filter.Reserved != nil {
		conds = append(conds, nullCond("reservation", *filter.Reserved))
	}
	if filter.Associated != nil {
		conds = append(conds, nullCond("instance_uuid", *filter.Associated))
	}
	if filter.Maintenance != nil {
		conds = append(conds, fmt.Sprintf("maintenance = %t", *filter.Maintenance))
	}

	sql := "SELECT " + nodeColumns + " FROM nodes"
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " ORDER BY id"

	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var out []*node.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func nullCond(column string, set bool) string {
	if set {
		return column + " IS NOT NULL"
	}
	return column + " IS NULL"
}

// AtomicUpdate conditionally updates a node with a single statement.
func (s *Store) AtomicUpdate(ctx context.Context, ident string, expected, set node.Fields) (*node.Node, error) {
	if err := store.CheckFields(expected); err != nil {
		return nil, err
	}
	if err := store.CheckFields(set); err != nil {
		return nil, err
	}
	id, err := store.ParseIdentity(ident)
	if err != nil {
		return nil, err
	}

	sql, args := buildUpdate(id, expected, set, s.clock.Now().UTC())
	n, err := scanNode(s.pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classifyMiss(ctx, ident, id)
	}
	if err != nil {
		instance, _ := set[node.FieldInstanceUUID].(string)
		return nil, s.classifyWrite(ctx, err, instance)
	}
	return n, nil
}

// DeleteNode removes a node; its ports go with it through ON DELETE CASCADE.
func (s *Store) DeleteNode(ctx context.Context, ident string, expected node.Fields) error {
	if err := store.CheckFields(expected); err != nil {
		return err
	}
	id, err := store.ParseIdentity(ident)
	if err != nil {
		return err
	}

	where, arg := identClause(id)
	q := &query{args: []any{arg}}
	tag, err := s.pool.Exec(ctx, "DELETE FROM nodes WHERE "+where+q.predicate(expected), q.args...)
	if err != nil {
		return fmt.Errorf("failed to delete node %s: %w", ident, err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, ident, id)
	}
	return nil
}

// CreatePort inserts a port for an existing node.
func (s *Store) CreatePort(ctx context.Context, p *node.Port) (*node.Port, error) {
	c, err := store.PreparePort(p)
	if err != nil {
		return nil, err
	}

	created, err := scanPort(s.pool.QueryRow(ctx,
		"INSERT INTO ports (uuid, address, node_id, created_at) VALUES ($1, $2, $3, $4) RETURNING "+portColumns,
		c.UUID, c.Address, c.NodeID, s.clock.Now().UTC()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation {
			return nil, node.NotFound(strconv.FormatInt(c.NodeID, 10))
		}
		return nil, s.classifyWrite(ctx, err, "")
	}
	return created, nil
}

// ListPorts returns the ports of a node ordered by id.
func (s *Store) ListPorts(ctx context.Context, nodeID int64) ([]*node.Port, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+portColumns+" FROM ports WHERE node_id = $1 ORDER BY id", nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	defer rows.Close()

	var out []*node.Port
	for rows.Next() {
		p, err := scanPort(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan port: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
