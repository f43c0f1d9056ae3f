package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chatflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (s *LibSQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Flows ---

const flowColumns = `id, name, description, version, entry_node_id, flow_data, is_published, is_active,
	trace_enabled, trace_sample_rate, trace_level, retention_days, created_at, updated_at, published_at`

// SaveFlow inserts or replaces an unpublished flow with its nodes and
// connections. Published flows are immutable.
func (s *LibSQLStore) SaveFlow(ctx context.Context, def *schema.FlowDefinition) error {
	if def.ID == "" || def.Name == "" || def.Version == "" {
		return schema.NewError(schema.ErrCodeValidation, "flow id, name and version are required")
	}
	def.ApplyDefaults()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var published bool
		err := tx.QueryRowContext(ctx, `SELECT is_published FROM flows WHERE id = ?`, def.ID).Scan(&published)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("read flow: %w", err)
		case published:
			return schema.NewErrorf(schema.ErrCodeValidation, "flow %q is published and cannot be modified", def.ID).
				WithDetails(map[string]any{"flow_id": def.ID})
		}

		now := time.Now().UTC()
		def.CreatedAt = timeOr(def.CreatedAt, now)
		def.UpdatedAt = now

		_, err = tx.ExecContext(ctx,
			`INSERT INTO flows (`+flowColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   name=excluded.name, description=excluded.description, version=excluded.version,
			   entry_node_id=excluded.entry_node_id, flow_data=excluded.flow_data,
			   is_active=excluded.is_active, trace_enabled=excluded.trace_enabled,
			   trace_sample_rate=excluded.trace_sample_rate, trace_level=excluded.trace_level,
			   retention_days=excluded.retention_days, updated_at=excluded.updated_at`,
			def.ID, def.Name, nullStr(def.Description), def.Version, nullStr(def.EntryNodeID),
			nullRaw(def.FlowData), 0, boolInt(def.IsActive),
			boolInt(def.TraceEnabled), def.TraceSampleRate, string(def.TraceLevel), def.RetentionDays,
			dbTime(def.CreatedAt), dbTime(def.UpdatedAt), nil,
		)
		if err != nil {
			return fmt.Errorf("upsert flow: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM flow_connections WHERE flow_id = ?`, def.ID); err != nil {
			return fmt.Errorf("clear connections: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM flow_nodes WHERE flow_id = ?`, def.ID); err != nil {
			return fmt.Errorf("clear nodes: %w", err)
		}

		for i := range def.Nodes {
			n := &def.Nodes[i]
			n.FlowID = def.ID
			content, err := marshalMapOrDefault(n.Content)
			if err != nil {
				return fmt.Errorf("marshal node %s content: %w", n.NodeID, err)
			}
			position, err := marshalNullable(n.Position)
			if err != nil {
				return fmt.Errorf("marshal node %s position: %w", n.NodeID, err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO flow_nodes (flow_id, node_id, node_type, template, content, position, execution_context, ordinal)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				def.ID, n.NodeID, string(n.NodeType), nullStr(n.Template), string(content), position,
				string(n.ExecutionContext), i,
			)
			if err != nil {
				return fmt.Errorf("insert node %s: %w", n.NodeID, err)
			}
		}

		for i := range def.Connections {
			c := &def.Connections[i]
			c.FlowID = def.ID
			conds, err := marshalNullable(c.Conditions)
			if err != nil {
				return fmt.Errorf("marshal connection conditions: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO flow_connections (flow_id, source_node_id, target_node_id, connection_type, conditions, ordinal)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				def.ID, c.SourceNodeID, c.TargetNodeID, string(c.ConnectionType), conds, i,
			)
			if err != nil {
				return fmt.Errorf("insert connection %s->%s: %w", c.SourceNodeID, c.TargetNodeID, err)
			}
		}
		return nil
	})
}

// GetFlow returns a flow with its nodes and connections in declaration order.
func (s *LibSQLStore) GetFlow(ctx context.Context, id string) (*schema.FlowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)
	def, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, schema.FlowNotFound(id)
	}
	if err != nil {
		return nil, err
	}

	nodes, err := s.db.QueryContext(ctx,
		`SELECT node_id, node_type, template, content, position, execution_context
		 FROM flow_nodes WHERE flow_id = ? ORDER BY ordinal, node_id`, id)
	if err != nil {
		return nil, err
	}
	defer nodes.Close()

	for nodes.Next() {
		n := schema.FlowNode{FlowID: id}
		var nodeType, execCtx, content string
		var template, position sql.NullString
		if err := nodes.Scan(&n.NodeID, &nodeType, &template, &content, &position, &execCtx); err != nil {
			return nil, err
		}
		n.NodeType = schema.NodeType(nodeType)
		n.ExecutionContext = schema.ExecutionContext(execCtx)
		n.Template = template.String
		if err := json.Unmarshal([]byte(content), &n.Content); err != nil {
			return nil, fmt.Errorf("unmarshal node %s content: %w", n.NodeID, err)
		}
		if position.Valid && position.String != "" {
			_ = json.Unmarshal([]byte(position.String), &n.Position)
		}
		def.Nodes = append(def.Nodes, n)
	}
	if err := nodes.Err(); err != nil {
		return nil, err
	}

	conns, err := s.db.QueryContext(ctx,
		`SELECT source_node_id, target_node_id, connection_type, conditions
		 FROM flow_connections WHERE flow_id = ? ORDER BY ordinal`, id)
	if err != nil {
		return nil, err
	}
	defer conns.Close()

	for conns.Next() {
		c := schema.FlowConnection{FlowID: id}
		var ctype string
		var conds sql.NullString
		if err := conns.Scan(&c.SourceNodeID, &c.TargetNodeID, &ctype, &conds); err != nil {
			return nil, err
		}
		c.ConnectionType = schema.ConnectionType(ctype)
		if conds.Valid && conds.String != "" {
			_ = json.Unmarshal([]byte(conds.String), &c.Conditions)
		}
		def.Connections = append(def.Connections, c)
	}
	return def, conns.Err()
}

// PublishFlow freezes a flow. Publishing twice is a no-op.
func (s *LibSQLStore) PublishFlow(ctx context.Context, id string, at time.Time) error {
	at = timeOrNow(at)
	res, err := s.db.ExecContext(ctx,
		`UPDATE flows SET is_published = 1, published_at = COALESCE(published_at, ?), updated_at = ? WHERE id = ?`,
		dbTime(at), dbTime(at), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", id)
}

// SetFlowActive toggles whether new sessions may start on the flow.
func (s *LibSQLStore) SetFlowActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flows SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), dbTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", id)
}

// ListFlows returns flow headers without nodes or connections.
func (s *LibSQLStore) ListFlows(ctx context.Context, filter FlowFilter) ([]*schema.FlowDefinition, error) {
	var where []string
	var args []any

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.PublishedOnly {
		where = append(where, "is_published = 1")
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}

	query := `SELECT ` + flowColumns + ` FROM flows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*schema.FlowDefinition
	for rows.Next() {
		def, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, def)
	}
	return flows, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*schema.FlowDefinition, error) {
	def := &schema.FlowDefinition{}
	var (
		desc, entry, flowData, publishedAt sql.NullString
		traceLevel, createdAt, updatedAt   string
	)
	err := row.Scan(&def.ID, &def.Name, &desc, &def.Version, &entry, &flowData,
		&def.IsPublished, &def.IsActive, &def.TraceEnabled, &def.TraceSampleRate, &traceLevel,
		&def.RetentionDays, &createdAt, &updatedAt, &publishedAt)
	if err != nil {
		return nil, err
	}
	def.Description = desc.String
	def.EntryNodeID = entry.String
	def.FlowData = rawOrNil(flowData)
	def.TraceLevel = schema.TraceLevel(traceLevel)
	def.CreatedAt = parseDBTime(createdAt)
	def.UpdatedAt = parseDBTime(updatedAt)
	def.PublishedAt = parseNullTime(publishedAt)
	return def, nil
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	now := dbTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=?`,
		key, value, now, now,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

// dbTimeLayout is fixed-width so that lexical comparison in SQL matches
// chronological order.
const dbTimeLayout = "2006-01-02T15:04:05.000000000Z"

func dbTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(s string) time.Time {
	t, err := time.Parse(dbTimeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseDBTime(ns.String)
	return &t
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func timeOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return dbTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

// marshalNullable encodes v as JSON text, or nil for empty maps, slices and nil.
func marshalNullable[T any](v T) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	switch string(b) {
	case "null", "{}", "[]":
		return nil, nil
	}
	return string(b), nil
}
