package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/feathr-registry/registry/internal/graph"
	"github.com/feathr-registry/registry/internal/rbac"
)

// Backend is the write-through/load-on-start surface internal/fsm
// drives. Implementations must be safe for concurrent per-entity calls;
// Queue (in queue.go) is the production implementation that adds
// ordering and retry around a SQLBackend.
type Backend interface {
	UpsertEntity(e *graph.Entity)
	DeleteEntity(id string)
	UpsertEdge(edge graph.Edge)
	UpsertRoles(records []*rbac.Record)
}

// Tables names the three mirrored tables, defaulted per the
// ENTITY_TABLE/EDGE_TABLE/RBAC_TABLE environment variables.
type Tables struct {
	Entities string
	Edges    string
	Roles    string
}

// SQLBackend is the synchronous database/sql-backed implementation of
// the mirror's load and upsert operations. It is dialect-agnostic past
// construction: placeholder rendering and upsert syntax are chosen once
// in open().
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	tables  Tables
}

// Open connects to connStr, detecting its dialect, and ensures the
// three mirrored tables exist.
func Open(connStr string, tables Tables) (*SQLBackend, error) {
	dialect, db, err := open(connStr)
	if err != nil {
		return nil, err
	}
	b := &SQLBackend{db: db, dialect: dialect, tables: tables}
	if err := b.ensureTables(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLBackend) ensureTables() error {
	textType := "TEXT"
	if b.dialect == DialectMSSQL {
		textType = "NVARCHAR(MAX)"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (entity_id VARCHAR(64) PRIMARY KEY, entity_content %s NOT NULL)`, b.tables.Entities, textType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (from_id VARCHAR(64) NOT NULL, to_id VARCHAR(64) NOT NULL, edge_type VARCHAR(32) NOT NULL, PRIMARY KEY (from_id, to_id, edge_type))`, b.tables.Edges),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			record_id BIGINT PRIMARY KEY,
			project_name VARCHAR(255) NOT NULL,
			user_name VARCHAR(255) NOT NULL,
			role_name VARCHAR(32) NOT NULL,
			created_by VARCHAR(255),
			created_reason VARCHAR(255),
			created_at TIMESTAMP,
			deleted_by VARCHAR(255),
			deleted_reason VARCHAR(255),
			deleted_at TIMESTAMP
		)`, b.tables.Roles),
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("mirror: ensure tables: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *SQLBackend) Close() error { return b.db.Close() }

// LoadEntities returns every mirrored entity, decoded from its
// entity_content column.
func (b *SQLBackend) LoadEntities() ([]*graph.Entity, error) {
	rows, err := b.db.Query(fmt.Sprintf("SELECT entity_content FROM %s", b.tables.Entities))
	if err != nil {
		return nil, fmt.Errorf("mirror: load entities: %w", err)
	}
	defer rows.Close()

	var entities []*graph.Entity
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		var e graph.Entity
		if err := json.Unmarshal([]byte(content), &e); err != nil {
			return nil, fmt.Errorf("mirror: decode entity row: %w", err)
		}
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

// LoadEdges returns every mirrored edge.
func (b *SQLBackend) LoadEdges() ([]graph.Edge, error) {
	rows, err := b.db.Query(fmt.Sprintf("SELECT from_id, to_id, edge_type FROM %s", b.tables.Edges))
	if err != nil {
		return nil, fmt.Errorf("mirror: load edges: %w", err)
	}
	defer rows.Close()

	var edges []graph.Edge
	for rows.Next() {
		var e graph.Edge
		if err := rows.Scan(&e.From, &e.To, &e.Type); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// LoadRoles returns every mirrored RBAC record, in a suitable format
// for rbac.Table.Restore via rbac.TableSnapshot.
func (b *SQLBackend) LoadRoles() ([]*rbac.Record, error) {
	rows, err := b.db.Query(fmt.Sprintf(
		`SELECT record_id, project_name, user_name, role_name, created_by, created_reason, created_at, deleted_by, deleted_reason, deleted_at FROM %s`,
		b.tables.Roles))
	if err != nil {
		return nil, fmt.Errorf("mirror: load roles: %w", err)
	}
	defer rows.Close()

	var records []*rbac.Record
	for rows.Next() {
		var r rbac.Record
		var deletedBy, deletedReason sql.NullString
		var deletedAt sql.NullTime
		if err := rows.Scan(&r.RecordID, &r.ProjectName, &r.UserName, &r.RoleName,
			&r.CreateBy, &r.CreateReason, &r.CreateTime, &deletedBy, &deletedReason, &deletedAt); err != nil {
			return nil, err
		}
		r.DeleteBy = deletedBy.String
		r.DeleteReason = deletedReason.String
		r.DeleteTime = deletedAt.Time
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (b *SQLBackend) upsertSQL(table string, cols []string) string {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = b.dialect.placeholder(i + 1)
	}
	colList := ""
	for i, c := range cols {
		if i > 0 {
			colList += ", "
		}
		colList += c
	}
	valList := ""
	for i, p := range placeholders {
		if i > 0 {
			valList += ", "
		}
		valList += p
	}

	switch b.dialect {
	case DialectPostgres, DialectSQLite:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, colList, valList)
	case DialectMySQL:
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, colList, valList)
	default: // SQL Server has no shorthand; caller falls back to delete+insert under a transaction.
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, colList, valList)
	}
}

// UpsertEntityRow writes one entity row, replacing any prior content
// for the same entity_id.
func (b *SQLBackend) UpsertEntityRow(id string, content []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), blockingDeadline)
	defer cancel()

	del := fmt.Sprintf("DELETE FROM %s WHERE entity_id = %s", b.tables.Entities, b.dialect.placeholder(1))
	ins := b.upsertSQL(b.tables.Entities, []string{"entity_id", "entity_content"})

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, del, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, ins, id, string(content)); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteEntityRow removes the entity row and any edges touching it.
func (b *SQLBackend) DeleteEntityRow(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), blockingDeadline)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE entity_id = %s", b.tables.Entities, b.dialect.placeholder(1)), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE from_id = %s OR to_id = %s",
		b.tables.Edges, b.dialect.placeholder(1), b.dialect.placeholder(2)), id, id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertEdgeRow writes one edge row, idempotently.
func (b *SQLBackend) UpsertEdgeRow(edge graph.Edge) error {
	ctx, cancel := context.WithTimeout(context.Background(), blockingDeadline)
	defer cancel()

	stmt := b.upsertSQL(b.tables.Edges, []string{"from_id", "to_id", "edge_type"})
	if b.dialect != DialectMSSQL {
		_, err := b.db.ExecContext(ctx, stmt, edge.From, edge.To, string(edge.Type))
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	del := fmt.Sprintf("DELETE FROM %s WHERE from_id = %s AND to_id = %s AND edge_type = %s",
		b.tables.Edges, b.dialect.placeholder(1), b.dialect.placeholder(2), b.dialect.placeholder(3))
	if _, err := tx.ExecContext(ctx, del, edge.From, edge.To, string(edge.Type)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, stmt, edge.From, edge.To, string(edge.Type)); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertRoleRows replaces the entire mirrored RBAC table with records -
// the table is small and append-only/soft-delete, so a full rewrite per
// grant/revoke keeps this backend simple without a separate diffing
// pass.
func (b *SQLBackend) UpsertRoleRows(records []*rbac.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), blockingDeadline)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", b.tables.Roles)); err != nil {
		return err
	}
	insert := fmt.Sprintf(
		"INSERT INTO %s (record_id, project_name, user_name, role_name, created_by, created_reason, created_at, deleted_by, deleted_reason, deleted_at) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)",
		b.tables.Roles,
		b.dialect.placeholder(1), b.dialect.placeholder(2), b.dialect.placeholder(3), b.dialect.placeholder(4),
		b.dialect.placeholder(5), b.dialect.placeholder(6), b.dialect.placeholder(7), b.dialect.placeholder(8),
		b.dialect.placeholder(9), b.dialect.placeholder(10))

	for _, r := range records {
		var deletedAt interface{}
		if !r.DeleteTime.IsZero() {
			deletedAt = r.DeleteTime
		}
		if _, err := tx.ExecContext(ctx, insert, r.RecordID, r.ProjectName, r.UserName, string(r.RoleName),
			r.CreateBy, r.CreateReason, r.CreateTime, r.DeleteBy, r.DeleteReason, deletedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// blockingDeadline bounds how long any single mirror write may take
// before it is treated as a failure eligible for retry.
const blockingDeadline = 10 * time.Second
