package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"conservatory.io/cadenza/internal/domain"
)

// ErrStoreUnavailable is returned when the Postgres pool is not configured.
var ErrStoreUnavailable = errors.New("audit store is unavailable")

const (
	createAuditLogTableSQL = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	ts TIMESTAMPTZ NOT NULL,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL DEFAULT '',
	entity_id TEXT NOT NULL DEFAULT '',
	entity_name TEXT NOT NULL DEFAULT '',
	operation_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	user_name TEXT NOT NULL DEFAULT '',
	user_role TEXT NOT NULL DEFAULT '',
	changes JSONB,
	metadata JSONB,
	rollbackable BOOLEAN NOT NULL DEFAULT FALSE,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);`
	createAuditLogIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_audit_log_operation_id ON audit_log (operation_id);`
	createAuditLogEntityIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log (entity_type, entity_id);`

	insertAuditLogSQL = `
INSERT INTO audit_log (
	id, ts, action, entity_type, entity_id, entity_name, operation_id,
	user_id, user_name, user_role, changes, metadata, rollbackable,
	prev_hash, hash
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15);`

	selectLastHashSQL = `SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1;`

	selectAuditColumns = `
SELECT id, ts, action, entity_type, entity_id, entity_name, operation_id,
	user_id, user_name, user_role, changes, metadata, rollbackable,
	prev_hash, hash FROM audit_log`
)

// PostgresStore persists the audit chain to PostgreSQL so the trail
// survives restarts and is shared across replicas.
type PostgresStore struct {
	pool     *pgxpool.Pool
	initOnce sync.Once
	initErr  error
	// appendMu serializes chain-head reads with inserts within this
	// process; cross-replica appends serialize on the insert itself.
	appendMu sync.Mutex
}

// NewPostgresStore creates an audit store backed by PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) ensureSchema() error {
	s.initOnce.Do(func() {
		if s == nil || s.pool == nil {
			s.initErr = ErrStoreUnavailable
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, stmt := range []string{createAuditLogTableSQL, createAuditLogIndexSQL, createAuditLogEntityIndexSQL} {
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				s.initErr = fmt.Errorf("create audit_log schema: %w", err)
				return
			}
		}
	})
	return s.initErr
}

// Append implements Store. The chain head is read and the entry inserted
// inside one transaction so two appends cannot share a predecessor.
func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	if err := s.ensureSchema(); err != nil {
		return err
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin audit append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prevHash string
	if err := tx.QueryRow(ctx, selectLastHashSQL).Scan(&prevHash); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read audit chain head: %w", err)
		}
	}

	if err := seal(entry, prevHash); err != nil {
		return err
	}

	changes, err := json.Marshal(entry.Changes)
	if err != nil {
		return fmt.Errorf("marshal audit changes: %w", err)
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	if _, err := tx.Exec(ctx, insertAuditLogSQL,
		entry.ID, entry.Timestamp, entry.Action,
		string(entry.EntityType), entry.EntityID, entry.EntityName,
		entry.OperationID,
		entry.User.ID, entry.User.Name, entry.User.Role,
		changes, metadata, entry.Rollbackable,
		entry.PrevHash, entry.Hash,
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit append: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, selectAuditColumns+` WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("audit entry %s: not found", id)
		}
		return nil, err
	}
	return entry, nil
}

// Query implements Store.
func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}

	where, args := buildWhere(filter)
	order := " ORDER BY seq DESC"
	if filter.Ascending {
		order = " ORDER BY seq ASC"
	}
	sql := selectAuditColumns + where + order
	if filter.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int, error) {
	if err := s.ensureSchema(); err != nil {
		return 0, err
	}
	where, args := buildWhere(filter)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit_log: %w", err)
	}
	return n, nil
}

// VerifyChain implements Store.
func (s *PostgresStore) VerifyChain(ctx context.Context) (string, error) {
	entries, err := s.Query(ctx, Filter{Ascending: true})
	if err != nil {
		return "", err
	}
	prev := ""
	for i := range entries {
		want, err := ComputeHash(&entries[i], prev)
		if err != nil {
			return "", err
		}
		if entries[i].PrevHash != prev || entries[i].Hash != want {
			return entries[i].ID, nil
		}
		prev = entries[i].Hash
	}
	return "", nil
}

func buildWhere(filter Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.From != nil {
		add("ts >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("ts <= $%d", *filter.To)
	}
	if filter.EntityType != "" {
		add("entity_type = $%d", string(filter.EntityType))
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.OperationID != "" {
		add("operation_id = $%d", filter.OperationID)
	}
	if filter.Rollbackable != nil {
		add("rollbackable = $%d", *filter.Rollbackable)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry      Entry
		entityType string
		changes    []byte
		metadata   []byte
	)
	if err := row.Scan(
		&entry.ID, &entry.Timestamp, &entry.Action,
		&entityType, &entry.EntityID, &entry.EntityName,
		&entry.OperationID,
		&entry.User.ID, &entry.User.Name, &entry.User.Role,
		&changes, &metadata, &entry.Rollbackable,
		&entry.PrevHash, &entry.Hash,
	); err != nil {
		return nil, err
	}
	entry.EntityType = domain.EntityType(entityType)
	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &entry.Changes); err != nil {
			return nil, fmt.Errorf("unmarshal audit changes: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
		}
	}
	entry.Timestamp = entry.Timestamp.UTC()
	return &entry, nil
}
