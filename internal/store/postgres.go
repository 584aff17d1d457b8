package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) InsertAuditEntry(ctx context.Context, entry AuditEntry) error {
	const insert = `
		INSERT INTO signoff_audit (
			id, server, source_bucket, source_collection,
			destination_bucket, destination_collection,
			action, from_status, to_status, comment, author, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, insert,
		entry.ID, entry.Server, entry.SourceBucket, entry.SourceCollection,
		entry.DestinationBucket, entry.DestinationCollection,
		entry.Action, entry.FromStatus, entry.ToStatus, entry.Comment,
		entry.Author, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	query := `
		SELECT id, server, source_bucket, source_collection,
			destination_bucket, destination_collection,
			action, from_status, to_status, comment, author, created_at
		FROM signoff_audit
	`
	var clauses []string
	var args []any
	argN := 1
	addClause := func(column, value string) {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, argN))
		args = append(args, value)
		argN++
	}
	if filter.Bucket != "" {
		addClause("source_bucket", filter.Bucket)
	}
	if filter.Collection != "" {
		addClause("source_collection", filter.Collection)
	}
	if filter.Action != "" {
		addClause("action", filter.Action)
	}
	if filter.Author != "" {
		addClause("author", filter.Author)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

// SearchAuditEntries matches the free-text query against comments and
// authors. This is the Postgres fallback behind the search facade.
func (s *PostgresStore) SearchAuditEntries(ctx context.Context, text string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `
		SELECT id, server, source_bucket, source_collection,
			destination_bucket, destination_collection,
			action, from_status, to_status, comment, author, created_at
		FROM signoff_audit
		WHERE comment ILIKE '%' || $1 || '%'
			OR author ILIKE '%' || $1 || '%'
			OR source_collection ILIKE '%' || $1 || '%'
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, text, limit)
	if err != nil {
		return nil, fmt.Errorf("search audit entries: %w", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func scanAuditEntries(rows *sql.Rows) ([]AuditEntry, error) {
	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		if err := rows.Scan(
			&entry.ID, &entry.Server, &entry.SourceBucket, &entry.SourceCollection,
			&entry.DestinationBucket, &entry.DestinationCollection,
			&entry.Action, &entry.FromStatus, &entry.ToStatus, &entry.Comment,
			&entry.Author, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
