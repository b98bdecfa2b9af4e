package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRepository persists records in the publish_audit table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on db. The publish_audit
// migration must have been applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record implements Trail.
func (r *SQLiteRepository) Record(ctx context.Context, rec *Record) error {
	prepare(rec)

	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO publish_audit (id, domain, topic, qos, retain, outcome, error, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Domain, rec.Topic, rec.QoS, boolInt(rec.Retain), rec.Outcome,
		nullableString(rec.Error), payload,
		rec.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting publish audit record: %w", err)
	}
	return nil
}

// List implements Trail.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	filter.clamp()

	var (
		conditions []string
		args       []any
	)
	if filter.Domain != "" {
		conditions = append(conditions, "domain = ?")
		args = append(args, filter.Domain)
	}
	if filter.Topic != "" {
		conditions = append(conditions, "topic = ?")
		args = append(args, filter.Topic)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, filter.Outcome)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM publish_audit " + where //nolint:gosec // WHERE holds only placeholders
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting publish audit records: %w", err)
	}

	query := "SELECT id, domain, topic, qos, retain, outcome, error, payload, created_at FROM publish_audit " + //nolint:gosec // WHERE holds only placeholders
		where + " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying publish audit records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec       Record
			retain    int
			errText   sql.NullString
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Domain, &rec.Topic, &rec.QoS, &retain, &rec.Outcome,
			&errText, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning publish audit record: %w", err)
		}
		rec.Retain = retain != 0
		rec.Error = errText.String
		if payload.Valid && payload.String != "" {
			rec.Payload = []byte(payload.String)
		}
		if rec.Timestamp, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing publish audit timestamp %q: %w", createdAt, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating publish audit records: %w", err)
	}

	return &ListResult{Records: records, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// nullableString maps the empty string to SQL NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
