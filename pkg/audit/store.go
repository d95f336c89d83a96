package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

var auditColumns = []string{
	"id", "timestamp", "event_type", "status",
	"tenant_id", "actor_id", "resource_type", "resource_id",
	"request_id", "ip_address", "method", "path",
	"status_code", "message", "error_message", "metadata",
}

type eventRow struct {
	ID           string    `db:"id"`
	Timestamp    time.Time `db:"timestamp"`
	EventType    string    `db:"event_type"`
	Status       string    `db:"status"`
	TenantID     string    `db:"tenant_id"`
	ActorID      string    `db:"actor_id"`
	ResourceType string    `db:"resource_type"`
	ResourceID   string    `db:"resource_id"`
	RequestID    string    `db:"request_id"`
	IPAddress    string    `db:"ip_address"`
	Method       string    `db:"method"`
	Path         string    `db:"path"`
	StatusCode   int       `db:"status_code"`
	Message      string    `db:"message"`
	ErrorMessage string    `db:"error_message"`
	Metadata     string    `db:"metadata"`
}

func (r eventRow) event() *Event {
	e := &Event{
		ID:           r.ID,
		Timestamp:    r.Timestamp.UTC(),
		EventType:    EventType(r.EventType),
		Status:       Status(r.Status),
		TenantID:     r.TenantID,
		ActorID:      r.ActorID,
		ResourceType: ResourceType(r.ResourceType),
		ResourceID:   r.ResourceID,
		RequestID:    r.RequestID,
		IPAddress:    r.IPAddress,
		Method:       r.Method,
		Path:         r.Path,
		StatusCode:   r.StatusCode,
		Message:      r.Message,
		ErrorMessage: r.ErrorMessage,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		// Corrupt metadata is dropped rather than failing the whole page.
		_ = json.Unmarshal([]byte(r.Metadata), &e.Metadata)
	}
	return e
}

// Store queries and prunes the audit_logs table.
type Store struct {
	db *sqlx.DB
	sb sq.StatementBuilderType
}

// NewStore wraps db. driverName is the database/sql driver the pool was opened
// with ("postgres" or "sqlite3").
func NewStore(db *sql.DB, driverName string) *Store {
	return &Store{
		db: sqlx.NewDb(db, driverName),
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (s *Store) where(tenantID string, f SearchFilter) sq.And {
	conds := sq.And{sq.Eq{"tenant_id": tenantID}}
	if f.ActorID != "" {
		conds = append(conds, sq.Eq{"actor_id": f.ActorID})
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		conds = append(conds, sq.Eq{"event_type": types})
	}
	if f.Status != "" {
		conds = append(conds, sq.Eq{"status": string(f.Status)})
	}
	if f.ResourceType != "" {
		conds = append(conds, sq.Eq{"resource_type": string(f.ResourceType)})
	}
	if f.ResourceID != "" {
		conds = append(conds, sq.Eq{"resource_id": f.ResourceID})
	}
	if f.Since != nil {
		conds = append(conds, sq.GtOrEq{"timestamp": f.Since.UTC()})
	}
	if f.Until != nil {
		conds = append(conds, sq.Lt{"timestamp": f.Until.UTC()})
	}
	return conds
}

// Search returns the tenant's events matching f, newest first. An empty
// tenantID is rejected so the tenant predicate can never be skipped.
func (s *Store) Search(ctx context.Context, tenantID string, f SearchFilter) ([]*Event, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("audit search requires a tenant id")
	}

	query, args, err := s.sb.Select(auditColumns...).
		From("audit_logs").
		Where(s.where(tenantID, f)).
		OrderBy("timestamp DESC", "id DESC").
		Limit(f.limit()).
		Offset(uint64(max(f.Offset, 0))).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build audit query: %w", err)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}

	events := make([]*Event, len(rows))
	for i, r := range rows {
		events[i] = r.event()
	}
	return events, nil
}

// Count returns how many of the tenant's events match f. Limit and Offset are
// ignored.
func (s *Store) Count(ctx context.Context, tenantID string, f SearchFilter) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("audit count requires a tenant id")
	}

	query, args, err := s.sb.Select("COUNT(*)").
		From("audit_logs").
		Where(s.where(tenantID, f)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build audit count: %w", err)
	}

	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return n, nil
}

// CountSince counts the tenant's events at or after since.
func (s *Store) CountSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	return s.Count(ctx, tenantID, SearchFilter{Since: &since})
}

// ListBefore returns up to limit events older than cutoff across all tenants,
// oldest first. Used by retention to archive before deleting.
func (s *Store) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Event, error) {
	query, args, err := s.sb.Select(auditColumns...).
		From("audit_logs").
		Where(sq.Lt{"timestamp": cutoff.UTC()}).
		OrderBy("timestamp ASC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build retention query: %w", err)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list expired audit logs: %w", err)
	}
	events := make([]*Event, len(rows))
	for i, r := range rows {
		events[i] = r.event()
	}
	return events, nil
}

// DeleteIDs removes the given events.
func (s *Store) DeleteIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := s.sb.Delete("audit_logs").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteBefore removes every event older than cutoff.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := s.sb.Delete("audit_logs").Where(sq.Lt{"timestamp": cutoff.UTC()}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}
	return res.RowsAffected()
}
