package scoped

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/platinummonkey/tenantgate/pkg/audit"
)

var (
	projectColumns  = []string{"id", "tenant_id", "name", "description", "owner_id", "created_at", "updated_at", "deleted_at"}
	documentColumns = []string{"id", "tenant_id", "project_id", "title", "body", "author_id", "created_at", "updated_at", "deleted_at"}
)

// SQLBackend implements Backend over the projects, documents, memberships and
// audit_logs tables.
type SQLBackend struct {
	db    *sqlx.DB
	sb    sq.StatementBuilderType
	audit *audit.Store
}

// NewSQLBackend wraps db. driverName is the database/sql driver the pool was
// opened with.
func NewSQLBackend(db *sql.DB, driverName string) *SQLBackend {
	return &SQLBackend{
		db:    sqlx.NewDb(db, driverName),
		sb:    sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		audit: audit.NewStore(db, driverName),
	}
}

// scope is the predicate every statement starts from.
func scope(tenantID string, includeDeleted bool) sq.And {
	conds := sq.And{sq.Eq{"tenant_id": tenantID}}
	if !includeDeleted {
		conds = append(conds, sq.Eq{"deleted_at": nil})
	}
	return conds
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// contains matches column case-insensitively against needle taken literally.
func contains(column, needle string) sq.Sqlizer {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(needle)) + "%"
	return sq.Expr("LOWER("+column+`) LIKE ? ESCAPE '\'`, pattern)
}

func (b *SQLBackend) ListProjects(ctx context.Context, tenantID string, f ProjectFilter) ([]*Project, error) {
	conds := scope(tenantID, f.IncludeDeleted)
	if f.NameContains != "" {
		conds = append(conds, contains("name", f.NameContains))
	}
	if f.OwnerID != "" {
		conds = append(conds, sq.Eq{"owner_id": f.OwnerID})
	}
	query, args, err := b.sb.Select(projectColumns...).
		From("projects").
		Where(conds).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build project query: %w", err)
	}

	out := []*Project{}
	if err := b.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return out, nil
}

func (b *SQLBackend) GetProject(ctx context.Context, tenantID, id string, includeDeleted bool) (*Project, error) {
	query, args, err := b.sb.Select(projectColumns...).
		From("projects").
		Where(append(scope(tenantID, includeDeleted), sq.Eq{"id": id})).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build project query: %w", err)
	}

	var p Project
	if err := b.db.GetContext(ctx, &p, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRowNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

func (b *SQLBackend) InsertProject(ctx context.Context, p *Project) error {
	query, args, err := b.sb.Insert("projects").
		Columns(projectColumns[:7]...).
		Values(p.ID, p.TenantID, p.Name, p.Description, p.OwnerID, p.CreatedAt.UTC(), p.UpdatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build project insert: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

func (b *SQLBackend) UpdateProject(ctx context.Context, tenantID, id string, u ProjectUpdate, at time.Time) error {
	set := map[string]interface{}{"updated_at": at.UTC()}
	if u.Name != nil {
		set["name"] = strings.TrimSpace(*u.Name)
	}
	if u.Description != nil {
		set["description"] = *u.Description
	}
	return b.update(ctx, "projects", tenantID, id, set)
}

func (b *SQLBackend) SoftDeleteProject(ctx context.Context, tenantID, id string, at time.Time) error {
	return b.update(ctx, "projects", tenantID, id, map[string]interface{}{
		"deleted_at": at.UTC(),
		"updated_at": at.UTC(),
	})
}

func (b *SQLBackend) CountProjects(ctx context.Context, tenantID string) (int, error) {
	return b.count(ctx, "projects", scope(tenantID, false))
}

func (b *SQLBackend) ListDocuments(ctx context.Context, tenantID string, f DocumentFilter) ([]*Document, error) {
	conds := scope(tenantID, f.IncludeDeleted)
	if f.ProjectID != "" {
		conds = append(conds, sq.Eq{"project_id": f.ProjectID})
	}
	if f.AuthorID != "" {
		conds = append(conds, sq.Eq{"author_id": f.AuthorID})
	}
	if f.TitleContains != "" {
		conds = append(conds, contains("title", f.TitleContains))
	}
	query, args, err := b.sb.Select(documentColumns...).
		From("documents").
		Where(conds).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build document query: %w", err)
	}

	out := []*Document{}
	if err := b.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return out, nil
}

func (b *SQLBackend) GetDocument(ctx context.Context, tenantID, id string, includeDeleted bool) (*Document, error) {
	query, args, err := b.sb.Select(documentColumns...).
		From("documents").
		Where(append(scope(tenantID, includeDeleted), sq.Eq{"id": id})).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build document query: %w", err)
	}

	var d Document
	if err := b.db.GetContext(ctx, &d, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRowNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &d, nil
}

func (b *SQLBackend) InsertDocument(ctx context.Context, d *Document) error {
	query, args, err := b.sb.Insert("documents").
		Columns(documentColumns[:8]...).
		Values(d.ID, d.TenantID, d.ProjectID, d.Title, d.Body, d.AuthorID, d.CreatedAt.UTC(), d.UpdatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build document insert: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func (b *SQLBackend) UpdateDocument(ctx context.Context, tenantID, id string, u DocumentUpdate, at time.Time) error {
	set := map[string]interface{}{"updated_at": at.UTC()}
	if u.Title != nil {
		set["title"] = strings.TrimSpace(*u.Title)
	}
	if u.Body != nil {
		set["body"] = *u.Body
	}
	return b.update(ctx, "documents", tenantID, id, set)
}

func (b *SQLBackend) SoftDeleteDocument(ctx context.Context, tenantID, id string, at time.Time) error {
	return b.update(ctx, "documents", tenantID, id, map[string]interface{}{
		"deleted_at": at.UTC(),
		"updated_at": at.UTC(),
	})
}

func (b *SQLBackend) CountDocuments(ctx context.Context, tenantID string) (int, error) {
	return b.count(ctx, "documents", scope(tenantID, false))
}

func (b *SQLBackend) CountActiveMembers(ctx context.Context, tenantID string) (int, error) {
	return b.count(ctx, "memberships", sq.And{sq.Eq{"tenant_id": tenantID}, sq.Eq{"active": true}})
}

func (b *SQLBackend) SearchAudit(ctx context.Context, tenantID string, f audit.SearchFilter) ([]*audit.Event, error) {
	return b.audit.Search(ctx, tenantID, f)
}

func (b *SQLBackend) CountAudit(ctx context.Context, tenantID string, f audit.SearchFilter) (int, error) {
	return b.audit.Count(ctx, tenantID, f)
}

// update applies set to one live row of table in the tenant. Zero rows
// affected is ErrRowNotFound.
func (b *SQLBackend) update(ctx context.Context, table, tenantID, id string, set map[string]interface{}) error {
	query, args, err := b.sb.Update(table).
		SetMap(set).
		Where(append(scope(tenantID, false), sq.Eq{"id": id})).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build %s update: %w", table, err)
	}
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	if n == 0 {
		return ErrRowNotFound
	}
	return nil
}

func (b *SQLBackend) count(ctx context.Context, table string, where sq.Sqlizer) (int, error) {
	query, args, err := b.sb.Select("COUNT(*)").From(table).Where(where).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build %s count: %w", table, err)
	}
	var n int
	if err := b.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}
