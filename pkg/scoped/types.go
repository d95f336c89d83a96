package scoped

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/audit"
)

// ErrRowNotFound is returned by a Backend when no row matches both the tenant
// and the id. The facade reports it as NotFound.
var ErrRowNotFound = errors.New("row not found")

// Project is a tenant-owned container of documents.
type Project struct {
	ID          string     `json:"id" db:"id"`
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	OwnerID     string     `json:"owner_id" db:"owner_id"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Document belongs to exactly one project of the same tenant.
type Document struct {
	ID        string     `json:"id" db:"id"`
	TenantID  string     `json:"tenant_id" db:"tenant_id"`
	ProjectID string     `json:"project_id" db:"project_id"`
	Title     string     `json:"title" db:"title"`
	Body      string     `json:"body" db:"body"`
	AuthorID  string     `json:"author_id" db:"author_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Page bounds a listing. Limit defaults to DefaultLimit and is capped at
// MaxLimit.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

func (p Page) normalized() Page {
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultLimit
	case p.Limit > MaxLimit:
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ProjectFilter narrows a project listing. It has no tenant field.
type ProjectFilter struct {
	NameContains   string
	OwnerID        string
	IncludeDeleted bool
	Page
}

// DocumentFilter narrows a document listing. It has no tenant field.
type DocumentFilter struct {
	ProjectID      string
	AuthorID       string
	TitleContains  string
	IncludeDeleted bool
	Page
}

// ProjectUpdate holds the mutable project fields; nil leaves a field as is.
type ProjectUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (u ProjectUpdate) empty() bool { return u.Name == nil && u.Description == nil }

// DocumentUpdate holds the mutable document fields; nil leaves a field as is.
type DocumentUpdate struct {
	Title *string `json:"title,omitempty"`
	Body  *string `json:"body,omitempty"`
}

func (u DocumentUpdate) empty() bool { return u.Title == nil && u.Body == nil }

// Statistics are tenant-wide aggregate counts.
type Statistics struct {
	TenantID       string        `json:"tenant_id"`
	ActiveMembers  int           `json:"active_members"`
	Projects       int           `json:"projects"`
	Documents      int           `json:"documents"`
	RecentActivity int           `json:"recent_activity"`
	ActivityWindow time.Duration `json:"-"`
	WindowSeconds  int64         `json:"activity_window_seconds"`
	GeneratedAt    time.Time     `json:"generated_at"`
}

// Backend is the persistence the facade wraps. Every method takes the tenant
// id explicitly and must apply it; the facade is the only caller and always
// passes its own. Soft-deleted rows are excluded unless includeDeleted is set.
type Backend interface {
	ListProjects(ctx context.Context, tenantID string, f ProjectFilter) ([]*Project, error)
	GetProject(ctx context.Context, tenantID, id string, includeDeleted bool) (*Project, error)
	InsertProject(ctx context.Context, p *Project) error
	UpdateProject(ctx context.Context, tenantID, id string, u ProjectUpdate, at time.Time) error
	SoftDeleteProject(ctx context.Context, tenantID, id string, at time.Time) error
	CountProjects(ctx context.Context, tenantID string) (int, error)

	ListDocuments(ctx context.Context, tenantID string, f DocumentFilter) ([]*Document, error)
	GetDocument(ctx context.Context, tenantID, id string, includeDeleted bool) (*Document, error)
	InsertDocument(ctx context.Context, d *Document) error
	UpdateDocument(ctx context.Context, tenantID, id string, u DocumentUpdate, at time.Time) error
	SoftDeleteDocument(ctx context.Context, tenantID, id string, at time.Time) error
	CountDocuments(ctx context.Context, tenantID string) (int, error)

	CountActiveMembers(ctx context.Context, tenantID string) (int, error)

	SearchAudit(ctx context.Context, tenantID string, f audit.SearchFilter) ([]*audit.Event, error)
	CountAudit(ctx context.Context, tenantID string, f audit.SearchFilter) (int, error)
}
