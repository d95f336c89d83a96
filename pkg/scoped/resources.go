package scoped

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/audit"
)

// Projects is the project resource of an Access.
type Projects struct{ a *Access }

// Projects returns the project operations.
func (a *Access) Projects() Projects { return Projects{a} }

func (p Projects) FindMany(ctx context.Context, f ProjectFilter) ([]*Project, error) {
	f.Page = f.Page.normalized()
	o := &op{name: "find_many", resource: audit.ResourceProject, event: audit.EventDataList}
	var out []*Project
	err := p.a.run(ctx, o, func() (err error) {
		out, err = p.a.backend.ListProjects(ctx, p.a.scope.TenantID, f)
		return err
	})
	return out, err
}

func (p Projects) FindByID(ctx context.Context, id string, includeDeleted bool) (*Project, error) {
	o := &op{name: "find_by_id", resource: audit.ResourceProject, event: audit.EventDataRead, resourceID: id}
	var out *Project
	err := p.a.run(ctx, o, func() (err error) {
		out, err = p.a.backend.GetProject(ctx, p.a.scope.TenantID, id, includeDeleted)
		return err
	})
	return out, err
}

// Create inserts in. TenantID is always the bound tenant and OwnerID is the
// scope actor; a caller-supplied owner is kept only for actor-less scopes.
// The stored project is returned.
func (p Projects) Create(ctx context.Context, in Project) (*Project, error) {
	o := &op{name: "create", resource: audit.ResourceProject, event: audit.EventDataCreate}
	now := p.a.now()
	proj := &Project{
		ID:          uuid.NewString(),
		TenantID:    p.a.scope.TenantID,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		OwnerID:     in.OwnerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.a.scope.ActorID != "" {
		proj.OwnerID = p.a.scope.ActorID
	}
	o.resourceID = proj.ID

	err := p.a.run(ctx, o, func() error {
		if proj.Name == "" {
			return apierror.Invalid("scoped.project.create", "project name is required")
		}
		return p.a.backend.InsertProject(ctx, proj)
	})
	if err != nil {
		return nil, err
	}
	return proj, nil
}

func (p Projects) Update(ctx context.Context, id string, u ProjectUpdate) (*Project, error) {
	o := &op{name: "update", resource: audit.ResourceProject, event: audit.EventDataUpdate, resourceID: id}
	var out *Project
	err := p.a.run(ctx, o, func() error {
		if u.empty() {
			return apierror.Invalid("scoped.project.update", "no fields to update")
		}
		if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
			return apierror.Invalid("scoped.project.update", "project name cannot be empty")
		}
		if err := p.a.backend.UpdateProject(ctx, p.a.scope.TenantID, id, u, p.a.now()); err != nil {
			return err
		}
		var err error
		out, err = p.a.backend.GetProject(ctx, p.a.scope.TenantID, id, false)
		return err
	})
	return out, err
}

// Delete soft-deletes a project.
func (p Projects) Delete(ctx context.Context, id string) error {
	o := &op{name: "delete", resource: audit.ResourceProject, event: audit.EventDataDelete, resourceID: id}
	return p.a.run(ctx, o, func() error {
		return p.a.backend.SoftDeleteProject(ctx, p.a.scope.TenantID, id, p.a.now())
	})
}

// Documents is the document resource of an Access.
type Documents struct{ a *Access }

// Documents returns the document operations.
func (a *Access) Documents() Documents { return Documents{a} }

func (d Documents) FindMany(ctx context.Context, f DocumentFilter) ([]*Document, error) {
	f.Page = f.Page.normalized()
	o := &op{name: "find_many", resource: audit.ResourceDocument, event: audit.EventDataList}
	var out []*Document
	err := d.a.run(ctx, o, func() (err error) {
		out, err = d.a.backend.ListDocuments(ctx, d.a.scope.TenantID, f)
		return err
	})
	return out, err
}

func (d Documents) FindByID(ctx context.Context, id string, includeDeleted bool) (*Document, error) {
	o := &op{name: "find_by_id", resource: audit.ResourceDocument, event: audit.EventDataRead, resourceID: id}
	var out *Document
	err := d.a.run(ctx, o, func() (err error) {
		out, err = d.a.backend.GetDocument(ctx, d.a.scope.TenantID, id, includeDeleted)
		return err
	})
	return out, err
}

// Create inserts in under the bound tenant. The project must be live in the
// same tenant. AuthorID is the scope actor unless the scope has none.
func (d Documents) Create(ctx context.Context, in Document) (*Document, error) {
	o := &op{
		name: "create", resource: audit.ResourceDocument, event: audit.EventDataCreate,
		meta: map[string]interface{}{"project_id": in.ProjectID},
	}
	now := d.a.now()
	doc := &Document{
		ID:        uuid.NewString(),
		TenantID:  d.a.scope.TenantID,
		ProjectID: in.ProjectID,
		Title:     strings.TrimSpace(in.Title),
		Body:      in.Body,
		AuthorID:  in.AuthorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if d.a.scope.ActorID != "" {
		doc.AuthorID = d.a.scope.ActorID
	}
	o.resourceID = doc.ID

	err := d.a.run(ctx, o, func() error {
		if doc.Title == "" {
			return apierror.Invalid("scoped.document.create", "document title is required")
		}
		if doc.ProjectID == "" {
			return apierror.Invalid("scoped.document.create", "project id is required")
		}
		if _, err := d.a.backend.GetProject(ctx, d.a.scope.TenantID, doc.ProjectID, false); err != nil {
			if err == ErrRowNotFound {
				return apierror.New(apierror.KindNotFound, "scoped.document.create", "project not found")
			}
			return err
		}
		return d.a.backend.InsertDocument(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (d Documents) Update(ctx context.Context, id string, u DocumentUpdate) (*Document, error) {
	o := &op{name: "update", resource: audit.ResourceDocument, event: audit.EventDataUpdate, resourceID: id}
	var out *Document
	err := d.a.run(ctx, o, func() error {
		if u.empty() {
			return apierror.Invalid("scoped.document.update", "no fields to update")
		}
		if u.Title != nil && strings.TrimSpace(*u.Title) == "" {
			return apierror.Invalid("scoped.document.update", "document title cannot be empty")
		}
		if err := d.a.backend.UpdateDocument(ctx, d.a.scope.TenantID, id, u, d.a.now()); err != nil {
			return err
		}
		var err error
		out, err = d.a.backend.GetDocument(ctx, d.a.scope.TenantID, id, false)
		return err
	})
	return out, err
}

// Delete soft-deletes a document.
func (d Documents) Delete(ctx context.Context, id string) error {
	o := &op{name: "delete", resource: audit.ResourceDocument, event: audit.EventDataDelete, resourceID: id}
	return d.a.run(ctx, o, func() error {
		return d.a.backend.SoftDeleteDocument(ctx, d.a.scope.TenantID, id, d.a.now())
	})
}

// AuditEvents is the read-only audit resource of an Access.
type AuditEvents struct{ a *Access }

// AuditEvents returns the audit-event operations.
func (a *Access) AuditEvents() AuditEvents { return AuditEvents{a} }

func (e AuditEvents) FindMany(ctx context.Context, f audit.SearchFilter) ([]*audit.Event, error) {
	o := &op{name: "find_many", resource: audit.ResourceAuditEvent, event: audit.EventDataList}
	var out []*audit.Event
	err := e.a.run(ctx, o, func() (err error) {
		out, err = e.a.backend.SearchAudit(ctx, e.a.scope.TenantID, f)
		return err
	})
	return out, err
}

func (e AuditEvents) Count(ctx context.Context, f audit.SearchFilter) (int, error) {
	o := &op{name: "count", resource: audit.ResourceAuditEvent, event: audit.EventDataCount}
	var n int
	err := e.a.run(ctx, o, func() (err error) {
		n, err = e.a.backend.CountAudit(ctx, e.a.scope.TenantID, f)
		return err
	})
	return n, err
}
