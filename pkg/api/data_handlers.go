package api

import (
	"net/http"

	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/scoped"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

// Reads are open to every member. Writes need manage_projects.

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type createDocumentRequest struct {
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
}

func parsePage(r *http.Request) (scoped.Page, error) {
	limit, err := httputil.ParseQueryInt(r, "limit", scoped.DefaultLimit, 1, scoped.MaxLimit)
	if err != nil {
		return scoped.Page{}, err
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0, 0, 0)
	if err != nil {
		return scoped.Page{}, err
	}
	return scoped.Page{Limit: limit, Offset: offset}, nil
}

// writer returns the scoped access of a caller allowed to modify data.
func writer(r *http.Request) (*scoped.Access, error) {
	a, err := authContextOf(r)
	if err != nil {
		return nil, err
	}
	if err := requirePermission(a, tenancy.PermManageProjects); err != nil {
		return nil, err
	}
	return accessOf(r)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) error {
	access, err := accessOf(r)
	if err != nil {
		return err
	}
	page, err := parsePage(r)
	if err != nil {
		return err
	}
	includeDeleted, err := httputil.ParseQueryBool(r, "include_deleted", false)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	projects, err := access.Projects().FindMany(r.Context(), scoped.ProjectFilter{
		NameContains:   q.Get("name"),
		OwnerID:        q.Get("owner"),
		IncludeDeleted: includeDeleted,
		Page:           page,
	})
	if err != nil {
		return err
	}
	return httputil.WriteList(w, projects, len(projects))
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) error {
	access, err := accessOf(r)
	if err != nil {
		return err
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		return err
	}
	p, err := access.Projects().FindByID(r.Context(), id, false)
	if err != nil {
		return err
	}
	return httputil.WriteSuccess(w, p)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) error {
	access, err := writer(r)
	if err != nil {
		return err
	}
	var req createProjectRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		return err
	}
	p, err := access.Projects().Create(r.Context(), scoped.Project{Name: req.Name, Description: req.Description})
	if err != nil {
		return err
	}
	return httputil.WriteCreated(w, p)
}

func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) error {
	access, err := writer(r)
	if err != nil {
		return err
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		return err
	}
	var u scoped.ProjectUpdate
	if err := httputil.ParseJSON(r, &u); err != nil {
		return err
	}
	p, err := access.Projects().Update(r.Context(), id, u)
	if err != nil {
		return err
	}
	return httputil.WriteSuccess(w, p)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) error {
	access, err := writer(r)
	if err != nil {
		return err
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		return err
	}
	if err := access.Projects().Delete(r.Context(), id); err != nil {
		return err
	}
	httputil.WriteNoContent(w)
	return nil
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) error {
	access, err := accessOf(r)
	if err != nil {
		return err
	}
	page, err := parsePage(r)
	if err != nil {
		return err
	}
	includeDeleted, err := httputil.ParseQueryBool(r, "include_deleted", false)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	docs, err := access.Documents().FindMany(r.Context(), scoped.DocumentFilter{
		ProjectID:      q.Get("project_id"),
		AuthorID:       q.Get("author"),
		TitleContains:  q.Get("title"),
		IncludeDeleted: includeDeleted,
		Page:           page,
	})
	if err != nil {
		return err
	}
	return httputil.WriteList(w, docs, len(docs))
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) error {
	access, err := accessOf(r)
	if err != nil {
		return err
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		return err
	}
	d, err := access.Documents().FindByID(r.Context(), id, false)
	if err != nil {
		return err
	}
	return httputil.WriteSuccess(w, d)
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) error {
	access, err := writer(r)
	if err != nil {
		return err
	}
	var req createDocumentRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		return err
	}
	d, err := access.Documents().Create(r.Context(), scoped.Document{
		ProjectID: req.ProjectID,
		Title:     req.Title,
		Body:      req.Body,
	})
	if err != nil {
		return err
	}
	return httputil.WriteCreated(w, d)
}

func (s *Server) updateDocument(w http.ResponseWriter, r *http.Request) error {
	access, err := writer(r)
	if err != nil {
		return err
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		return err
	}
	var u scoped.DocumentUpdate
	if err := httputil.ParseJSON(r, &u); err != nil {
		return err
	}
	d, err := access.Documents().Update(r.Context(), id, u)
	if err != nil {
		return err
	}
	return httputil.WriteSuccess(w, d)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) error {
	access, err := writer(r)
	if err != nil {
		return err
	}
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		return err
	}
	if err := access.Documents().Delete(r.Context(), id); err != nil {
		return err
	}
	httputil.WriteNoContent(w)
	return nil
}
