package api

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/scoped"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

// auditReader returns the scoped access of an admin or owner.
func auditReader(r *http.Request) (*scoped.Access, error) {
	a, err := authContextOf(r)
	if err != nil {
		return nil, err
	}
	if !a.Role.AtLeast(tenancy.RoleAdmin) {
		return nil, apierror.New(apierror.KindInsufficientPermission, "api.audit", "audit log requires admin role")
	}
	return accessOf(r)
}

func parseAuditFilter(r *http.Request) (audit.SearchFilter, error) {
	q := r.URL.Query()
	f := audit.SearchFilter{
		ActorID:      q.Get("actor_id"),
		Status:       audit.Status(q.Get("status")),
		ResourceType: audit.ResourceType(q.Get("resource_type")),
		ResourceID:   q.Get("resource_id"),
	}
	if types := q.Get("event_type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.EventTypes = append(f.EventTypes, audit.EventType(t))
			}
		}
	}

	var err error
	if f.Since, err = httputil.ParseQueryTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = httputil.ParseQueryTime(r, "until"); err != nil {
		return f, err
	}
	if f.Since != nil && f.Until != nil && f.Until.Before(*f.Since) {
		return f, apierror.Invalid("api.auditFilter", "until must not be before since")
	}
	if f.Limit, err = httputil.ParseQueryInt(r, "limit", audit.DefaultSearchLimit, 1, audit.MaxSearchLimit); err != nil {
		return f, err
	}
	if f.Offset, err = httputil.ParseQueryInt(r, "offset", 0, 0, 0); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) listAuditEvents(w http.ResponseWriter, r *http.Request) error {
	access, err := auditReader(r)
	if err != nil {
		return err
	}
	f, err := parseAuditFilter(r)
	if err != nil {
		return err
	}
	events, err := access.AuditEvents().FindMany(r.Context(), f)
	if err != nil {
		return err
	}
	total, err := access.AuditEvents().Count(r.Context(), f)
	if err != nil {
		return err
	}
	return httputil.WriteList(w, events, total)
}

// exportAuditEvents streams up to MaxSearchLimit events as NDJSON or CSV.
func (s *Server) exportAuditEvents(w http.ResponseWriter, r *http.Request) error {
	access, err := auditReader(r)
	if err != nil {
		return err
	}
	format := audit.ExportFormat(strings.ToLower(r.URL.Query().Get("format")))
	switch format {
	case "":
		format = audit.ExportFormatNDJSON
	case audit.ExportFormatNDJSON, audit.ExportFormatCSV:
	default:
		return apierror.Invalid("api.exportAuditEvents", "unsupported format %q", string(format))
	}

	f, err := parseAuditFilter(r)
	if err != nil {
		return err
	}
	if r.URL.Query().Get("limit") == "" {
		f.Limit = audit.MaxSearchLimit
	}
	events, err := access.AuditEvents().FindMany(r.Context(), f)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", "attachment; filename=audit-events."+string(format))
	w.WriteHeader(http.StatusOK)
	if err := audit.Export(w, events, format); err != nil {
		return apierror.Upstream("api.exportAuditEvents", err)
	}

	s.record(r, tenantEvent(r.Context(), audit.EventDataList, accessTenant(r)).
		WithResource(audit.ResourceAuditEvent, "").
		WithMeta("export_format", string(format)).
		WithMeta("count", len(events)))
	return nil
}

func accessTenant(r *http.Request) string {
	if a, ok := auth.FromContext(r.Context()); ok {
		return a.TenantID
	}
	return ""
}
