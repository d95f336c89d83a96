// Package httputil provides HTTP utilities for standardized request/response handling.
//
// Responses:
//
//	httputil.WriteSuccess(w, tenant)
//	httputil.WriteList(w, projects, len(projects))
//	httputil.WriteError(w, err, requestID, false)
//
// WriteError is the single place an error becomes a response body; it goes
// through apierror.Public so upstream causes stay hidden.
//
// Requests:
//
//	var req CreateProjectRequest
//	if err := httputil.ParseJSON(r, &req); err != nil {
//		return err
//	}
//	id, err := httputil.ParsePathString(r, "id")
//	limit, err := httputil.ParseQueryInt(r, "limit", 50, 1, 500)
//
// Parse helpers return apierror Invalid errors, so handlers can return them
// unchanged.
package httputil
