package http

import (
	"encoding/json"
	"net/http"

	"github.com/emeritus-tech/search-replace-text/internal/auth"
	"github.com/emeritus-tech/search-replace-text/internal/lti"
)

// ConsumerDetailsHandler tells the embedded frontend who launched it.
func ConsumerDetailsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := auth.ClaimsFromContext(r.Context())
		if c == nil {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":             c.Subject,
			"name":            c.Name,
			"email":           c.Email,
			"roles":           c.Roles,
			"registration_id": c.RegistrationID,
			"context_id":      c.ContextID,
		})
	}
}

// CourseMembersHandler lists the launching course's membership via NRPS.
// Only works when the launch carried a names-and-roles claim.
func CourseMembersHandler(nrps *lti.NRPSClient) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := auth.ClaimsFromContext(r.Context())
		if c == nil {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		if c.NRPSURL == "" {
			http.Error(w, "platform did not grant membership access", http.StatusForbidden)
			return
		}
		members, err := nrps.MembershipsAt(r.Context(), c.RegistrationID, c.NRPSURL, r.URL.Query().Get("rlid"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(members)
	}
}

// agsFromSession rebuilds the grade-services client from the endpoint data
// stashed in the session at launch time.
func agsFromSession(c *auth.Claims, tokens *lti.ServiceTokenIssuer) *lti.AGSClient {
	return lti.NewAGSClient(tokens, c.RegistrationID, c.AGSLineItems, c.AGSScopes)
}

// CourseLineItemsHandler lists the launching course's gradebook columns.
// Only works when the launch carried an AGS endpoint claim.
func CourseLineItemsHandler(tokens *lti.ServiceTokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := auth.ClaimsFromContext(r.Context())
		if c == nil {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		if c.AGSLineItems == "" {
			http.Error(w, "platform did not grant grade access", http.StatusForbidden)
			return
		}
		q := r.URL.Query()
		items, err := agsFromSession(c, tokens).ListLineItems(r.Context(),
			q.Get("resource_id"), q.Get("resource_link_id"), 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(items)
	}
}

// ScorePublishHandler posts a score to a line item in the launching course.
// Body: {"lineitem": "<line item URL>", "score": {<AGS score>}}.
func ScorePublishHandler(tokens *lti.ServiceTokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := auth.ClaimsFromContext(r.Context())
		if c == nil {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		if c.AGSLineItems == "" {
			http.Error(w, "platform did not grant grade access", http.StatusForbidden)
			return
		}
		var req struct {
			LineItem string    `json:"lineitem"`
			Score    lti.Score `json:"score"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LineItem == "" {
			http.Error(w, "lineitem and score required", http.StatusBadRequest)
			return
		}
		if err := agsFromSession(c, tokens).PostScore(r.Context(), req.LineItem, req.Score); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
