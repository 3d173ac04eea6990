package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/emeritus-tech/search-replace-text/internal/lti"
)

// registrationRow is the admin API's view of a platform registration.
type registrationRow struct {
	RegistrationID string `json:"registration_id"`
	ClientID       string `json:"client_id"`
	Issuer         string `json:"issuer"`
	AuthURI        string `json:"auth_uri"`
	TokenURI       string `json:"token_uri"`
	JWKSURI        string `json:"jwks_uri,omitempty"`
}

func toRow(reg lti.ClientRegistration) registrationRow {
	return registrationRow{
		RegistrationID: reg.RegistrationID,
		ClientID:       reg.ClientID,
		Issuer:         reg.Issuer,
		AuthURI:        reg.AuthorizationURI,
		TokenURI:       reg.TokenURI,
		JWKSURI:        reg.JWKSURI,
	}
}

func (r registrationRow) toRegistration() lti.ClientRegistration {
	return lti.ClientRegistration{
		RegistrationID:   r.RegistrationID,
		ClientID:         r.ClientID,
		Issuer:           r.Issuer,
		AuthorizationURI: r.AuthURI,
		TokenURI:         r.TokenURI,
		JWKSURI:          r.JWKSURI,
	}
}

// ListRegistrationsHandler returns every configured platform registration.
func ListRegistrationsHandler(reg *lti.SQLRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		regs, err := reg.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		rows := make([]registrationRow, 0, len(regs))
		for _, rg := range regs {
			rows = append(rows, toRow(rg))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	}
}

// GetRegistrationHandler returns one registration by id.
func GetRegistrationHandler(reg *lti.SQLRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "registrationID")
		rg, err := reg.GetRegistration(r.Context(), id)
		if errors.Is(err, lti.ErrRegistrationNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(toRow(rg))
	}
}

// PutRegistrationHandler creates or updates a registration.
func PutRegistrationHandler(reg *lti.SQLRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var row registrationRow
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		if id := chi.URLParam(r, "registrationID"); id != "" {
			row.RegistrationID = id
		}
		rg := row.toRegistration()
		if err := rg.Validate(); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := reg.Upsert(r.Context(), rg); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(toRow(rg))
	}
}

// DeleteRegistrationHandler removes a registration.
func DeleteRegistrationHandler(reg *lti.SQLRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "registrationID")
		if err := reg.Delete(r.Context(), id); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
