package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"

	"clinic-inventory-ledger/internal/repos"
	"clinic-inventory-ledger/shared/authx"
	"clinic-inventory-ledger/shared/clinicx"
	"clinic-inventory-ledger/shared/httpx"
)

// ClinicMiddleware resolves the acting clinic from the X-Clinic-ID or
// X-Clinic-Slug header and cross-checks it against the caller's token
// claims. Handlers downstream read the clinic from the request context.
type ClinicMiddleware struct {
	Clinics *repos.ClinicsRepo
	Skip    func(*http.Request) bool
}

func (m ClinicMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		clinicID := strings.TrimSpace(r.Header.Get("X-Clinic-ID"))
		clinicSlug := strings.TrimSpace(r.Header.Get("X-Clinic-Slug"))
		if clinicID == "" && clinicSlug == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing clinic header", nil)
			return
		}

		var clinic clinicx.ClinicContext
		if clinicSlug != "" {
			if m.Clinics == nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "clinic repository not configured", nil)
				return
			}
			record, err := m.Clinics.GetClinicBySlug(r.Context(), clinicSlug)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "clinic not found", nil)
					return
				}
				httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to resolve clinic", nil)
				return
			}
			if clinicID != "" && clinicID != record.ClinicID.String() {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "clinic mismatch", nil)
				return
			}
			clinicID = record.ClinicID.String()
			clinic.Slug = record.Slug
		}

		if clinicID == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing clinic id", nil)
			return
		}

		if auth, ok := authx.FromContext(r.Context()); ok {
			if err := validateClinicClaims(auth.Claims, clinicID); err != nil {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
				return
			}
		}

		clinic.ID = clinicID
		if clinic.Slug == "" && clinicSlug != "" {
			clinic.Slug = clinicSlug
		}

		ctx := clinicx.WithClinic(r.Context(), clinic)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validateClinicClaims(claims map[string]any, clinicID string) error {
	if claims == nil || clinicID == "" {
		return nil
	}
	if v, ok := claims["clinic_id"]; ok {
		claimClinicID := strings.TrimSpace(fmt.Sprint(v))
		if claimClinicID != "" && claimClinicID != clinicID {
			return errors.New("clinic claim mismatch")
		}
	}
	if v, ok := claims["clinics"]; ok {
		allowed := map[string]struct{}{}
		switch t := v.(type) {
		case []string:
			for _, item := range t {
				item = strings.TrimSpace(item)
				if item != "" {
					allowed[item] = struct{}{}
				}
			}
		case []any:
			for _, item := range t {
				val := strings.TrimSpace(fmt.Sprint(item))
				if val != "" {
					allowed[val] = struct{}{}
				}
			}
		case string:
			for _, item := range strings.Fields(t) {
				if item != "" {
					allowed[item] = struct{}{}
				}
			}
		default:
			val := strings.TrimSpace(fmt.Sprint(t))
			if val != "" {
				allowed[val] = struct{}{}
			}
		}
		if len(allowed) > 0 {
			if _, ok := allowed[clinicID]; !ok {
				return errors.New("clinic not allowed")
			}
		}
	}
	return nil
}
