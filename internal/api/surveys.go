package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// ListingInvalidator is implemented by listers that cache. A listing request
// with ?refresh=true drops the cached entries before reading.
type ListingInvalidator interface {
	Invalidate(ctx context.Context, surveyIDs ...string) error
}

// ─── GET /api/surveys ─────────────────────────────────────────────────────────

// handleListSurveys returns [{id, name}] for every survey the API token can
// see. An empty list is a 404.
func (s *Server) handleListSurveys(w http.ResponseWriter, r *http.Request) {
	s.refreshListings(r)

	surveys, err := s.lister.ListSurveys(r.Context())
	if err != nil {
		s.respondPipelineErr(w, r, fmt.Errorf("list surveys: %w", err))
		return
	}
	if len(surveys) == 0 {
		respondErr(w, http.StatusNotFound, "no surveys found")
		return
	}
	respond(w, http.StatusOK, surveys)
}

// ─── GET /api/surveys/:surveyID/filters ───────────────────────────────────────

// handleListFilters returns the filters (report sections) of one survey. An
// empty list is a 404.
func (s *Server) handleListFilters(w http.ResponseWriter, r *http.Request) {
	surveyID := chi.URLParam(r, "surveyID")
	s.refreshListings(r, surveyID)

	filters, err := s.lister.ListFilters(r.Context(), surveyID)
	if err != nil {
		s.respondPipelineErr(w, r, fmt.Errorf("list filters: %w", err))
		return
	}
	if len(filters) == 0 {
		respondErr(w, http.StatusNotFound, "no filters found for survey "+surveyID)
		return
	}
	respond(w, http.StatusOK, filters)
}

// refreshListings drops cached listings when the request asks for it. A
// failed invalidation is logged and the read goes ahead.
func (s *Server) refreshListings(r *http.Request, surveyIDs ...string) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	if !refresh {
		return
	}
	inv, ok := s.lister.(ListingInvalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(r.Context(), surveyIDs...); err != nil {
		s.logger.Warn("listing cache invalidation failed", "error", err)
	}
}
