package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"bulkflow/internal/campaign"
	"bulkflow/internal/domain"
	"bulkflow/internal/recovery"
	"bulkflow/internal/store"
)

// OwnerHeader carries the caller identity. Authentication happens upstream.
const OwnerHeader = "X-Owner-ID"

type ownerKey struct{}

type Server struct {
	r          *chi.Mux
	campaigns  *campaign.Service
	recipients store.Recipients
	sweeper    *recovery.Sweeper
	now        func() time.Time
}

func NewServer(campaigns *campaign.Service, recipients store.Recipients, sweeper *recovery.Sweeper) http.Handler {
	return NewServerWithDebug(campaigns, recipients, sweeper, false)
}

func NewServerWithDebug(campaigns *campaign.Service, recipients store.Recipients, sweeper *recovery.Sweeper, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, campaigns: campaigns, recipients: recipients, sweeper: sweeper, now: time.Now}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireOwner)

		r.Post("/campaigns", s.createCampaign)
		r.Get("/campaigns", s.listCampaigns)
		r.Get("/campaigns/{id}", s.getCampaign)
		r.Get("/campaigns/{id}/progress", s.progress)
		r.Post("/campaigns/{id}/pause", s.control(s.campaigns.Pause))
		r.Post("/campaigns/{id}/resume", s.control(s.campaigns.Resume))
		r.Post("/campaigns/{id}/cancel", s.control(s.campaigns.Cancel))
		r.Put("/campaigns/{id}/channels/{channelID}", s.setChannelLimit)

		r.Post("/lists", s.createList)
		r.Post("/lists/{id}/recipients", s.addRecipient)
		r.Post("/recipients/{id}/unsubscribe", s.unsubscribe)
		r.Delete("/recipients/{id}", s.removeRecipient)

		r.Post("/sweep", s.sweep)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			writeError(w, http.StatusUnauthorized, OwnerHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.campaigns.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "bulkflow_up 1")
	for _, st := range domain.Statuses {
		fmt.Fprintf(w, "bulkflow_campaigns{status=%q} %d\n", st, counts[st])
	}
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	in.OwnerID = ownerFrom(r)
	c, err := s.campaigns.Create(r.Context(), in)
	if err != nil && !errors.Is(err, campaign.ErrNotArmed) {
		s.fail(w, err)
		return
	}
	resp := createCampaignResp{Campaign: c}
	if err != nil {
		log.Warn().Err(err).Str("campaign_id", c.ID).Msg("campaign created without a job")
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

// createCampaignResp is the stored campaign plus a warning when it could not
// be scheduled yet.
type createCampaignResp struct {
	*domain.Campaign
	Warning string `json:"warning,omitempty"`
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	cs, err := s.campaigns.List(r.Context(), ownerFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if cs == nil {
		cs = []*domain.Campaign{}
	}
	writeJSON(w, 200, cs)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, c)
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	p, err := s.campaigns.Progress(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, p)
}

type controlFunc func(ctx context.Context, ownerID, id string) (*domain.Campaign, error)

func (s *Server) control(op controlFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := op(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, 200, c)
	}
}

type channelLimitReq struct {
	PerExecutionLimit int `json:"per_execution_limit"`
}

func (s *Server) setChannelLimit(w http.ResponseWriter, r *http.Request) {
	var req channelLimitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	c, err := s.campaigns.SetChannelLimit(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "channelID"), req.PerExecutionLimit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, c)
}

type createListReq struct {
	Name string `json:"name"`
}

type createResp struct {
	ID string `json:"id"`
}

func (s *Server) createList(w http.ResponseWriter, r *http.Request) {
	var req createListReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, 400, "name is required")
		return
	}
	id, err := s.recipients.CreateList(r.Context(), ownerFrom(r), req.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResp{ID: id})
}

type addRecipientReq struct {
	Email  string            `json:"email"`
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields"`
}

func (s *Server) addRecipient(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "id")
	if err := s.ownList(r, listID); err != nil {
		s.fail(w, err)
		return
	}
	var req addRecipientReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	rcpt, err := domain.NewRecipient(listID, req.Email, req.Name, req.Fields)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.recipients.AddRecipient(r.Context(), rcpt); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rcpt)
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.ownRecipient(r, id); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.recipients.Unsubscribe(r.Context(), id, s.now()); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeRecipient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.ownRecipient(r, id); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.recipients.RemoveRecipient(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ownRecipient(r *http.Request, id string) error {
	owner, err := s.recipients.RecipientOwner(r.Context(), id)
	if err != nil {
		return err
	}
	if owner != ownerFrom(r) {
		return &domain.AuthorizationError{OwnerID: ownerFrom(r), Resource: "recipient", ID: id}
	}
	return nil
}

func (s *Server) ownList(r *http.Request, listID string) error {
	owner, err := s.recipients.ListOwner(r.Context(), listID)
	if err != nil {
		return err
	}
	if owner != ownerFrom(r) {
		return &domain.AuthorizationError{OwnerID: ownerFrom(r), Resource: "list", ID: listID}
	}
	return nil
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	rep, err := s.sweeper.Sweep(r.Context(), ownerFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, rep)
}

type errorResp struct {
	Error  string              `json:"error"`
	Fields []domain.FieldError `json:"fields,omitempty"`
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	var (
		ve *domain.ValidationError
		ae *domain.AuthorizationError
		te *domain.InvalidTransitionError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, 400, errorResp{Error: err.Error(), Fields: ve.Fields})
	case errors.As(err, &ae):
		writeError(w, 403, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, 404, err.Error())
	case errors.As(err, &te):
		writeError(w, 409, err.Error())
	default:
		log.Error().Err(err).Msg("api request failed")
		writeError(w, 500, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResp{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
