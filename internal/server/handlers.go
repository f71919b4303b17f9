package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/substack-intel/internal/lock"
	"github.com/sells-group/substack-intel/internal/mailbox"
	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/pipeline"
	"github.com/sells-group/substack-intel/internal/session"
	"github.com/sells-group/substack-intel/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			zap.L().Warn("server: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type syncRequest struct {
	ForceRefresh *bool `json:"forceRefresh"`
	LookbackDays int   `json:"lookbackDays"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	var body syncRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := pipeline.RunRequest{
		UserID:       sess.UserID,
		Trigger:      model.TriggerManual,
		ForceRefresh: body.ForceRefresh == nil || *body.ForceRefresh,
	}
	if body.LookbackDays != 0 {
		req.LookbackDays = mailbox.ClampLookback(body.LookbackDays)
	}

	runID, done, err := s.deps.Pipeline.Start(s.baseCtx, req)
	switch {
	case errors.Is(err, lock.ErrLocked):
		writeError(w, http.StatusConflict, "pipeline already running")
		return
	case err != nil:
		zap.L().Error("server: start run", zap.String("user_id", sess.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start pipeline")
		return
	}

	s.background(func(context.Context) {
		res := <-done
		if res.Err != nil {
			zap.L().Warn("server: run ended with error", zap.String("run_id", runID), zap.Error(res.Err))
		}
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "accepted",
		"run_id":        runID,
		"force_refresh": req.ForceRefresh,
	})
}

func (s *Server) handleCronSync(w http.ResponseWriter, r *http.Request) {
	tok, ok := session.BearerToken(r)
	if s.deps.CronSecret == "" || !ok || !session.Equal(tok, s.deps.CronSecret) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	s.background(func(ctx context.Context) {
		sums, err := s.deps.Pipeline.RunAll(ctx, model.TriggerScheduled)
		if err != nil {
			zap.L().Error("server: cron run finished with errors", zap.Int("tenants", len(sums)), zap.Error(err))
			return
		}
		zap.L().Info("server: cron run finished", zap.Int("tenants", len(sums)))
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	p, err := s.deps.Pipeline.Status(r.Context(), sess.UserID)
	if err != nil {
		zap.L().Error("server: get status", zap.String("user_id", sess.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleEvents streams progress as server-sent events, starting with the
// current status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := s.deps.Events.Subscribe(sess.UserID)
	defer unsubscribe()

	current, err := s.deps.Pipeline.Status(r.Context(), sess.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, current); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case p, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, p); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, p model.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return err
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if err := s.deps.Pipeline.Unlock(r.Context(), sess.UserID); err != nil {
		zap.L().Error("server: unlock", zap.String("user_id", sess.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to unlock")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

func (s *Server) handleResetFailed(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	n, err := s.deps.Pipeline.ResetFailed(r.Context(), sess.UserID)
	if err != nil {
		zap.L().Error("server: reset failed emails", zap.String("user_id", sess.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset emails")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

func (s *Server) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	limit, err := queryInt(r, "limit", 50, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0, -1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	companies, err := s.deps.Companies.ListCompanies(r.Context(), store.CompanyFilter{
		UserID: sess.UserID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		zap.L().Error("server: list companies", zap.String("user_id", sess.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list companies")
		return
	}
	if companies == nil {
		companies = []model.Company{}
	}
	writeJSON(w, http.StatusOK, companies)
}

func (s *Server) handleListMentions(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid company id")
		return
	}

	company, err := s.deps.Companies.GetCompany(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && company.UserID != sess.UserID) {
		writeError(w, http.StatusNotFound, "company not found")
		return
	}
	if err != nil {
		zap.L().Error("server: get company", zap.Int64("company_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load company")
		return
	}

	mentions, err := s.deps.Companies.ListMentions(r.Context(), id)
	if err != nil {
		zap.L().Error("server: list mentions", zap.Int64("company_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list mentions")
		return
	}
	if mentions == nil {
		mentions = []model.Mention{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"company":  company,
		"mentions": mentions,
	})
}

// queryInt parses a non-negative integer query parameter. max < 0 means
// unbounded; larger values are capped to max.
func queryInt(r *http.Request, key string, def, max int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, eris.Errorf("invalid %s", key)
	}
	if max >= 0 && n > max {
		n = max
	}
	return n, nil
}
