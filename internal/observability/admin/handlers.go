package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"stalewatch/internal/querycache"
	logx "stalewatch/pkg/logx"
)

type entryView struct {
	Key         string `json:"key"`
	Bytes       int    `json:"bytes"`
	UpdatedAtMS *int64 `json:"updated_at_ms,omitempty"`
	TTL         string `json:"ttl,omitempty"`
	Stale       bool   `json:"stale"`
	StaleIn     string `json:"stale_in,omitempty"`
	Scheduled   bool   `json:"scheduled"`
	Fetches     uint64 `json:"fetches"`
	LastError   string `json:"last_error,omitempty"`
}

func viewOf(s querycache.Snapshot) entryView {
	v := entryView{
		Key:       s.Key,
		Bytes:     len(s.Value),
		Stale:     s.Stale,
		Scheduled: s.Scheduled,
		Fetches:   s.Fetches,
		LastError: s.LastError,
	}
	if s.UpdatedAt != nil {
		ms := int64(*s.UpdatedAt)
		v.UpdatedAtMS = &ms
	}
	if s.TTL != nil {
		v.TTL = s.TTL.String()
	}
	if s.HasDeadline && !s.Stale {
		v.StaleIn = s.StaleIn.Round(time.Millisecond).String()
	}
	return v
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("admin write failed", logx.Err(err))
	}
}

func (s *Service) writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, querycache.ErrUnknownKey):
		code = http.StatusNotFound
	case errors.Is(err, querycache.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{}
	if s.refr != nil {
		out["refresher"] = s.refr.Stats()
	}
	if s.status != nil {
		out["runtime"] = s.status()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.cache.List(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	views := make([]entryView, 0, len(snaps))
	for _, sn := range snaps {
		views = append(views, viewOf(sn))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cache.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if r.URL.Query().Get("raw") != "" {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(snap.Value)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(snap))
}

func (s *Service) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.cache.Invalidate(r.Context(), key); err != nil {
		s.writeErr(w, err)
		return
	}
	s.log.Info("entry invalidated via admin", logx.Key(key))
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key, "result": "invalidated"})
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if s.refr == nil || !s.refr.Trigger(key) {
		s.writeJSON(w, http.StatusConflict, map[string]string{"key": key, "result": "not queued"})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"key": key, "result": "queued"})
}
