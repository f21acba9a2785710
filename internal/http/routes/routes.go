package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/evagent/agent"
	"github.com/briangreenhill/evagent/cache"
	"github.com/briangreenhill/evagent/internal/config"
	appmw "github.com/briangreenhill/evagent/internal/http/middleware"
	"github.com/briangreenhill/evagent/internal/jobs"
)

type Server struct {
	Router   *chi.Mux
	Agent    *agent.Container
	Network  agent.Fetcher // used for paths outside the registration's scope
	Checker  *jobs.Checker
	Upstream *url.URL
	Scope    string
	Log      zerolog.Logger
}

type ServerOptions struct {
	Agent   *agent.Container
	Network agent.Fetcher
	Checker *jobs.Checker
	Cfg     *config.Config
	Logger  zerolog.Logger
}

// CacheInfo is one row of GET /_agent/caches
type CacheInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

func New(opts ServerOptions) (*Server, error) {
	upstream, err := opts.Cfg.UpstreamURL()
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:   r,
		Agent:    opts.Agent,
		Network:  opts.Network,
		Checker:  opts.Checker,
		Upstream: upstream,
		Scope:    opts.Cfg.Scope,
		Log:      opts.Logger,
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})

	r.Route("/_agent", func(ar chi.Router) {
		ar.Get("/registration", s.handleRegistration)
		ar.Get("/caches", s.handleCaches)

		ar.Group(func(pr chi.Router) {
			pr.Use(appmw.RequireToken(opts.Cfg.AdminToken))
			pr.Post("/skip-waiting", s.handleSkipWaiting)
			pr.Post("/update", s.handleUpdate)
			pr.Delete("/registration", s.handleUnregister)
		})
	})

	r.Handle("/*", http.HandlerFunc(s.handleProxy))

	return s, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, r, status, map[string]string{"error": msg})
}

func (s *Server) registration(w http.ResponseWriter, r *http.Request) (*agent.Registration, bool) {
	reg, ok := s.Agent.Registration(s.Scope)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "not registered")
	}
	return reg, ok
}

func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registration(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, r, http.StatusOK, reg.Info())
}

func (s *Server) handleSkipWaiting(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registration(w, r)
	if !ok {
		return
	}
	if err := reg.SkipWaiting(r.Context()); err != nil {
		if errors.Is(err, agent.ErrNoWaiting) {
			s.writeError(w, r, http.StatusConflict, err.Error())
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("skip waiting")
		s.writeError(w, r, http.StatusInternalServerError, "skip waiting failed")
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	reg, err := s.Checker.Check(r.Context())
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("update check failed")
		s.writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, reg.Info())
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if !s.Agent.Unregister(s.Scope) {
		s.writeError(w, r, http.StatusNotFound, "not registered")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCaches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storage := s.Agent.Storage()
	names, err := storage.Names(ctx)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list caches")
		s.writeError(w, r, http.StatusInternalServerError, "could not list caches")
		return
	}

	out := make([]CacheInfo, 0, len(names))
	for _, name := range names {
		store, err := storage.Lookup(ctx, name)
		if errors.Is(err, cache.ErrNotFound) {
			// deleted since Names
			continue
		}
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("cache", name).Msg("open cache")
			s.writeError(w, r, http.StatusInternalServerError, "could not open cache")
			return
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("cache", name).Msg("list cache keys")
			s.writeError(w, r, http.StatusInternalServerError, "could not list cache keys")
			return
		}
		out = append(out, CacheInfo{Name: name, Entries: len(keys)})
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// handleProxy forwards every other request to the upstream origin, through
// the agent when the path falls inside the registration's scope.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	target := s.Upstream.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad request")
		return
	}
	out.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.ContentLength = r.ContentLength

	resp, err := s.fetch(out)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("target", target.String()).Msg("upstream unavailable")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			hlog.FromRequest(r).Debug().Err(err).Msg("close upstream body")
		}
	}()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("copy response body")
	}
}

func (s *Server) fetch(req *http.Request) (*http.Response, error) {
	if reg, ok := s.Agent.Registration(s.Scope); ok && inScope(reg.Scope(), req.URL.Path) {
		return reg.Fetch(req.Context(), req)
	}
	return s.Network.Do(req)
}

func inScope(scope, path string) bool {
	if scope == "/" {
		return true
	}
	return path == strings.TrimSuffix(scope, "/") || strings.HasPrefix(path, strings.TrimSuffix(scope, "/")+"/")
}
