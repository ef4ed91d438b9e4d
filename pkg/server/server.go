// Package server exposes the reading study over HTTP: login, the patient
// list, windowed slice images and verdict submission.
//
// Every logged-in browser session owns its own visualization.Viewer, so one
// reader switching patients never disturbs another reader's resident volume.
package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"readstudy/internal/models"
	"readstudy/pkg/study"
	"readstudy/pkg/visualization"
	"readstudy/pkg/volume"
)

const (
	sessionName = "readstudy"
	sessionKey  = "sid"

	// DefaultSessionTTL matches the session cookie lifetime.
	DefaultSessionTTL = 24 * time.Hour
)

// Config holds the collaborators of a Server.
type Config struct {
	Volumes        *volume.Store
	Study          *study.Store
	Auth           *study.Authenticator
	SessionSecret  string
	AllowedOrigins []string
	Logger         *slog.Logger

	// SessionTTL is how long a session may sit idle before its volume is
	// dropped; zero means DefaultSessionTTL.
	SessionTTL time.Duration

	now func() time.Time
}

// reader is one logged-in browser session.
type reader struct {
	inspector models.Inspector
	viewer    *visualization.Viewer
	lastSeen  time.Time
}

// Server is the HTTP front of the study.
type Server struct {
	volumes  *volume.Store
	study    *study.Store
	auth     *study.Authenticator
	cookies  *sessions.CookieStore
	origins  []string
	logger   *slog.Logger
	ttl      time.Duration
	now      func() time.Time
	mu       sync.Mutex
	sessions map[string]*reader
}

// New creates a server. An empty session secret is replaced by a random one,
// which invalidates sessions across restarts.
func New(cfg Config) (*Server, error) {
	if cfg.Volumes == nil || cfg.Study == nil || cfg.Auth == nil {
		return nil, errors.New("server: volumes, study and auth are required")
	}

	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}
	cookies := sessions.NewCookieStore(secret)
	cookies.Options.Path = "/"
	cookies.Options.HttpOnly = true
	cookies.Options.SameSite = http.SameSiteLaxMode
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	cookies.MaxAge(int(ttl / time.Second))

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}

	return &Server{
		volumes:  cfg.Volumes,
		study:    cfg.Study,
		auth:     cfg.Auth,
		cookies:  cookies,
		origins:  cfg.AllowedOrigins,
		logger:   logger,
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]*reader),
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		s.logRequests,
		middleware.Recoverer,
	)

	r.Get("/", s.handleRoot)
	r.Get("/api/window-presets", s.handlePresets)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Get("/status", s.handleStatus)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireReader)
		r.Get("/api/patients", s.handlePatients)
		r.Get("/api/patient/{patientID}/info", s.handlePatientInfo)
		r.Post("/api/patient/{patientID}/reload", s.handleReload)
		r.Post("/api/patient/slice", s.handleSlice)
		r.Get("/api/patient/{patientID}/slices/{index}", s.handleSlicePNG)
		r.Post("/api/analysis/submit", s.handleSubmit)
		r.Get("/api/analysis/patient/{patientID}", s.handlePatientResults)
	})

	if len(s.origins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(r)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", "addr", ln.Addr().String())

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		ticker := time.NewTicker(min(s.ttl, time.Minute))
		defer ticker.Stop()
		for {
			select {
			case <-egctx.Done():
				return nil
			case <-ticker.C:
				if n := s.PruneSessions(); n > 0 {
					s.logger.Info("expired idle sessions", "count", n)
				}
			}
		}
	})
	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// ActiveSessions reports how many readers are logged in.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// PruneSessions drops every session idle for longer than the TTL and
// unloads its volume. It returns how many were dropped.
func (s *Server) PruneSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, rd := range s.sessions {
		if now.Sub(rd.lastSeen) > s.ttl {
			rd.viewer.Close()
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, ins models.Inspector) error {
	sess, _ := s.cookies.Get(r, sessionName)

	s.mu.Lock()
	if old, ok := sess.Values[sessionKey].(string); ok {
		if rd, ok := s.sessions[old]; ok {
			rd.viewer.Close()
			delete(s.sessions, old)
		}
	}
	id := uuid.NewString()
	s.sessions[id] = &reader{
		inspector: ins,
		viewer:    visualization.NewViewer(s.volumes),
		lastSeen:  s.now(),
	}
	s.mu.Unlock()

	sess.Values[sessionKey] = id
	return sess.Save(r, w)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) error {
	sess, _ := s.cookies.Get(r, sessionName)
	if id, ok := sess.Values[sessionKey].(string); ok {
		s.mu.Lock()
		if rd, ok := s.sessions[id]; ok {
			rd.viewer.Close()
			delete(s.sessions, id)
		}
		s.mu.Unlock()
	}
	delete(sess.Values, sessionKey)
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}

func (s *Server) lookupReader(r *http.Request) *reader {
	sess, err := s.cookies.Get(r, sessionName)
	if err != nil {
		return nil
	}
	id, ok := sess.Values[sessionKey].(string)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, ok := s.sessions[id]
	if !ok {
		return nil
	}
	now := s.now()
	if now.Sub(rd.lastSeen) > s.ttl {
		rd.viewer.Close()
		delete(s.sessions, id)
		return nil
	}
	rd.lastSeen = now
	return rd
}

type readerKey struct{}

func (s *Server) requireReader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rd := s.lookupReader(r)
		if rd == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), readerKey{}, rd)))
	})
}

func readerFrom(ctx context.Context) *reader {
	rd, _ := ctx.Value(readerKey{}).(*reader)
	return rd
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
