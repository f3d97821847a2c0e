package statement

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UserHeader carries the caller's user ID, set by the fronting gateway
const UserHeader = "X-User-ID"

// DefaultMaxUploadBytes bounds one upload request
const DefaultMaxUploadBytes = 32 << 20

// Server handles HTTP requests for statements
type Server struct {
	service *Service
	options ServerOptions
	mux     *http.ServeMux
	http    *http.Server
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// ServerOptions configures a Server
type ServerOptions struct {
	BasicAuth BasicAuth

	// DefaultUser is used when a request has no X-User-ID header
	DefaultUser string

	// MaxUploadBytes bounds the multipart body of an upload
	MaxUploadBytes int64
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, options ServerOptions) *Server {
	return NewServerWithMux(service, options, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, options ServerOptions, mux *http.ServeMux) *Server {
	if options.MaxUploadBytes <= 0 {
		options.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &Server{
		service: service,
		options: options,
		mux:     mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	auth := s.options.BasicAuth
	if auth.Username == "" && auth.Password == "" {
		return true // No auth required if not configured
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(auth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(auth.Password)) == 1
	return userOK && passOK
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Statement Tracker"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// corsMiddleware adds CORS headers and answers preflight requests
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// userID returns the caller, falling back to the configured default user
func (s *Server) userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(UserHeader)); id != "" {
		return id
	}
	return s.options.DefaultUser
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/statements/status", s.requireAuth(s.handleStatuses))
	s.mux.HandleFunc("POST /api/statements/{id}/reprocess", s.requireAuth(s.handleReprocess))
	s.mux.HandleFunc("GET /api/statements/{id}", s.requireAuth(s.handleGetStatement))
	s.mux.HandleFunc("DELETE /api/statements/{id}", s.requireAuth(s.handleDeleteStatement))
	s.mux.HandleFunc("GET /api/statements", s.requireAuth(s.handleListStatements))
	s.mux.HandleFunc("POST /api/statements", s.requireAuth(s.handleUpload))
	s.mux.HandleFunc("GET /api/cards", s.requireAuth(s.handleListCards))

	s.mux.Handle("GET /metrics", s.requireAuth(promhttp.Handler().ServeHTTP))
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Starting server", "address", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corsMiddleware(s.mux).ServeHTTP(w, r)
}
