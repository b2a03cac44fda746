package expense

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

// FileStore is the serving side of signed blob URLs, implemented by
// LocalStorage.
type FileStore interface {
	Get(path string) ([]byte, error)
	VerifySignedPath(path, exp, sig string) bool
}

// Server handles HTTP requests for the expense API.
type Server struct {
	service  *Service
	db       DB
	files    FileStore
	validate *validator.Validate
	maxBytes int64
	router   chi.Router
}

// NewServer creates a new Server. maxBytes caps multipart uploads and should
// match the normalizer's limit.
func NewServer(service *Service, db DB, files FileStore, maxBytes int64) *Server {
	s := &Server{
		service:  service,
		db:       db,
		files:    files,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		maxBytes: maxBytes,
		router:   chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

type contextKey string

const actorKey contextKey = "actor"

// actorFrom returns the authenticated user stored on the request context.
func actorFrom(r *http.Request) *User {
	actor, _ := r.Context().Value(actorKey).(*User)
	return actor
}

// requireAuth resolves basic auth credentials against the user directory and
// attaches the actor to the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="expensetrack"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		user, err := s.db.GetUserByUsername(username)
		if err != nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="expensetrack"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, user)))
	})
}

// cors adds permissive CORS headers and answers preflight requests.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors)

	// Signed download URLs carry their own authorization.
	s.router.Get("/files/*", s.handleGetFile)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/api/receipts", func(r chi.Router) {
			r.Get("/", s.handleListReceipts)
			r.Post("/upload", s.handleUploadReceipt)
			r.Post("/extract", s.handleExtractReceipt)
			r.Get("/{id}", s.handleGetReceipt)
			r.Patch("/{id}", s.handleEditReceipt)
			r.Delete("/{id}", s.handleDeleteReceipt)
		})

		r.Route("/api/expense-reports", func(r chi.Router) {
			r.Get("/", s.handleListReports)
			r.Post("/", s.handleCreateReport)
			r.Get("/{id}", s.handleGetReport)
			r.Patch("/{id}", s.handleUpdateReport)
			r.Delete("/{id}", s.handleDeleteReport)
			r.Post("/{id}/submit", s.handleSubmitReport)
			r.Post("/{id}/receipts/{receiptID}", s.handleAddReceiptToReport)
			r.Delete("/{id}/receipts/{receiptID}", s.handleRemoveReceiptFromReport)
		})

		r.Get("/api/categories", s.handleListCategories)
		r.Get("/api/departments", s.handleListDepartments)
	})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrStillProcessing):
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.router)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
