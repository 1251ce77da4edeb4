package api

import (
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"product-importer/internal/config"
	"product-importer/internal/filestore"
	"product-importer/internal/queue"
	"product-importer/internal/ratelimit"
	"product-importer/internal/status"
	"product-importer/internal/store"
	"product-importer/internal/telemetry"
)

// Server wires HTTP handlers for the product and import API.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.ImportQueue
	status  *status.Store
	limiter *ratelimit.TokenBucket
	objects *filestore.S3Store // nil when uploads stay on local disk
	local   *filestore.Local
}

// New constructs the API server. objects may be nil, in which case uploads
// are spooled to local disk and the worker must share the filesystem.
func New(cfg config.Config, st *store.Store, q *queue.ImportQueue, js *status.Store, limiter *ratelimit.TokenBucket, objects *filestore.S3Store) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		status:  js,
		limiter: limiter,
		objects: objects,
		local:   filestore.NewLocal(cfg.UploadDir),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/products", func(r chi.Router) {
		r.Post("/", s.handleCreateProduct)
		r.Get("/", s.handleListProducts)
		r.Delete("/all", s.handleDeleteAllProducts)
		r.Get("/{id}", s.handleGetProduct)
		r.Put("/{id}", s.handleUpdateProduct)
		r.Delete("/{id}", s.handleDeleteProduct)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", s.handleCreateWebhook)
		r.Get("/", s.handleListWebhooks)
		r.Get("/{id}", s.handleGetWebhook)
		r.Delete("/{id}", s.handleDeleteWebhook)
	})

	r.Route("/upload", func(r chi.Router) {
		r.Post("/csv", s.handleUploadCSV)
		r.Post("/csv/init", s.handleInitUpload)
		r.Post("/csv/complete", s.handleCompleteUpload)
		r.Get("/progress/{jobID}", s.handleProgress)
	})

	// Static upload UI.
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(s.cfg.StaticDir))))
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(s.cfg.StaticDir, "index.html"))
	})

	return r
}

// allowUpload consumes a rate-limit token for the caller; returns false
// after writing the 429 response.
func (s *Server) allowUpload(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, err := s.limiter.Allow(r.Context(), "rl:upload:"+clientIP(r))
	if err != nil {
		// A broken limiter should not take the upload path down with it.
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
