// Package httpapi serves the coordination store over HTTP: a JSON REST API, an SSE
// event stream and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ankittk/taskcoord/internal/coord"
	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/internal/store"
	"github.com/ankittk/taskcoord/pkg/models"
)

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Addr           string
	Store          store.Store   // required
	LockTimeout    time.Duration // per-agent lock wait; coord.DefaultLockTimeout when zero
	APIKey         string        // if set, require X-API-Key header or query api_key
	RateLimit      RateLimitConfig
	MaxBodyBytes   int64        // defaults to models.DefaultMaxRequestBodyBytes
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
	Logger         *slog.Logger
	Publishers     []coord.EventPublisher // receive committed events alongside the SSE hub
}

// App holds the HTTP server, SSE hub and the coordination service it exposes.
type App struct {
	Server  *http.Server
	Hub     *SSEHub
	Service *coord.Service
}

// NewApp creates the coordination service over opts.Store and registers all routes.
// The store is closed when the server shuts down.
func NewApp(opts ServerOptions) (*App, error) {
	if opts.Store == nil {
		return nil, errors.New("httpapi: store is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	hub := NewSSEHub()
	var pub coord.EventPublisher = hub
	if len(opts.Publishers) > 0 {
		pub = append(coord.Publishers{hub}, opts.Publishers...)
	}
	svcOpts := []coord.Option{coord.WithPublisher(pub), coord.WithLogger(log)}
	if opts.LockTimeout > 0 {
		svcOpts = append(svcOpts, coord.WithLockTimeout(opts.LockTimeout))
	}
	svc := coord.New(opts.Store, svcOpts...)

	h := &handlers{svc: svc, retryAfter: retryAfter(svc.LockTimeout())}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("GET /metrics", h.plainMetrics)
	}
	mux.HandleFunc("GET /stream", hub.Handler())

	mux.HandleFunc("GET /agents", h.listAgents)
	mux.HandleFunc("POST /agents", h.createAgent)
	mux.HandleFunc("GET /agents/{agent}/outbox", h.getOutbox)
	mux.HandleFunc("GET /agents/{agent}/validate", h.validateOutbox)
	mux.HandleFunc("GET /agents/{agent}/tasks", h.listTasks)
	mux.HandleFunc("POST /agents/{agent}/tasks", h.createTask)
	mux.HandleFunc("GET /agents/{agent}/tasks/{task}", h.getTask)
	mux.HandleFunc("PATCH /agents/{agent}/tasks/{task}", h.updateTask)
	mux.HandleFunc("POST /agents/{agent}/tasks/{task}/transition", h.transitionTask)
	mux.HandleFunc("POST /agents/{agent}/tasks/{task}/promote", h.promoteTask)
	mux.HandleFunc("POST /agents/{agent}/tasks/{task}/review", h.reviewTask)
	mux.HandleFunc("GET /agents/{agent}/tasks/{task}/dependencies", h.taskDependencies)
	mux.HandleFunc("GET /progress", h.sprintProgress)

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = models.DefaultMaxRequestBodyBytes
	}
	var handler http.Handler = mux
	handler = bodyLimitMiddleware(maxBody, handler)
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = rateLimitMiddleware(opts.RateLimit, handler)
	handler = requestLogMiddleware(log, handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "taskcoord")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		hub.Close()
		_ = opts.Store.Close()
	})
	return &App{Server: srv, Hub: hub, Service: svc}, nil
}

// retryAfter is the Retry-After value, in whole seconds, sent with 423 responses.
func retryAfter(lockTimeout time.Duration) string {
	secs := int(lockTimeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind string) int {
	switch kind {
	case outbox.KindValidation:
		return http.StatusBadRequest
	case outbox.KindNotFound:
		return http.StatusNotFound
	case outbox.KindDuplicate, outbox.KindInvalidTransition:
		return http.StatusConflict
	case outbox.KindPrecondition:
		return http.StatusPreconditionFailed
	case outbox.KindLockTimeout:
		return http.StatusLocked
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]any{"error": message})
}

// writeDomainError sends the classified form of err.
func (h *handlers) writeDomainError(w http.ResponseWriter, err error) {
	d := outbox.Describe(err)
	code := statusFor(d.Kind)
	if d.Kind == "" {
		d.Kind = "internal"
	}
	if code == http.StatusLocked {
		w.Header().Set("Retry-After", h.retryAfter)
	}
	writeJSONStatus(w, code, d)
}

// decodeBody decodes the JSON request body into v, writing the error response itself.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}
