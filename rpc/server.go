package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"blockclear/native/auction"
	"blockclear/native/ledger"
	"blockclear/native/settle"
)

// Error codes in the JSON error envelope.
const (
	codeInvalidParams = -32602
	codeUnauthorized  = -32001
	codeConflict      = -32002
	codeForbidden     = -32003
	codeServerError   = -32000
)

// DeliveryQueue persists a notification whose synchronous delivery failed so
// the dispatch worker can redeliver it later.
type DeliveryQueue interface {
	Enqueue(n auction.Notification) (string, error)
}

// Server exposes the settlement engine over HTTP.
type Server struct {
	engine     *auction.Engine
	router     *settle.Router
	ledger     *ledger.Ledger
	queue      DeliveryQueue
	log        *slog.Logger
	authSecret []byte
	limiter    *rate.Limiter
}

// NewServer wires the HTTP surface. authSecret may be empty to disable
// bearer-token auth; rps of zero disables rate limiting.
func NewServer(engine *auction.Engine, router *settle.Router, led *ledger.Ledger, log *slog.Logger, authSecret string, rps float64) *Server {
	s := &Server{
		engine: engine,
		router: router,
		ledger: led,
		log:    log,
	}
	if secret := strings.TrimSpace(authSecret); secret != "" {
		s.authSecret = []byte(secret)
	}
	if rps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// SetQueue configures the outbox used to park a deferred notification whose
// synchronous delivery failed.
func (s *Server) SetQueue(q DeliveryQueue) { s.queue = q }

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.throttle)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/quote", s.handleQuote)
		r.Get("/dispositions/{hash}", s.handleDisposition)
		r.Post("/dispositions", s.handleDispositionBatch)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/fill", s.handleFill)
			r.Post("/claim-fill", s.handleClaimFill)
			r.Post("/cancel", s.handleCancel)
			r.Post("/notify", s.handleDeferredNotify)
			r.Post("/settle", s.handleSettle)
		})
	})
	return r
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, codeServerError, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate enforces HS256 bearer tokens on mutating endpoints when a
// secret is configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.authSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "bearer token required")
			return
		}
		parsed, err := jwt.Parse(strings.TrimSpace(token), func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.authSecret, nil
		})
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, map[string]errorEnvelope{"error": {Code: code, Message: message}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, "malformed request body: "+err.Error())
		return false
	}
	return true
}
