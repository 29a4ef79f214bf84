// Package httpserver exposes the control plane's read surface (health,
// status, ledger, metrics) and the JWT-guarded ops endpoints.
package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/releasegate/releasegate/internal/canary"
	"github.com/releasegate/releasegate/internal/config"
	"github.com/releasegate/releasegate/internal/gate"
	"github.com/releasegate/releasegate/internal/ledger"
	"github.com/releasegate/releasegate/internal/obsmetrics"
	"github.com/releasegate/releasegate/internal/orchestrator"
)

// Server carries the handler dependencies.
type Server struct {
	cfg          config.Config
	store        *ledger.FileStore
	evaluator    *gate.Evaluator
	canaryGate   *canary.Gate
	orchestrator *orchestrator.Orchestrator
	obs          *obsmetrics.Exporter
}

// New constructs a server.
func New(cfg config.Config, store *ledger.FileStore, evaluator *gate.Evaluator,
	canaryGate *canary.Gate, orch *orchestrator.Orchestrator, obs *obsmetrics.Exporter) *Server {
	return &Server{
		cfg:          cfg,
		store:        store,
		evaluator:    evaluator,
		canaryGate:   canaryGate,
		orchestrator: orch,
		obs:          obs,
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/ledger/records", s.handleLedgerRecords)
	if s.obs != nil {
		r.Handle("/metrics", s.obs.Handler())
	}

	r.Route("/ops", func(r chi.Router) {
		r.Use(s.writeAuth)
		r.Post("/cycle", s.handleRunCycle)
		r.Post("/canonicalize", s.handleCanonicalize)
		r.Post("/canary/restart", s.handleCanaryRestart)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if _, err := s.store.Records(); err != nil {
		status["ok"] = false
		status["ledger"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	level, streak := s.evaluator.Streak()
	payload := map[string]interface{}{
		"gateLevel":   level,
		"gateStreak":  streak,
		"canaryState": s.canaryGate.State(),
	}
	if stats, err := ledger.LoadStats(s.store.CanonicalPath()); err == nil {
		payload["canonicalization"] = stats
	}
	if last, err := s.store.LastRecord(false); err == nil {
		payload["lastRecord"] = last
	}
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleLedgerRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.Records()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"records": records,
	})
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	res, err := s.orchestrator.RunCycle(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCanonicalize(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Canonicalize(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type canaryRestartRequest struct {
	Revision string `json:"revision"`
}

func (s *Server) handleCanaryRestart(w http.ResponseWriter, r *http.Request) {
	var req canaryRestartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.canaryGate.Restart(req.Revision)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"canaryState": s.canaryGate.State(),
		"revision":    req.Revision,
	})
}

// writeAuth guards the mutating ops endpoints: a bearer JWT signed with the
// shared ops secret, or the debug token in development.
func (s *Server) writeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AllowDebugToken {
			if token := r.Header.Get("X-Debug-Token"); token != "" && token == s.cfg.DebugToken {
				next.ServeHTTP(w, r)
				return
			}
			respondError(w, http.StatusUnauthorized, "debug token required")
			return
		}
		if s.cfg.OpsJWTSecret == "" {
			respondError(w, http.StatusUnauthorized, "ops auth not configured")
			return
		}
		raw := bearerToken(r)
		if raw == "" {
			respondError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.OpsJWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
