package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"perp-riskgate/capital"
	"perp-riskgate/infrastructure/logger"
	"perp-riskgate/internal/engine"
	"perp-riskgate/order"
	"perp-riskgate/risk"
)

// Engine 由 engine.ExecutionEngine 实现。
type Engine interface {
	PlaceOrder(ctx context.Context, req order.Request) (*order.Order, error)
	Settle(orderID string, outcome order.Status) (order.Order, error)
	ClosePosition(orderID string) (order.Order, error)
	OpenOrders() []order.Order
	Stats() engine.Statistics
}

// CapitalView 由 capital.Orchestrator 实现。
type CapitalView interface {
	Snapshot() []capital.ExchangeSnapshot
}

// Deps 管理接口依赖
type Deps struct {
	Engine     Engine
	KillSwitch *risk.KillSwitch
	Capital    CapitalView
	Metrics    http.Handler // 为空则不挂载 /metrics
	Health     func() error
	Logger     *logger.Logger
}

// Server 运维/下单管理 HTTP 接口。
type Server struct {
	router *mux.Router
	deps   Deps
	log    *logger.Logger
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func New(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{router: mux.NewRouter(), deps: d, log: log.Named("admin")}
	s.setupRoutes()
	return s
}

// Handler 返回根路由
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/killswitch", s.killSwitchStatus).Methods(http.MethodGet)
	api.HandleFunc("/killswitch/activate", s.activate).Methods(http.MethodPost)
	api.HandleFunc("/killswitch/deactivate", s.deactivate).Methods(http.MethodPost)
	api.HandleFunc("/capital", s.capital).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	api.HandleFunc("/orders", s.openOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders", s.placeOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/settle", s.settle).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/close", s.closePosition).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		s.log.Debug("admin request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.statusCode),
			zap.Duration("duration", time.Since(start)))
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"kill_switch": s.deps.KillSwitch.IsActive(),
	})
}

type switchView struct {
	State            string             `json:"state"`
	Reason           string             `json:"reason,omitempty"`
	Details          map[string]float64 `json:"details,omitempty"`
	LastChangeReason string             `json:"lastChangeReason,omitempty"`
	ChangedAt        *time.Time         `json:"changedAt,omitempty"`
}

func viewOf(st risk.SwitchStatus) switchView {
	v := switchView{
		State:            st.State.String(),
		Reason:           st.Reason,
		Details:          st.Details,
		LastChangeReason: st.LastChangeReason,
	}
	if !st.ChangedAt.IsZero() {
		t := st.ChangedAt
		v.ChangedAt = &t
	}
	return v
}

func (s *Server) killSwitchStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(s.deps.KillSwitch.Status()))
}

type switchRequest struct {
	Reason  string             `json:"reason"`
	Details map[string]float64 `json:"details"`
}

func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if !decode(w, r, &req) {
		return
	}
	changed, err := s.deps.KillSwitch.Activate(req.Reason, req.Details)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changed": changed, "status": viewOf(s.deps.KillSwitch.Status())})
}

func (s *Server) deactivate(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if !decode(w, r, &req) {
		return
	}
	changed, err := s.deps.KillSwitch.Deactivate(req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changed": changed, "status": viewOf(s.deps.KillSwitch.Status())})
}

func (s *Server) capital(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Capital.Snapshot())
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.Stats())
}

func (s *Server) openOrders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.OpenOrders())
}

type rejectView struct {
	Error     string   `json:"error"`
	Category  string   `json:"category"`
	Reasons   []string `json:"reasons,omitempty"`
	Retryable bool     `json:"retryable"`
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req order.Request
	if !decode(w, r, &req) {
		return
	}
	o, err := s.deps.Engine.PlaceOrder(r.Context(), req)
	if err != nil {
		re, ok := engine.AsReject(err)
		if !ok {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, statusFor(re.Category), rejectView{
			Error:     re.Error(),
			Category:  string(re.Category),
			Reasons:   re.Reasons,
			Retryable: re.Retryable(),
		})
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

type settleRequest struct {
	Outcome order.Status `json:"outcome"`
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := s.deps.Engine.Settle(mux.Vars(r)["id"], req.Outcome)
	s.writeOrderResult(w, o, err)
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Engine.ClosePosition(mux.Vars(r)["id"])
	s.writeOrderResult(w, o, err)
}

func (s *Server) writeOrderResult(w http.ResponseWriter, o order.Order, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownOrder):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeJSON(w, http.StatusOK, o)
	}
}

func statusFor(c engine.Category) int {
	switch c {
	case engine.CategoryKillSwitch:
		return http.StatusServiceUnavailable
	case engine.CategoryRiskCheck:
		return http.StatusUnprocessableEntity
	case engine.CategoryCapital:
		return http.StatusConflict
	case engine.CategoryCollaborator:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
