package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"kasirinaja/pos/internal/cart"
	"kasirinaja/pos/internal/checkout"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/metrics"
	"kasirinaja/pos/internal/parked"
	"kasirinaja/pos/internal/payment"
	"kasirinaja/pos/internal/service"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	logger        *zap.Logger
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	health        func(context.Context) error
}

type Option func(*API)

func WithLogger(logger *zap.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records per-route request counters on m and serves gatherer
// on /metrics.
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(a *API) {
		if m != nil {
			a.metrics = m
		}
		a.gatherer = gatherer
	}
}

// WithHealthCheck makes /healthz report 503 while check fails.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(a *API) {
		a.health = check
	}
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, opts ...Option) *API {
	a := &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		logger:        zap.NewNop(),
		metrics:       metrics.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.instrument)
	r.Use(middleware.Recoverer)
	r.Use(a.withSecurityHeaders)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(a.gatherer))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireAuth(domain.RoleCashier, domain.RoleAdmin))

		r.Get("/units", a.handleUnits)

		r.Route("/terminals/{terminalID}", func(r chi.Router) {
			r.Get("/cart", a.handleGetCart)
			r.Delete("/cart", a.handleClearCart)
			r.Post("/cart/lines", a.handleAddLine)
			r.Patch("/cart/lines/{lineID}", a.handleSetQuantity)
			r.Delete("/cart/lines/{lineID}", a.handleRemoveLine)
			r.Post("/payments/validate", a.handleValidatePayment)
			r.Post("/checkout", a.handleCheckout)
			r.Post("/park", a.handlePark)
		})

		r.Get("/parked", a.handleListParked)
		r.Post("/parked/{parkedID}/resume", a.handleResume)
		r.Delete("/parked/{parkedID}", a.handleDiscardParked)

		r.Get("/sales/{saleID}", a.handleGetSale)
		r.Get("/sales/{saleID}/receipt", a.handleReceipt)
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				a.writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records the matched route pattern, not the raw path, so ids in
// the URL do not blow up label cardinality.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		elapsed := time.Since(startedAt)

		a.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		a.metrics.HTTPLatencyMS.WithLabelValues(route).Observe(float64(elapsed.Milliseconds()))
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			a.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleUnits(w http.ResponseWriter, r *http.Request) {
	units, err := a.service.ListUnits(r.Context())
	if err != nil {
		a.writeServiceError(w, err, nil)
		return
	}
	if units == nil {
		units = []domain.SellableUnit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": units})
}

func (a *API) handleGetCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.Cart(r.Context(), chi.URLParam(r, "terminalID"))
	if err != nil {
		a.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.ClearCart(r.Context(), chi.URLParam(r, "terminalID"))
	if err != nil {
		a.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type addLineRequest struct {
	UnitID string `json:"unit_id"`
}

func (a *API) handleAddLine(w http.ResponseWriter, r *http.Request) {
	var req addLineRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.UnitID) == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("unit_id is required"))
		return
	}

	view, line, err := a.service.AddItem(r.Context(), chi.URLParam(r, "terminalID"), req.UnitID)
	if err != nil {
		a.writeServiceError(w, err, map[string]any{"cart": view})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cart": view, "line": line})
}

type setQuantityRequest struct {
	Quantity *int `json:"quantity"`
}

func (a *API) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	var req setQuantityRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Quantity == nil {
		a.writeError(w, http.StatusBadRequest, errors.New("quantity is required"))
		return
	}
	if *req.Quantity < 0 {
		a.writeError(w, http.StatusBadRequest, errors.New("quantity must not be negative"))
		return
	}

	view, err := a.service.SetQuantity(r.Context(), chi.URLParam(r, "terminalID"), chi.URLParam(r, "lineID"), *req.Quantity)
	if err != nil {
		a.writeServiceError(w, err, map[string]any{"cart": view})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RemoveLine(r.Context(), chi.URLParam(r, "terminalID"), chi.URLParam(r, "lineID"))
	if err != nil {
		a.writeServiceError(w, err, map[string]any{"cart": view})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleValidatePayment(w http.ResponseWriter, r *http.Request) {
	var req service.PaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	quote, err := a.service.ValidatePayment(r.Context(), chi.URLParam(r, "terminalID"), req)
	if err != nil {
		a.writeServiceError(w, err, map[string]any{"quote": quote})
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// handleCheckout answers 201 for a new sale and 200 when the idempotency key
// replays an earlier one.
func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req service.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		req.IdempotencyKey = key
	}

	res, err := a.service.Checkout(r.Context(), chi.URLParam(r, "terminalID"), req)
	if err != nil {
		a.writeServiceError(w, err, nil)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (a *API) handlePark(w http.ResponseWriter, r *http.Request) {
	var req service.ParkRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	saved, err := a.service.Park(r.Context(), chi.URLParam(r, "terminalID"), req)
	if err != nil {
		a.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (a *API) handleListParked(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	items, err := a.service.ListParked(r.Context(), strings.TrimSpace(query.Get("store_id")), strings.TrimSpace(query.Get("terminal_id")))
	if err != nil {
		a.writeServiceError(w, err, nil)
		return
	}
	if items == nil {
		items = []domain.ParkedCart{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type resumeRequest struct {
	TerminalID string `json:"terminal_id"`
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	view, meta, err := a.service.Resume(r.Context(), req.TerminalID, chi.URLParam(r, "parkedID"))
	if err != nil {
		a.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cart": view, "parked": meta})
}

func (a *API) handleDiscardParked(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DiscardParked(r.Context(), chi.URLParam(r, "parkedID")); err != nil {
		a.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		a.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleReceipt(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.Receipt(r.Context(), chi.URLParam(r, "saleID"), r.URL.Query().Get("format"))
	if err != nil {
		a.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrTerminalRequired),
		errors.Is(err, service.ErrUnknownFormat),
		errors.Is(err, parked.ErrNothingToPark),
		errors.Is(err, parked.ErrMissingID):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrCartNotEmpty),
		errors.Is(err, cart.ErrExceedsStock),
		errors.Is(err, cart.ErrUnavailable):
		return http.StatusConflict
	}

	switch checkout.Classify(err) {
	case checkout.KindValidation:
		return http.StatusBadRequest
	case checkout.KindStock, checkout.KindConflict:
		return http.StatusConflict
	case checkout.KindNotFound:
		return http.StatusNotFound
	case checkout.KindCommit:
		return http.StatusBadGateway
	case checkout.KindCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError adds the structured detail of typed errors to the body;
// extra is merged in for 4xx responses only.
func (a *API) writeServiceError(w http.ResponseWriter, err error, extra map[string]any) {
	status := statusFor(err)
	kind := checkout.Classify(err)

	if kind == checkout.KindCommit {
		a.logger.Error("commit failed", zap.Int("status", status), zap.Error(err))
		body := map[string]any{
			"error":     checkout.ErrCommitFailed.Error(),
			"kind":      kind.String(),
			"retryable": true,
		}
		var commitErr *checkout.CommitFailedError
		if errors.As(err, &commitErr) {
			body["stock_touched"] = commitErr.StockTouched()
		}
		writeJSON(w, status, body)
		return
	}
	if status >= 500 {
		a.writeError(w, status, err)
		return
	}

	body := map[string]any{
		"error": err.Error(),
		"kind":  kind.String(),
	}
	var mismatch *payment.AmountMismatchError
	if errors.As(err, &mismatch) {
		body["remaining"] = mismatch.Remaining
	}
	var limit *cart.StockLimitError
	if errors.As(err, &limit) {
		body["line_id"] = limit.LineID
		body["available"] = limit.Available
	}
	var short *checkout.InsufficientStockError
	if errors.As(err, &short) {
		body["line_id"] = short.Line.ID
		body["sku"] = short.Line.SKU
	}
	var gone *checkout.UnknownUnitError
	if errors.As(err, &gone) {
		body["line_id"] = gone.Line.ID
		body["sku"] = gone.Line.SKU
	}
	for key, value := range extra {
		body[key] = value
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(r *http.Request, dest any) error {
	err := decodeJSON(r, dest)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause goes to the log only.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("internal error", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
