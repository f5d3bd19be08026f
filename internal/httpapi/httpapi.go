package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/service"
	"kasirflow/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	realtime      http.Handler
	allowedOrigin string
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
}

// New wires the HTTP surface. realtime serves /ws and may be nil.
func New(svc *service.Service, auth *AuthManager, realtime http.Handler, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		realtime:      realtime,
		allowedOrigin: allowedOrigin,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current or previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current-3600)))
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("GET /api/v1/products", a.requireAuth(a.handleListProducts, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/products", a.requireAuth(a.handleCreateProduct, "admin"))
	mux.HandleFunc("PATCH /api/v1/products/{id}", a.requireAuth(a.handleUpdateProduct, "admin"))
	mux.HandleFunc("GET /api/v1/payment-methods", a.requireAuth(a.handlePaymentMethods, "cashier", "admin"))

	mux.HandleFunc("POST /api/v1/availability", a.requireAuth(a.handleAvailability, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/sales", a.requireAuth(a.handleCreateSale, "cashier", "admin"))

	mux.HandleFunc("POST /api/v1/inventory/adjustments", a.requireAuth(a.handleAdjustStock, "admin"))
	mux.HandleFunc("GET /api/v1/inventory/movements", a.requireAuth(a.handleStockMovements, "cashier", "admin"))

	mux.HandleFunc("GET /api/v1/transactions", a.requireAuth(a.handleListTransactions, "cashier", "admin"))
	mux.HandleFunc("GET /api/v1/transactions/{id}", a.requireAuth(a.handleGetTransaction, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/transactions/{id}/payments", a.requireAuth(a.handleAddPayment, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/transactions/{id}/void", a.requireAuth(a.handleVoid, "admin"))

	if a.realtime != nil {
		mux.Handle("GET /ws", a.realtime)
	}

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
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

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleCSRFToken returns a stateless token valid for the current hour bucket.
// Clients send it as X-CSRF-Token on every mutating request.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	products, err := a.service.ListProducts(r.Context(), includeInactive)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.UpdateProduct(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handlePaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := a.service.ListPaymentMethods(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment_methods": methods})
}

func (a *API) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req domain.AvailabilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.CheckAvailability(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	resp, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustStockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.AdjustStock(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStockMovements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parsePositiveLimit(query.Get("limit"), store.DefaultMovementLimit, store.MaxMovementLimit)
	movements, err := a.service.ListStockMovements(r.Context(), query.Get("product_id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTransactionFilter(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	page, err := a.service.ListTransactions(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleAddPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.AddPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx, err := a.service.AddPayment(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.pinLimiter.Allow("pin:void:" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return
	}

	tx, err := a.service.VoidTransaction(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.VoidTransactionResponse{Transaction: tx})
}

func parseTransactionFilter(r *http.Request) (domain.TransactionFilter, error) {
	query := r.URL.Query()
	filter := domain.TransactionFilter{
		Page:          parsePositiveLimit(query.Get("page"), 1, 0),
		Limit:         parsePositiveLimit(query.Get("limit"), 0, 0),
		Status:        strings.TrimSpace(query.Get("status")),
		PaymentStatus: strings.TrimSpace(query.Get("payment_status")),
		CashierID:     strings.TrimSpace(query.Get("cashier_id")),
		CustomerID:    strings.TrimSpace(query.Get("customer_id")),
		Search:        strings.TrimSpace(query.Get("q")),
	}

	verr := &domain.ValidationError{}
	if raw := query.Get("from"); raw != "" {
		from, err := parseTimeParam(raw, false)
		if err != nil {
			verr.Add("from", err.Error())
		}
		filter.From = from
	}
	if raw := query.Get("to"); raw != "" {
		to, err := parseTimeParam(raw, true)
		if err != nil {
			verr.Add("to", err.Error())
		}
		filter.To = to
	}
	return filter, verr.Err()
}

// parseTimeParam accepts RFC3339 or YYYY-MM-DD. A bare date used as an upper
// bound means the whole day, so it becomes the following midnight.
func parseTimeParam(raw string, upper bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	day, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, errors.New("must be RFC3339 or YYYY-MM-DD")
	}
	if upper {
		day = day.AddDate(0, 0, 1)
	}
	return &day, nil
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// writeServiceError maps service and store errors onto status codes. Bodies
// for 5xx never carry the underlying cause.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		verr      *domain.ValidationError
		rejection *service.RejectionError
		commitErr *service.CommitError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": verr.Fields})
	case errors.As(err, &rejection):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "sale rejected: items unavailable", "items": rejection.Lines})
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &commitErr):
		log.Printf("[sale] ERROR: %v", commitErr.Err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "commit failed, nothing was saved; retry the request"})
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies get a generic message; 4xx messages are meant for the caller.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
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
