package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"stockpos/internal/domain"
	"stockpos/internal/feed"
	"stockpos/internal/loyalty"
	"stockpos/internal/metrics"
	"stockpos/internal/service"
	"stockpos/internal/session"
	"stockpos/internal/store"
)

type Options struct {
	AllowedOrigin string
	Hub           *feed.Hub
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	hub           *feed.Hub
	upgrader      *websocket.Upgrader
	metrics       *metrics.Metrics
	log           zerolog.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		opts.Logger.Fatal().Err(err).Msg("failed to generate csrf secret")
	}
	return &API{
		service:       svc,
		auth:          auth,
		hub:           opts.Hub,
		upgrader:      feed.NewUpgrader(opts.AllowedOrigin),
		metrics:       opts.Metrics,
		log:           opts.Logger,
		allowedOrigin: opts.AllowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
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

// validateCSRFToken accepts the current and the previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(currentBucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(prevBucket)))
}

var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	if !isMutating(r.Method) {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, r, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(a.log))
	r.Use(recoverer)
	if a.metrics != nil {
		r.Use(a.metrics.Middleware)
	}
	r.Use(a.securityHeaders)

	r.Get("/healthz", a.handleHealth)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Get("/auth/csrf-token", a.handleCSRFToken)
		r.Get("/ws/{collection}", a.handleFeed)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleOwner, domain.RoleStaff))

			r.Get("/products", a.handleListProducts)
			r.Post("/products", a.handleCreateProduct)
			r.Get("/products/lookup", a.handleLookupProduct)
			r.Get("/products/{id}", a.handleGetProduct)
			r.Put("/products/{id}", a.handleUpdateProduct)
			r.Delete("/products/{id}", a.handleDeleteProduct)

			r.Get("/customers", a.handleListCustomers)
			r.Post("/customers", a.handleRegisterCustomer)
			r.Get("/customers/lookup", a.handleLookupCustomer)
			r.Get("/customers/{id}", a.handleGetCustomer)
			r.Put("/customers/{id}", a.handleUpdateCustomer)
			r.Delete("/customers/{id}", a.handleDeleteCustomer)

			r.Get("/settings", a.handleGetSettings)
			r.Put("/settings", a.handleUpdateSettings)

			r.Get("/users", a.handleListStaff)
			r.Post("/users", a.handleCreateStaff)
			r.Delete("/users/{id}", a.handleDeleteStaff)

			r.Get("/held", a.handleListHeld)
			r.Delete("/held/{bill}", a.handleDiscardHeld)

			r.Route("/terminals/{terminal}", func(r chi.Router) {
				r.Post("/session", a.handleOpenTerminal)
				r.Get("/session", a.handleTerminalView)
				r.Delete("/session", a.handleCloseTerminal)
				r.Post("/lines", a.handleAddLine)
				r.Delete("/lines/{index}", a.handleRemoveLine)
				r.Post("/scan", a.handleScan)
				r.Put("/member", a.handleSetMember)
				r.Put("/note", a.handleSetNote)
				r.Put("/points", a.handleSetPoints)
				r.Post("/clear", a.handleClearCart)
				r.Post("/hold", a.handleHold)
				r.Post("/recall/{bill}", a.handleRecall)
				r.Post("/payment", a.handleBeginPayment)
				r.Post("/cancel", a.handleCancelPayment)
				r.Post("/commit", a.handleCommit)
				r.Get("/receipt", a.handleLastReceipt)
			})

			r.Get("/movements", a.handleListMovements)
			r.Get("/movements/{id}", a.handleGetMovement)

			r.Get("/reports/stock", a.handleStockReport)
			r.Get("/reports/low-stock", a.handleLowStock)
			r.Get("/reports/sales", a.handleSalesSummary)

			r.Get("/ledger/verify", a.handleVerifyLedger)
			r.Post("/ledger/repair", a.handleRepairLedger)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, r, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, err)
				return
			}
			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, r, http.StatusForbidden, service.ErrForbidden)
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

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, r, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, service.ErrInvalidCredentials) && !errors.Is(err, service.ErrInactiveAccount) {
			status = http.StatusInternalServerError
		}
		writeError(w, r, status, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless CSRF token valid for the current hour bucket.
// Clients must include this token in the X-CSRF-Token header for all mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// handleFeed streams collection snapshots over a websocket. Browsers cannot set
// headers on the upgrade request, so the token may come as ?access_token=.
func (a *API) handleFeed(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, r, http.StatusNotFound, errors.New("change feed disabled"))
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if authorization := strings.TrimSpace(r.Header.Get("Authorization")); token == "" && strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		token = strings.TrimSpace(authorization[len("Bearer "):])
	}
	actor, err := a.auth.ParseToken(token)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err)
		return
	}

	collection := chi.URLParam(r, "collection")
	if !feed.KnownCollection(collection) {
		writeError(w, r, http.StatusNotFound, feed.ErrUnknownCollection)
		return
	}
	if collection == domain.CollectionUsers && actor.Role != domain.RoleOwner {
		writeError(w, r, http.StatusForbidden, service.ErrForbidden)
		return
	}

	a.hub.ServeWS(a.upgrader, w, r, actor.ShopID, collection)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleLookupProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.LookupProduct(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.UpdateProduct(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteProduct(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := a.service.ListCustomers(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
}

func (a *API) handleRegisterCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	customer, err := a.service.RegisterCustomer(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"customer": customer})
}

func (a *API) handleLookupCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := a.service.LookupCustomerByPhone(r.Context(), r.URL.Query().Get("phone"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

func (a *API) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := a.service.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

func (a *API) handleUpdateCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	customer, err := a.service.UpdateCustomer(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

func (a *API) handleDeleteCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.ConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := a.service.DeleteCustomer(r.Context(), chi.URLParam(r, "id"), req.ConfirmPassword); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.service.GetSettings(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (a *API) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req domain.SettingsUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	settings, err := a.service.UpdateSettings(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (a *API) handleListStaff(w http.ResponseWriter, r *http.Request) {
	users, err := a.service.ListStaff(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleCreateStaff(w http.ResponseWriter, r *http.Request) {
	var req domain.StaffCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	user, err := a.service.CreateStaff(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (a *API) handleDeleteStaff(w http.ResponseWriter, r *http.Request) {
	var req domain.ConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := a.service.DeleteStaff(r.Context(), chi.URLParam(r, "id"), req.ConfirmPassword); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListHeld(w http.ResponseWriter, r *http.Request) {
	kind := domain.MovementType(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("kind"))))
	if kind != "" && !kind.Valid() {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("unknown kind %q", kind))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"held": a.service.ListHeld(r.Context(), kind)})
}

func (a *API) handleDiscardHeld(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DiscardHeld(r.Context(), chi.URLParam(r, "bill")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleOpenTerminal(w http.ResponseWriter, r *http.Request) {
	var req domain.TerminalOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	kind := domain.MovementType(strings.ToUpper(string(req.Kind)))
	view, err := a.service.OpenTerminal(r.Context(), chi.URLParam(r, "terminal"), kind)
	writeView(w, r, view, err)
}

func (a *API) handleTerminalView(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.TerminalView(r.Context(), chi.URLParam(r, "terminal"))
	writeView(w, r, view, err)
}

func (a *API) handleCloseTerminal(w http.ResponseWriter, r *http.Request) {
	if err := a.service.CloseTerminal(r.Context(), chi.URLParam(r, "terminal")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddLine(w http.ResponseWriter, r *http.Request) {
	var req domain.AddLineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.AddLine(r.Context(), chi.URLParam(r, "terminal"), req)
	writeView(w, r, view, err)
}

func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("line index must be a number"))
		return
	}
	view, err := a.service.RemoveLine(r.Context(), chi.URLParam(r, "terminal"), index)
	writeView(w, r, view, err)
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	var req domain.ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.ScanCode(r.Context(), chi.URLParam(r, "terminal"), req.Code)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSetMember(w http.ResponseWriter, r *http.Request) {
	var req domain.MemberAttachRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetMember(r.Context(), chi.URLParam(r, "terminal"), req)
	writeView(w, r, view, err)
}

func (a *API) handleSetNote(w http.ResponseWriter, r *http.Request) {
	var req domain.NoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetNote(r.Context(), chi.URLParam(r, "terminal"), req.Note)
	writeView(w, r, view, err)
}

func (a *API) handleSetPoints(w http.ResponseWriter, r *http.Request) {
	var req domain.PointsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetPoints(r.Context(), chi.URLParam(r, "terminal"), req.Points)
	writeView(w, r, view, err)
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.ClearCart(r.Context(), chi.URLParam(r, "terminal"))
	writeView(w, r, view, err)
}

func (a *API) handleHold(w http.ResponseWriter, r *http.Request) {
	bill, err := a.service.Hold(r.Context(), chi.URLParam(r, "terminal"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"held": bill})
}

func (a *API) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req domain.RecallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.Recall(r.Context(), chi.URLParam(r, "terminal"), chi.URLParam(r, "bill"), req.ConfirmDiscard)
	writeView(w, r, view, err)
}

func (a *API) handleBeginPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.PaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.BeginPayment(r.Context(), chi.URLParam(r, "terminal"), req.ReceivedCents)
	writeView(w, r, view, err)
}

func (a *API) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.CancelPayment(r.Context(), chi.URLParam(r, "terminal"))
	writeView(w, r, view, err)
}

func (a *API) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req domain.CommitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	receipt, err := a.service.Commit(r.Context(), chi.URLParam(r, "terminal"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"receipt": receipt})
}

func (a *API) handleLastReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := a.service.LastReceipt(r.Context(), chi.URLParam(r, "terminal"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipt": receipt})
}

func (a *API) handleListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	movements, err := a.service.ListMovements(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	limit := parsePositiveLimit(q.Get("limit"), 200, 1000)
	if len(movements) > limit {
		movements = movements[len(movements)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleGetMovement(w http.ResponseWriter, r *http.Request) {
	movement, err := a.service.GetMovement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movement": movement})
}

func (a *API) handleStockReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.StockReport(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.LowStock(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleSalesSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	summary, err := a.service.SalesSummary(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	drifted, err := a.service.VerifyLedger(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consistent": len(drifted) == 0, "discrepancies": drifted})
}

func (a *API) handleRepairLedger(w http.ResponseWriter, r *http.Request) {
	repaired, err := a.service.RepairLedger(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repaired": repaired})
}

func writeView(w http.ResponseWriter, r *http.Request, view session.View, err error) {
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrConfirmationFailed):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrInactiveAccount):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound), errors.Is(err, service.ErrTerminalNotOpen),
		errors.Is(err, session.ErrHeldBillNotFound), errors.Is(err, feed.ErrUnknownCollection):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrInsufficientPoints),
		errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicate),
		errors.Is(err, session.ErrExceedsStock), errors.Is(err, session.ErrCommitInFlight),
		errors.Is(err, session.ErrSessionBusy), errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrConfirmDiscard):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidTransaction),
		errors.Is(err, session.ErrInvalidQty), errors.Is(err, session.ErrInvalidPrice),
		errors.Is(err, session.ErrLineIndex), errors.Is(err, session.ErrEmptyCart),
		errors.Is(err, session.ErrKindMismatch), errors.Is(err, session.ErrMemberOnlyForSale),
		errors.Is(err, session.ErrInsufficientCash),
		errors.Is(err, loyalty.ErrRedemptionOutOfRange), errors.Is(err, loyalty.ErrInvalidRate),
		errors.Is(err, loyalty.ErrInvalidExpiry):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, statusFor(err), err)
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
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

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	// 4xx messages are user-facing; 5xx details stay in the log.
	msg := err.Error()
	if status >= 500 {
		zerolog.Ctx(r.Context()).Error().Err(err).Int("status", status).Msg("internal error")
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
