// internal/membership/handler.go
package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

type ctxKey int

const actorKey ctxKey = iota

// ActorFrom returns the authenticated actor of ctx, or nil.
func ActorFrom(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorKey).(*Actor)
	return actor
}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// HandlerOptions tunes the HTTP layer.
type HandlerOptions struct {
	VerifyPerMinute int
	VerifyBurst     int
	Logger          *slog.Logger
}

type Handler struct {
	service  Service
	sessions *Sessions
	limiter  *clientLimiter
	logger   *slog.Logger
}

func NewHandler(service Service, sessions *Sessions, opts HandlerOptions) *Handler {
	if opts.VerifyPerMinute <= 0 {
		opts.VerifyPerMinute = 60
	}
	if opts.VerifyBurst <= 0 {
		opts.VerifyBurst = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		service:  service,
		sessions: sessions,
		limiter:  newClientLimiter(rate.Limit(float64(opts.VerifyPerMinute)/60), opts.VerifyBurst),
		logger:   opts.Logger,
	}
}

// Routes mounts every endpoint of the service.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.With(h.throttle).Get("/verify", h.HandleVerify)
	r.Post("/login", h.HandleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)

		r.With(requireRole(RoleAdmin)).Get("/export", h.HandleExport)

		r.Route("/rpc", func(r chi.Router) {
			r.Post("/register", h.HandleRegister)
			r.Post("/activate", h.HandleActivate)
			r.Post("/bulkRenew", h.HandleBulkRenew)
			r.Post("/revoke", h.HandleRevoke)
			r.Post("/invoicePaid", h.HandleInvoicePaid)
			r.Post("/refreshStatuses", h.HandleRefreshStatuses)
			r.Post("/createAccount", h.HandleCreateAccount)
		})

		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.HandleListMembers)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.HandleGetMember)
				r.Patch("/", h.HandleUpdateMember)
				r.Delete("/", h.HandleDeleteMember)
				r.Get("/card", h.HandleMemberCard)
				r.Get("/history", h.HandleHistory)
			})
		})
	})
	return r
}

func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	// Presence counts, even when empty.
	if q.Has("memberNo") && q.Has("token") {
		h.writeError(w, r, newError(CodeMalformedInput, "exactly one of memberNo or token is required"))
		return
	}
	res, err := h.service.Verify(r.Context(), VerifyInput{MemberNo: q.Get("memberNo"), Token: q.Get("token")})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	rows, err := h.service.Export(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// Render fully before writing so a failure never yields a partial file.
	var buf bytes.Buffer
	if err := WriteExportCSV(&buf, rows); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="members.csv"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req NewMember
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	member, err := h.service.Register(r.Context(), ActorFrom(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID uuid.UUID `json:"memberId"`
		Period   Period    `json:"period"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	activation, err := h.service.Activate(r.Context(), ActorFrom(r.Context()), req.MemberID, req.Period)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activation)
}

func (h *Handler) HandleBulkRenew(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs    []uuid.UUID `json:"ids"`
		Period Period      `json:"period"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.service.BulkRenew(r.Context(), ActorFrom(r.Context()), req.IDs, req.Period)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID uuid.UUID `json:"memberId"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	member, err := h.service.Revoke(r.Context(), ActorFrom(r.Context()), req.MemberID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *Handler) HandleInvoicePaid(w http.ResponseWriter, r *http.Request) {
	var req InvoicePaid
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	activation, err := h.service.InvoicePaid(r.Context(), ActorFrom(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activation)
}

func (h *Handler) HandleRefreshStatuses(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.RefreshStatuses(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"expired": n})
}

func (h *Handler) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req NewAccount
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	account, err := h.service.CreateAccount(r.Context(), ActorFrom(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		ID             uuid.UUID `json:"id"`
		Email          string    `json:"email"`
		Role           Role      `json:"role"`
		AllowedRegions []Region  `json:"allowedRegions"`
		CreatedAt      time.Time `json:"createdAt"`
	}{account.ID, account.Email, account.Role, account.AllowedRegions, account.CreatedAt})
}

func (h *Handler) HandleListMembers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Status: Status(q.Get("status")),
		After:  q.Get("after"),
	}
	for _, region := range q["region"] {
		filter.Regions = append(filter.Regions, Region(region))
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeError(w, r, newError(CodeMalformedInput, "invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	members, err := h.service.ListMembers(r.Context(), ActorFrom(r.Context()), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := struct {
		Members []*Member `json:"members"`
		Next    string    `json:"next,omitempty"`
	}{Members: members}
	if resp.Members == nil {
		resp.Members = []*Member{}
	}
	if len(members) > 0 && len(members) == listLimit(filter.Limit) {
		resp.Next = members[len(members)-1].MemberNo
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleGetMember(w http.ResponseWriter, r *http.Request) {
	id, ok := h.memberID(w, r)
	if !ok {
		return
	}
	member, err := h.service.GetMember(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *Handler) HandleUpdateMember(w http.ResponseWriter, r *http.Request) {
	id, ok := h.memberID(w, r)
	if !ok {
		return
	}
	var patch MemberPatch
	if err := decode(r, &patch); err != nil {
		h.writeError(w, r, err)
		return
	}

	member, err := h.service.UpdateMember(r.Context(), ActorFrom(r.Context()), id, patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *Handler) HandleDeleteMember(w http.ResponseWriter, r *http.Request) {
	id, ok := h.memberID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteMember(r.Context(), ActorFrom(r.Context()), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleMemberCard(w http.ResponseWriter, r *http.Request) {
	id, ok := h.memberID(w, r)
	if !ok {
		return
	}
	token, err := h.service.MemberCard(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.memberID(w, r)
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) memberID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, newError(CodeMalformedInput, "invalid member ID"))
		return uuid.Nil, false
	}
	return id, true
}

// authenticate resolves the bearer session into an Actor on the context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			h.writeError(w, r, ErrUnauthenticated)
			return
		}
		actor, err := h.sessions.Parse(strings.TrimSpace(raw))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// requireRole rejects sessions whose role claim is not role.
func requireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorFrom(r.Context())
			if actor == nil || actor.Role != role {
				writeJSON(w, http.StatusForbidden, errorBody{Error: errorDetail{
					Code:    CodePermissionDenied,
					Message: "requires role " + string(role),
					Reason:  DenyRoleInsufficient,
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{
				Code:    "rate-limited",
				Message: "too many verification requests",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorDetail struct {
	Code    Code       `json:"code"`
	Message string     `json:"message"`
	Reason  DenyReason `json:"reason,omitempty"`
}

type errorBody struct {
	OK    bool        `json:"ok"`
	Error errorDetail `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !errors.As(err, &e) {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{Code: "internal", Message: "internal error"}})
		return
	}
	if e.Code == CodeUpstreamUnavailable {
		h.logger.ErrorContext(r.Context(), "upstream unavailable", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, statusFor(e.Code), errorBody{Error: errorDetail{Code: e.Code, Message: e.Message, Reason: e.Reason}})
}

func statusFor(code Code) int {
	switch code {
	case CodeMalformedInput:
		return http.StatusBadRequest
	case CodeUnauthenticated, CodeInvalidCredentials:
		return http.StatusUnauthorized
	case CodePermissionDenied, CodeRegionMismatch:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyActive, CodeNotActive, CodeConflict:
		return http.StatusConflict
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body strictly. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return wrapError(CodeMalformedInput, "invalid request body", err)
	}
	return nil
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	limiterSweepSize = 4096
	limiterIdle      = 10 * time.Minute
)

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{limit: limit, burst: burst, clients: make(map[string]*clientBucket)}
}

func (l *clientLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if len(l.clients) >= limiterSweepSize {
		for k, b := range l.clients {
			if now.Sub(b.lastSeen) > limiterIdle {
				delete(l.clients, k)
			}
		}
	}
	b, ok := l.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
