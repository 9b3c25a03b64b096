package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"storefront/cmd/identity"
	"storefront/cmd/internal/auth/registry"
	"storefront/cmd/internal/auth/token"
)

// Handler wires the HTTP auth endpoints to the identity store and the
// session registry.
type Handler struct {
	log *slog.Logger
	cfg Config

	// pool backs audit logging and login throttling; nil disables both.
	pool *pgxpool.Pool

	users    identity.Store
	sessions *registry.Service
	codec    *token.Codec

	// cache is the gateway's status cache; password changes invalidate it
	// so the version bump is visible before the TTL expires. May be nil.
	cache *identity.StatusCache

	dummyHash string
}

func NewHandler(log *slog.Logger, cfg Config, pool *pgxpool.Pool, users identity.Store, sessions *registry.Service, codec *token.Codec, cache *identity.StatusCache) *Handler {
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		pool:     pool,
		users:    users,
		sessions: sessions,
		codec:    codec,
		cache:    cache,
	}

	// Dummy hash for timing-resistant login checks.
	if hash, err := identity.HashPassword("dummy-password-for-timing-only", identity.DefaultPasswordParams()); err == nil {
		h.dummyHash = hash
	}

	return h
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/register", h.handleRegister)
	mux.HandleFunc("/api/auth/login", h.handleLogin)
	mux.HandleFunc("/api/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/api/auth/logout", h.handleLogout)
	mux.HandleFunc("/api/auth/password", h.handlePasswordChange)
	mux.HandleFunc("/api/auth/sessions", h.handleSessions)
	mux.HandleFunc("/api/auth/sessions/", h.handleSessionByID)
	mux.HandleFunc("/api/me", h.handleMe)
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !validEmail(email) {
		writeError(w, http.StatusBadRequest, "invalid_request", "a valid email is required")
		return
	}

	hash, err := identity.HashPassword(req.Password, identity.DefaultPasswordParams())
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrPasswordTooShort), errors.Is(err, identity.ErrPasswordTooLong):
			writeError(w, http.StatusBadRequest, "invalid_password", "password must be 8-512 characters")
		default:
			h.log.Error("auth.register.hash.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	u, err := h.users.Create(ctx, now, email, hash, []string{"customer"})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrConflict):
			writeError(w, http.StatusConflict, "email_taken", "email already registered")
		case errors.Is(err, identity.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid_request", "a valid email is required")
		default:
			h.log.Error("auth.register.create.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	pair, err := h.sessions.StartFamily(ctx, now, u.ID)
	if err != nil {
		h.log.Error("auth.register.start_family.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	ip := clientIP(r, h.cfg.TrustProxy)
	h.auditRegister(ctx, u.ID, ip, r.UserAgent())

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	writeJSON(w, http.StatusCreated, authResponse{
		User:    toUserResponse(u),
		Session: toSessionResponse(pair),
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	// IP-based throttling before the user lookup.
	if blocked, retryAfter, err := h.checkLoginIPThrottle(ctx, ip, now); err != nil {
		h.log.Error("auth.login.throttle_ip.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return
	} else if blocked {
		h.auditLoginRateLimited(ctx, nil, ip, ua, retryAfter)
		writeRateLimited(w, retryAfter)
		return
	}

	u, err := h.users.GetByEmail(ctx, email)
	if err != nil {
		// Timing resistance: perform a dummy verify when the user is
		// missing so the response time does not leak existence.
		if h.dummyHash != "" {
			identity.VerifyPassword(req.Password, h.dummyHash)
		}
		h.auditLoginFailed(ctx, nil, ip, ua, email, "not_found")
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	if blocked, retryAfter, err := h.checkLoginUserThrottle(ctx, u.ID, now); err != nil {
		h.log.Error("auth.login.throttle_user.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return
	} else if blocked {
		h.auditLoginRateLimited(ctx, &u.ID, ip, ua, retryAfter)
		writeRateLimited(w, retryAfter)
		return
	}

	if !identity.VerifyPassword(req.Password, u.PasswordHash) {
		h.auditLoginFailed(ctx, &u.ID, ip, ua, email, "bad_password")
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	pair, err := h.sessions.StartFamily(ctx, now, u.ID)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrUserBanned):
			h.auditLoginFailed(ctx, &u.ID, ip, ua, email, "banned")
			writeError(w, http.StatusForbidden, "user_banned", "account is banned")
		case errors.Is(err, registry.ErrUserDeleted):
			h.auditLoginFailed(ctx, &u.ID, ip, ua, email, "deleted")
			writeError(w, http.StatusForbidden, "user_deleted", "account is deleted")
		default:
			h.log.Error("auth.login.start_family.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.auditLoginSuccess(ctx, u.ID, pair.FamilyID, ip, ua)

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, authResponse{
		User:    toUserResponse(u),
		Session: toSessionResponse(pair),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	refreshToken, ok := h.refreshTokenFromCookie(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	pair, err := h.sessions.Rotate(ctx, now, refreshToken)
	if err != nil {
		h.clearRefreshCookie(w)
		switch {
		case errors.Is(err, registry.ErrTokenReuseDetected):
			h.auditRefreshReuse(ctx, ip, ua)
			writeError(w, http.StatusUnauthorized, "token_reuse_detected", "refresh token reuse detected")
		case errors.Is(err, registry.ErrMaxRotationExceeded):
			writeError(w, http.StatusUnauthorized, "max_rotation_exceeded", "session rotation limit reached")
		case errors.Is(err, registry.ErrSessionRevoked):
			writeError(w, http.StatusUnauthorized, "session_revoked", "session revoked")
		case errors.Is(err, registry.ErrInvalidRefreshToken):
			writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "invalid refresh token")
		case errors.Is(err, registry.ErrUserBanned):
			writeError(w, http.StatusForbidden, "user_banned", "account is banned")
		case errors.Is(err, registry.ErrUserDeleted):
			writeError(w, http.StatusForbidden, "user_deleted", "account is deleted")
		default:
			h.log.Error("auth.refresh.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.auditRefreshSuccess(ctx, pair.FamilyID, ip, ua)

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, toSessionResponse(pair))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	if err := h.sessions.Logout(ctx, now, claims.FamilyID, claims.UserID); err != nil && !errors.Is(err, registry.ErrSessionNotFound) {
		h.log.Error("auth.logout.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditLogout(ctx, claims.UserID, claims.FamilyID, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req passwordChangeRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	u, err := h.users.GetByID(ctx, claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	if !identity.VerifyPassword(req.CurrentPassword, u.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "current password is wrong")
		return
	}

	hash, err := identity.HashPassword(req.NewPassword, identity.DefaultPasswordParams())
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrPasswordTooShort), errors.Is(err, identity.ErrPasswordTooLong):
			writeError(w, http.StatusBadRequest, "invalid_password", "password must be 8-512 characters")
		default:
			h.log.Error("auth.password.hash.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	// SetPassword bumps the token version, invalidating outstanding access
	// tokens; revoking the families kills every refresh lineage too.
	if err := h.users.SetPassword(ctx, u.ID, hash); err != nil {
		h.log.Error("auth.password.set.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if err := h.sessions.RevokeAllForUser(ctx, now, u.ID, registry.ReasonPasswordChange); err != nil {
		h.log.Error("auth.password.revoke_all.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(u.ID)
	}

	h.auditPasswordChanged(ctx, u.ID, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	sessions, err := h.sessions.ListSessions(r.Context(), claims.UserID)
	if err != nil {
		h.log.Error("auth.sessions.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if sessions == nil {
		sessions = []registry.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions})
}

func (h *Handler) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	familyID := strings.TrimPrefix(r.URL.Path, "/api/auth/sessions/")
	if familyID == "" || strings.Contains(familyID, "/") {
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}

	err := h.sessions.DeleteSession(r.Context(), time.Now().UTC(), claims.UserID, familyID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, registry.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, registry.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not your session")
	default:
		h.log.Error("auth.sessions.delete.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	u, err := h.users.GetByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// requireAuth verifies the bearer token and re-checks live user status so
// a ban, deletion, or token-version bump takes effect before the token's
// TTL runs out.
func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (token.AccessClaims, bool) {
	raw := bearerToken(r)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
		return token.AccessClaims{}, false
	}

	now := time.Now().UTC()
	claims, err := h.codec.VerifyAccess(raw, now)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
		return token.AccessClaims{}, false
	}

	st, err := h.userStatus(r.Context(), claims.UserID)
	if err != nil || !st.Active() || st.TokenVersion != claims.TokenVersion {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return token.AccessClaims{}, false
	}

	return claims, true
}

func (h *Handler) userStatus(ctx context.Context, userID string) (identity.Status, error) {
	if h.cache != nil {
		return h.cache.GetStatus(ctx, userID)
	}
	return h.users.GetStatus(ctx, userID)
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func validEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t")
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			if first, _, ok := strings.Cut(xff, ","); ok {
				return strings.TrimSpace(first)
			}
			return xff
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
