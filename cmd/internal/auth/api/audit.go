package authapi

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Audit helpers write to storefront.audit_log. They are best-effort and
// no-ops without a pool (database-less dev mode).

func (h *Handler) auditRegister(ctx context.Context, userID, ip, ua string) {
	h.insertAudit(ctx, "auth.register", &userID, nil, ip, ua, nil)
}

func (h *Handler) auditLoginFailed(ctx context.Context, userID *string, ip, ua, email, reason string) {
	h.insertAudit(ctx, "auth.login.failed", userID, nil, ip, ua, map[string]any{
		"email":  email,
		"reason": reason,
	})
}

func (h *Handler) auditLoginSuccess(ctx context.Context, userID, familyID, ip, ua string) {
	h.insertAudit(ctx, "auth.login.success", &userID, &familyID, ip, ua, nil)
}

func (h *Handler) auditLoginRateLimited(ctx context.Context, userID *string, ip, ua string, retryAfter time.Duration) {
	h.insertAudit(ctx, "auth.login.rate_limited", userID, nil, ip, ua, map[string]any{
		"retry_after_s": int64(retryAfter.Seconds()),
	})
}

func (h *Handler) auditRefreshSuccess(ctx context.Context, familyID, ip, ua string) {
	h.insertAudit(ctx, "auth.refresh.success", nil, &familyID, ip, ua, nil)
}

func (h *Handler) auditRefreshReuse(ctx context.Context, ip, ua string) {
	h.insertAudit(ctx, "auth.refresh.reuse_detected", nil, nil, ip, ua, nil)
}

func (h *Handler) auditLogout(ctx context.Context, userID, familyID, ip, ua string) {
	h.insertAudit(ctx, "auth.logout", &userID, &familyID, ip, ua, nil)
}

func (h *Handler) auditPasswordChanged(ctx context.Context, userID, ip, ua string) {
	h.insertAudit(ctx, "auth.password.changed", &userID, nil, ip, ua, nil)
}

func (h *Handler) insertAudit(ctx context.Context, action string, userID, familyID *string, ip, ua string, meta map[string]any) {
	if h.pool == nil {
		return
	}

	var metaVal *string
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := h.pool.Exec(ctx, `
		INSERT INTO storefront.audit_log (
			user_id, family_id, action, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, now(), $4, $5, $6::jsonb)
	`, userID, familyID, action, trimOrNil(ip), trimOrNil(ua), metaVal)
	if err != nil {
		h.log.Error("auth.audit.insert.fail", "err", err, "action", action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
