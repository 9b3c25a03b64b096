package realtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"storefront/cmd/identity"
	"storefront/cmd/internal/auth/token"
)

const (
	// Secure-by-default: Origin is required and only localhost is allowed
	// until SF_WS_ALLOWED_ORIGINS says otherwise.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// AccessVerifier is the slice of the token codec the gateway needs.
type AccessVerifier interface {
	VerifyAccess(tokenText string, now time.Time) (token.AccessClaims, error)
}

// UserStatusSource answers whether the token's owner is still in good
// standing at handshake time. Normally an identity.StatusCache.
type UserStatusSource interface {
	GetStatus(ctx context.Context, userID string) (identity.Status, error)
}

// Gateway is the WebSocket entrypoint.
//
// It enforces per-IP ceilings, origin policy, connection and message rate
// limits, token authentication with a live user-status re-check, and
// heartbeat liveness. Authenticated connections land in the Presence map
// and can be pushed to via DeliverToUser.
type Gateway struct {
	log      *slog.Logger
	verifier AccessVerifier
	status   UserStatusSource
	presence *Presence

	// connRL buckets by client IP, msgRL by user id.
	connRL *RateLimiter
	msgRL  *RateLimiter

	trustProxy     bool
	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks. Accept authorizes
	// same-host origins by default; cross-origin needs OriginPatterns.
	originPatterns []string

	maxConnsPerIP int
	connLimit     int
	connWindow    time.Duration
	msgLimit      int
	msgWindow     time.Duration
	sweepEvery    time.Duration

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration
	writeTimeout     time.Duration
	sendQueueSize    int
}

// NewGateway constructs a gateway with secure defaults, overridable via
// SF_WS_* environment knobs.
func NewGateway(log *slog.Logger, verifier AccessVerifier, status UserStatusSource) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &Gateway{
		log:      log,
		verifier: verifier,
		status:   status,
		presence: NewPresence(),
		connRL:   NewRateLimiter(),
		msgRL:    NewRateLimiter(),
	}

	g.trustProxy = envBoolWS("SF_WS_TRUST_PROXY", false)
	g.devInsecure = envBoolWS("SF_WS_DEV_INSECURE", false)
	g.originRequired = envBoolWS("SF_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("SF_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.maxConnsPerIP = envIntWS("SF_WS_MAX_CONNS_PER_IP", defaultMaxConnsPerIP)
	g.connLimit = envIntWS("SF_WS_CONN_LIMIT", defaultConnLimit)
	g.connWindow = envDurationWS("SF_WS_CONN_WINDOW", defaultConnWindow)
	g.msgLimit = envIntWS("SF_WS_MSG_LIMIT", defaultMsgLimit)
	g.msgWindow = envDurationWS("SF_WS_MSG_WINDOW", defaultMsgWindow)
	g.sweepEvery = envDurationWS("SF_WS_SWEEP_EVERY", defaultSweepEvery)

	g.heartbeatEvery = envDurationWS("SF_WS_HEARTBEAT_INTERVAL", defaultHeartbeatInterval)
	g.heartbeatTimeout = envDurationWS("SF_WS_HEARTBEAT_TIMEOUT", defaultHeartbeatTimeout)
	g.writeTimeout = envDurationWS("SF_WS_WRITE_TIMEOUT", defaultWriteTimeout)
	g.sendQueueSize = envIntWS("SF_WS_SEND_QUEUE", defaultSendQueueSize)

	return g
}

// Run owns the limiter sweepers. It blocks until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); g.connRL.RunSweeper(ctx, g.sweepEvery) }()
	go func() { defer wg.Done(); g.msgRL.RunSweeper(ctx, g.sweepEvery) }()
	wg.Wait()
}

// Online reports whether the user currently has a registered connection.
func (g *Gateway) Online(userID string) bool { return g.presence.Online(userID) }

// OnlineCount reports how many users currently have a registered connection.
func (g *Gateway) OnlineCount() int { return g.presence.OnlineCount() }

// DeliverToUser pushes an event to the user's current connection. Offline
// users and full send queues drop the event; the return value says whether
// it was enqueued.
func (g *Gateway) DeliverToUser(userID, eventType string, payload any) bool {
	c := g.presence.Get(userID)
	if c == nil {
		return false
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			g.log.Error("ws.deliver.marshal_fail", "event", eventType, "err", err)
			return false
		}
		raw = b
	}
	frame := encodeServerMessage(serverMessage{Type: eventType, Payload: raw})

	select {
	case c.Send <- frame:
		return true
	case <-c.Done():
		return false
	default:
		g.log.Info("ws.deliver.queue_full", "user_id", userID, "event", eventType)
		return false
	}
}

// ServeHTTP adapter so the gateway mounts as an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// connection loop. Checks run in a fixed order: IP ceiling, origin policy,
// connection rate limit, token, live user status. Only then does the
// connection reach the presence map.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	ip := g.clientIP(r)

	if g.presence.CountIP(ip) >= g.maxConnsPerIP {
		metricHandshakeRejects.WithLabelValues("ip_ceiling").Inc()
		g.log.Info("ws.reject.ip_ceiling", "ip", ip)
		g.acceptAndClose(w, r, statusTooManyConnections, "too many connections")
		return
	}

	if err := g.enforceOrigin(r); err != nil {
		metricHandshakeRejects.WithLabelValues("origin").Inc()
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if !g.connRL.TryConsume(now, ip, g.connLimit, g.connWindow) {
		metricHandshakeRejects.WithLabelValues("conn_rate").Inc()
		g.log.Info("ws.reject.conn_rate", "ip", ip)
		g.acceptAndClose(w, r, websocket.StatusPolicyViolation, "rate limited")
		return
	}

	conn, err := websocket.Accept(w, r, g.acceptOptions())
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	// Oversized frames close the connection with 1009 inside Read.
	conn.SetReadLimit(maxFrameBytes)

	claims, err := g.verifier.VerifyAccess(r.URL.Query().Get("token"), now)
	if err != nil {
		metricHandshakeRejects.WithLabelValues("token").Inc()
		g.log.Info("ws.reject.token", "ip", ip, "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	// Live status re-check: the signed token may outlive the account's
	// good standing.
	st, err := g.status.GetStatus(r.Context(), claims.UserID)
	if err != nil || !st.Active() || st.TokenVersion != claims.TokenVersion {
		metricHandshakeRejects.WithLabelValues("status").Inc()
		g.log.Info("ws.reject.status", "user_id", claims.UserID, "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	client := NewClient(newConnID(), claims.UserID, ip, g.sendQueueSize)
	g.presence.Register(client)
	metricOnline.Inc()
	g.log.Info("ws.connect", "user_id", client.UserID, "conn_id", client.ConnID, "ip", ip)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent and safe from every goroutine. It does NOT
	// close client.Send; deregistration happens before client.Close so
	// DeliverToUser cannot race a closing queue.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.presence.Unregister(client)
			metricOnline.Dec()
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.disconnect", "user_id", client.UserID, "conn_id", client.ConnID, "reason", reason)
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case frame := <-client.Send:
				wctx, wcancel := context.WithTimeout(ctx, g.writeTimeout)
				err := conn.Write(wctx, websocket.MessageText, frame)
				wcancel()
				if err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ConnID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					g.log.Info("ws.ping.fail", "conn_id", client.ConnID, "err", err)
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
			}
		}
	}()

	g.trySend(client, encodeServerMessage(serverMessage{Type: msgTypeAuthSuccess}))

readLoop:
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case errors.Is(err, context.Canceled) || ctx.Err() != nil:
				shutdown(websocket.StatusNormalClosure, "context done")
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ConnID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !g.msgRL.TryConsume(time.Now().UTC(), client.UserID, g.msgLimit, g.msgWindow) {
			metricMessagesThrottled.Inc()
			g.trySend(client, encodeServerMessage(serverMessage{
				Type:    msgTypeRateLimit,
				Message: "too many messages, slow down",
			}))
			continue readLoop
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.log.Info("ws.read.bad_json", "conn_id", client.ConnID, "err", err)
			continue readLoop
		}

		// Inbound traffic is heartbeat/liveness only for now; typed
		// client events route here when they exist.
		g.log.Debug("ws.message", "conn_id", client.ConnID, "type", msg.Type)
	}

	<-writerDone
	<-heartbeatDone
}

// trySend enqueues without blocking; a full queue drops the frame.
func (g *Gateway) trySend(c *Client, frame []byte) {
	select {
	case c.Send <- frame:
	case <-c.Done():
	default:
	}
}

func (g *Gateway) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	}
}

// acceptAndClose completes the upgrade just to deliver a close code the
// client can read; rejecting pre-upgrade would surface as an opaque
// handshake failure.
func (g *Gateway) acceptAndClose(w http.ResponseWriter, r *http.Request, code websocket.StatusCode, reason string) {
	conn, err := websocket.Accept(w, r, g.acceptOptions())
	if err != nil {
		return
	}
	_ = conn.Close(code, reason)
}

// clientIP prefers the first X-Forwarded-For hop when a trusted proxy
// fronts the gateway; otherwise the transport address wins.
func (g *Gateway) clientIP(r *http.Request) string {
	if g.trustProxy {
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

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host
	// using filepath.Match patterns. Only hosts from the allowlist pass.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable order keeps logs and tests deterministic.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

func newConnID() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
