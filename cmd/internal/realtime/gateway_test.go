package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"storefront/cmd/identity"
	"storefront/cmd/internal/auth/token"
)

type gatewayFixture struct {
	gw    *Gateway
	srv   *httptest.Server
	codec *token.Codec
	users *identity.MemoryStore
	user  identity.User
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	// httptest clients carry no Origin header.
	t.Setenv("SF_WS_ORIGIN_REQUIRED", "false")

	pem, err := token.GeneratePrivateKeyPEM()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := token.DefaultConfig()
	cfg.PrivateKeyPEM = pem
	codec, err := token.NewCodec(cfg)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	users := identity.NewMemoryStore()
	u, err := users.Create(context.Background(), time.Now(), "shopper@example.com", "hash", []string{"customer"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	gw := NewGateway(nil, codec, users)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &gatewayFixture{gw: gw, srv: srv, codec: codec, users: users, user: u}
}

func (f *gatewayFixture) wsURL(tok string) string {
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	if tok != "" {
		u += "/?token=" + tok
	}
	return u
}

func (f *gatewayFixture) accessToken(t *testing.T) string {
	t.Helper()
	tok, _, err := f.codec.IssueAccess(f.user.ID, f.user.Roles, "fam-1", f.user.TokenVersion, time.Now())
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	return tok
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func expectClose(t *testing.T, conn *websocket.Conn, want websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the server to close the connection")
	}
	if got := websocket.CloseStatus(err); got != want {
		t.Fatalf("close status = %d, want %d (err: %v)", got, want, err)
	}
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	f := newGatewayFixture(t)

	conn := dialWS(t, f.wsURL(""))
	defer conn.CloseNow()

	expectClose(t, conn, websocket.StatusPolicyViolation)
}

func TestGatewayRejectsStaleTokenVersion(t *testing.T) {
	f := newGatewayFixture(t)
	tok := f.accessToken(t)

	// A password change bumps the version; the signed token is now stale.
	if err := f.users.BumpTokenVersion(context.Background(), f.user.ID); err != nil {
		t.Fatalf("BumpTokenVersion: %v", err)
	}

	conn := dialWS(t, f.wsURL(tok))
	defer conn.CloseNow()

	expectClose(t, conn, websocket.StatusPolicyViolation)
}

func TestGatewayRejectsBannedUser(t *testing.T) {
	f := newGatewayFixture(t)
	tok := f.accessToken(t)
	f.users.SetBanned(f.user.ID, true)

	conn := dialWS(t, f.wsURL(tok))
	defer conn.CloseNow()

	expectClose(t, conn, websocket.StatusPolicyViolation)
}

func TestGatewayAuthSuccessAndDeliver(t *testing.T) {
	f := newGatewayFixture(t)

	conn := dialWS(t, f.wsURL(f.accessToken(t)))
	defer conn.CloseNow()

	if msg := readServerMessage(t, conn); msg.Type != msgTypeAuthSuccess {
		t.Fatalf("first frame type = %q, want %q", msg.Type, msgTypeAuthSuccess)
	}

	// Registration is complete once auth_success is queued.
	if !f.gw.Online(f.user.ID) {
		t.Fatal("user not online after auth_success")
	}
	if n := f.gw.OnlineCount(); n != 1 {
		t.Fatalf("OnlineCount = %d, want 1", n)
	}

	if !f.gw.DeliverToUser(f.user.ID, "order_shipped", map[string]string{"orderId": "o-123"}) {
		t.Fatal("DeliverToUser reported offline for a connected user")
	}
	msg := readServerMessage(t, conn)
	if msg.Type != "order_shipped" {
		t.Fatalf("event type = %q, want order_shipped", msg.Type)
	}
	var payload map[string]string
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload["orderId"] != "o-123" {
		t.Fatalf("payload = %s (err %v)", msg.Payload, err)
	}

	if f.gw.DeliverToUser("01J00000000000000000000000", "noop", nil) {
		t.Fatal("DeliverToUser reported delivery for an offline user")
	}
}

func TestGatewayPerIPCeiling(t *testing.T) {
	t.Setenv("SF_WS_MAX_CONNS_PER_IP", "1")
	f := newGatewayFixture(t)

	first := dialWS(t, f.wsURL(f.accessToken(t)))
	defer first.CloseNow()
	if msg := readServerMessage(t, first); msg.Type != msgTypeAuthSuccess {
		t.Fatalf("first frame type = %q, want %q", msg.Type, msgTypeAuthSuccess)
	}

	second := dialWS(t, f.wsURL(f.accessToken(t)))
	defer second.CloseNow()
	expectClose(t, second, statusTooManyConnections)
}

func TestGatewayCeilingFreesSlotOnClose(t *testing.T) {
	t.Setenv("SF_WS_MAX_CONNS_PER_IP", "1")
	f := newGatewayFixture(t)

	first := dialWS(t, f.wsURL(f.accessToken(t)))
	if msg := readServerMessage(t, first); msg.Type != msgTypeAuthSuccess {
		t.Fatalf("first frame type = %q, want %q", msg.Type, msgTypeAuthSuccess)
	}

	rejected := dialWS(t, f.wsURL(f.accessToken(t)))
	defer rejected.CloseNow()
	expectClose(t, rejected, statusTooManyConnections)

	if err := first.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Teardown runs in the read loop; wait for the slot to free.
	deadline := time.Now().Add(5 * time.Second)
	for f.gw.presence.CountIP("127.0.0.1") > 0 {
		if time.Now().After(deadline) {
			t.Fatal("slot never freed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}

	replacement := dialWS(t, f.wsURL(f.accessToken(t)))
	defer replacement.CloseNow()
	if msg := readServerMessage(t, replacement); msg.Type != msgTypeAuthSuccess {
		t.Fatalf("replacement frame type = %q, want %q", msg.Type, msgTypeAuthSuccess)
	}
}

func TestGatewayMessageThrottleKeepsConnection(t *testing.T) {
	t.Setenv("SF_WS_MSG_LIMIT", "1")
	f := newGatewayFixture(t)

	conn := dialWS(t, f.wsURL(f.accessToken(t)))
	defer conn.CloseNow()
	if msg := readServerMessage(t, conn); msg.Type != msgTypeAuthSuccess {
		t.Fatalf("first frame type = %q, want %q", msg.Type, msgTypeAuthSuccess)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"noise"}`)); err != nil {
			t.Fatalf("Write %d: %v", i+1, err)
		}
	}

	if msg := readServerMessage(t, conn); msg.Type != msgTypeRateLimit {
		t.Fatalf("frame type = %q, want %q", msg.Type, msgTypeRateLimit)
	}

	// The throttle is a notice, not a teardown: pushes still arrive.
	if !f.gw.DeliverToUser(f.user.ID, "still_here", nil) {
		t.Fatal("connection gone after throttle notice")
	}
	if msg := readServerMessage(t, conn); msg.Type != "still_here" {
		t.Fatalf("frame type = %q, want still_here", msg.Type)
	}
}

func TestGatewayMalformedJSONIsDropped(t *testing.T) {
	f := newGatewayFixture(t)

	conn := dialWS(t, f.wsURL(f.accessToken(t)))
	defer conn.CloseNow()
	if msg := readServerMessage(t, conn); msg.Type != msgTypeAuthSuccess {
		t.Fatal("missing auth_success")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Bad frames are logged and dropped; the connection survives.
	if !f.gw.DeliverToUser(f.user.ID, "after_garbage", nil) {
		t.Fatal("connection gone after malformed frame")
	}
	if msg := readServerMessage(t, conn); msg.Type != "after_garbage" {
		t.Fatalf("frame type = %q, want after_garbage", msg.Type)
	}
}
