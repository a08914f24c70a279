package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"librarydesk/internal/auth"
	"librarydesk/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "ws-test-secret"

type storedMessage struct {
	sender, receiver, content string
}

type memStore struct {
	mu       sync.Mutex
	records  []storedMessage
	err      error
	onAppend func()
}

func (s *memStore) Append(_ context.Context, sender, receiver, content string) (*models.Message, error) {
	if s.onAppend != nil {
		s.onAppend()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.records = append(s.records, storedMessage{sender, receiver, content})
	return &models.Message{Content: content, SentAt: time.Now()}, nil
}

func (s *memStore) all() []storedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storedMessage(nil), s.records...)
}

type mapDirectory map[string]*models.User

func (d mapDirectory) Resolve(_ context.Context, id string) (*models.User, error) {
	if u, ok := d[id]; ok {
		return u, nil
	}
	return nil, errors.New("record not found")
}

func testDirectory() mapDirectory {
	return mapDirectory{
		"1": {ID: 1, Username: "alice", IsActive: true},
		"2": {ID: 2, Username: "bob", IsActive: true},
		"3": {ID: 3, Username: "carol", IsActive: false},
	}
}

func drain(c *Client) []OutboundMessage {
	var out []OutboundMessage
	for {
		select {
		case b := <-c.send:
			var m OutboundMessage
			if err := json.Unmarshal(b, &m); err == nil {
				out = append(out, m)
			}
		default:
			return out
		}
	}
}

func newDispatchFixture(store *memStore, opts Options) (*Handler, *Client, *Client) {
	reg := NewRegistry()
	opts.Registry = reg
	opts.Store = store
	h := NewHandler(opts)
	a := testClient(reg, "1")
	a.uname = "alice"
	b := testClient(reg, "2")
	b.uname = "bob"
	reg.Register("1", a)
	reg.Register("2", b)
	return h, a, b
}

func TestDispatch_EchoAndRelay(t *testing.T) {
	store := &memStore{}
	h, a, b := newDispatchFixture(store, Options{})

	err := h.dispatch(context.Background(), a, websocket.TextMessage, []byte(`{"message":" hi ","to_user_id":"2"}`))
	require.NoError(t, err)

	want := OutboundMessage{FromUserID: "1", FromUsername: "alice", ToUserID: "2", Message: "hi"}
	assert.Equal(t, []OutboundMessage{want}, drain(a))
	assert.Equal(t, []OutboundMessage{want}, drain(b))
	assert.Equal(t, []storedMessage{{"1", "2", "hi"}}, store.all())
}

func TestDispatch_RecipientOffline(t *testing.T) {
	store := &memStore{}
	h, a, b := newDispatchFixture(store, Options{})
	h.Registry().Unregister("2", b)

	require.NoError(t, h.dispatch(context.Background(), a, websocket.TextMessage, []byte(`{"message":"later","to_user_id":2}`)))

	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
	assert.Equal(t, []storedMessage{{"1", "2", "later"}}, store.all())
}

func TestDispatch_PersistsBeforeDelivery(t *testing.T) {
	store := &memStore{}
	h, a, b := newDispatchFixture(store, Options{})
	store.onAppend = func() {
		assert.Empty(t, a.send, "echo queued before persistence")
		assert.Empty(t, b.send, "relay queued before persistence")
	}

	require.NoError(t, h.dispatch(context.Background(), a, websocket.TextMessage, []byte(`{"message":"hi","to_user_id":"2"}`)))
	assert.Len(t, store.all(), 1)
	assert.Len(t, drain(b), 1)
}

func TestDispatch_MalformedFramesAreSilent(t *testing.T) {
	store := &memStore{}
	h, a, b := newDispatchFixture(store, Options{})

	frames := []string{
		`{"to_user_id":"2"}`,
		`{"message":"hi"}`,
		`{"message":"   ","to_user_id":"2"}`,
		`not json`,
	}
	for _, f := range frames {
		assert.NoError(t, h.dispatch(context.Background(), a, websocket.TextMessage, []byte(f)), f)
	}
	assert.NoError(t, h.dispatch(context.Background(), a, websocket.BinaryMessage, []byte(`{"message":"hi","to_user_id":"2"}`)))

	assert.Empty(t, drain(a))
	assert.Empty(t, drain(b))
	assert.Empty(t, store.all())
}

func TestDispatch_FrameClosePolicy(t *testing.T) {
	h, a, _ := newDispatchFixture(&memStore{}, Options{FramePolicy: FrameClose})
	err := h.dispatch(context.Background(), a, websocket.TextMessage, []byte(`{"message":""}`))
	assert.ErrorIs(t, err, errMalformedFrame)
}

func TestDispatch_StoreFailureBestEffort(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	h, a, b := newDispatchFixture(store, Options{StorePolicy: StoreBestEffort})

	require.NoError(t, h.dispatch(context.Background(), a, websocket.TextMessage, []byte(`{"message":"hi","to_user_id":"2"}`)))

	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
	assert.Empty(t, store.all())
}

func TestDispatch_StoreFailureStrict(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	h, a, b := newDispatchFixture(store, Options{StorePolicy: StoreStrict})

	require.NoError(t, h.dispatch(context.Background(), a, websocket.TextMessage, []byte(`{"message":"hi","to_user_id":"2"}`)))

	require.Len(t, a.send, 1)
	var failed FailureMessage
	require.NoError(t, json.Unmarshal(<-a.send, &failed))
	assert.Equal(t, FailureMessage{Error: "delivery_failed", ToUserID: "2", Message: "hi"}, failed)
	assert.Empty(t, drain(b))
}

func TestDispatch_MessageToSelf(t *testing.T) {
	store := &memStore{}
	h, a, _ := newDispatchFixture(store, Options{})

	require.NoError(t, h.dispatch(context.Background(), a, websocket.TextMessage, []byte(`{"message":"note","to_user_id":"1"}`)))
	assert.Len(t, drain(a), 1)
	assert.Len(t, store.all(), 1)
}

func TestDispatch_FullMailboxDropsWithoutBlocking(t *testing.T) {
	store := &memStore{}
	h, a, b := newDispatchFixture(store, Options{})
	for i := 0; i < cap(b.send); i++ {
		b.send <- []byte(`{}`)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.dispatch(context.Background(), a, websocket.TextMessage, []byte(`{"message":"hi","to_user_id":"2"}`))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a full recipient mailbox")
	}
	assert.Len(t, drain(a), 1)
	assert.Len(t, store.all(), 1)
}

// ---- end to end over a real socket ----

type wsServer struct {
	t     *testing.T
	url   string
	h     *Handler
	store *memStore
}

func newWSServer(t *testing.T, opts Options) *wsServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := &memStore{}
	opts.Verifier = auth.NewVerifier(testSecret)
	opts.Directory = testDirectory()
	opts.Store = store
	h := NewHandler(opts)

	r := gin.New()
	r.GET("/ws", h.Serve())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &wsServer{t: t, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", h: h, store: store}
}

func token(t *testing.T, userID uint) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(userID, testSecret, 5)
	require.NoError(t, err)
	return tok
}

func (s *wsServer) dial(tok string) (*websocket.Conn, *http.Response, error) {
	u := s.url
	if tok != "" {
		u += "?token=" + tok
	}
	return websocket.DefaultDialer.Dial(u, nil)
}

// connect dials and waits until the registry points at a fresh connection for userID.
func (s *wsServer) connect(userID uint) *websocket.Conn {
	s.t.Helper()
	id := (&models.User{ID: userID}).IDString()
	before, _ := s.h.Registry().Lookup(id)
	conn, _, err := s.dial(token(s.t, userID))
	require.NoError(s.t, err)
	s.t.Cleanup(func() { conn.Close() })
	require.Eventually(s.t, func() bool {
		cur, ok := s.h.Registry().Lookup(id)
		return ok && cur != before
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn) OutboundMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out OutboundMessage
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "expected read timeout, got %v", err)
}

func TestServe_EndToEnd(t *testing.T) {
	s := newWSServer(t, Options{})
	a := s.connect(1)
	b := s.connect(2)

	send(t, a, `{"message":"hi","to_user_id":"2"}`)

	want := OutboundMessage{FromUserID: "1", FromUsername: "alice", ToUserID: "2", Message: "hi"}
	assert.Equal(t, want, readFrame(t, a))
	assert.Equal(t, want, readFrame(t, b))
	assert.Equal(t, []storedMessage{{"1", "2", "hi"}}, s.store.all())

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return !s.h.Registry().IsOnline("2") }, 2*time.Second, 5*time.Millisecond)

	send(t, a, `{"message":"are you there","to_user_id":"2"}`)
	got := readFrame(t, a)
	assert.Equal(t, "are you there", got.Message)
	assert.Equal(t, "2", got.ToUserID)
	assert.Equal(t, []storedMessage{{"1", "2", "hi"}, {"1", "2", "are you there"}}, s.store.all())
}

func TestServe_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	s := newWSServer(t, Options{})
	a := s.connect(1)

	send(t, a, `{"to_user_id":"2"}`)
	send(t, a, `{"message":"   ","to_user_id":"2"}`)
	send(t, a, `garbage`)
	expectSilence(t, a, 150*time.Millisecond)
	assert.Empty(t, s.store.all())
	assert.True(t, s.h.Registry().IsOnline("1"))
}

func TestServe_FramesProcessedInOrder(t *testing.T) {
	s := newWSServer(t, Options{})
	a := s.connect(1)
	b := s.connect(2)

	for _, m := range []string{"one", "two", "three"} {
		send(t, a, `{"message":"`+m+`","to_user_id":"2"}`)
	}
	for _, m := range []string{"one", "two", "three"} {
		assert.Equal(t, m, readFrame(t, b).Message)
	}
}

func TestServe_ReconnectKeepsNewestRegistration(t *testing.T) {
	s := newWSServer(t, Options{})
	first := s.connect(1)
	old, _ := s.h.Registry().Lookup("1")
	second := s.connect(1)
	bob := s.connect(2)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return old.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.h.Registry().IsOnline("1"))

	send(t, bob, `{"message":"still here?","to_user_id":"1"}`)
	assert.Equal(t, "still here?", readFrame(t, second).Message)
}

func TestServe_HandshakeRejected(t *testing.T) {
	s := newWSServer(t, Options{})

	// an entry owned by another connection must survive failed handshakes
	existing := testClient(s.h.Registry(), "3")
	s.h.Registry().Register("3", existing)

	noClaim, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	wrongSecret, err := auth.GenerateAccessToken(1, "other-secret", 5)
	require.NoError(t, err)
	expired, err := auth.GenerateAccessToken(1, testSecret, -1)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"garbage token", "abc.def.ghi"},
		{"wrong secret", wrongSecret},
		{"expired", expired},
		{"missing claim", noClaim},
		{"unknown user", token(t, 99)},
		{"inactive user", token(t, 3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := s.dial(tt.token)
			if conn != nil {
				conn.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}

	assert.Equal(t, 1, s.h.Registry().Online())
	got, ok := s.h.Registry().Lookup("3")
	require.True(t, ok)
	assert.Same(t, existing, got)
}

func TestHandshakeReason(t *testing.T) {
	assert.Equal(t, "missing_token", handshakeReason(ErrMissingToken))
	assert.Equal(t, "missing_claim", handshakeReason(auth.ErrMissingClaim))
	assert.Equal(t, "unknown_user", handshakeReason(ErrUnknownUser))
	assert.Equal(t, "invalid_token", handshakeReason(auth.ErrInvalidToken))
}
