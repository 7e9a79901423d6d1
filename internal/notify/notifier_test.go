package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"yilaitu-client/internal/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type serverConn struct {
	userID string
	conn   *websocket.Conn
	closed chan struct{}
}

type wsServer struct {
	srv   *httptest.Server
	conns chan *serverConn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *serverConn, 8)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{userID: r.URL.Query().Get("user_id"), conn: c, closed: make(chan struct{})}
		go func() {
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					close(sc.closed)
					return
				}
			}
		}()
		s.conns <- sc
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws" }

func (s *wsServer) next(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-s.conns:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection accepted")
		return nil
	}
}

type countingDialer struct{ n atomic.Int32 }

func (d *countingDialer) dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	d.n.Add(1)
	return WebsocketDialer(ctx, rawURL, header)
}

func newNotifier(s *wsServer, d *countingDialer) *Notifier {
	nop := zerolog.Nop()
	return New(Options{URL: s.url(), Dial: d.dial, Logger: &nop})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFanOutInRegistrationOrder(t *testing.T) {
	s := newWSServer(t)
	n := newNotifier(s, &countingDialer{})
	defer n.Disconnect()

	var mu sync.Mutex
	var got []string
	record := func(name string) Handler {
		return func(msg model.NotificationMessage) {
			mu.Lock()
			got = append(got, name+":"+msg.Title)
			mu.Unlock()
		}
	}
	n.AddMessageHandler(record("a"))
	unsubB := n.AddMessageHandler(record("b"))
	n.AddMessageHandler(record("c"))

	if err := n.Connect(context.Background(), 7); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sc := s.next(t)
	if sc.userID != "7" {
		t.Fatalf("user_id mismatch: got %q", sc.userID)
	}

	if err := sc.conn.WriteJSON(model.NotificationMessage{ID: 1, Title: "m1", Type: model.MessageTypeSystem}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(got) == 3 })

	unsubB()
	if err := sc.conn.WriteJSON(model.NotificationMessage{ID: 2, Title: "m2"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(got) == 5 })

	want := []string{"a:m1", "b:m1", "c:m1", "a:m2", "c:m2"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery #%d mismatch: got %q want %q (all %v)", i, got[i], want[i], got)
		}
	}
}

func TestConnectSameUserIsNoop(t *testing.T) {
	s := newWSServer(t)
	d := &countingDialer{}
	n := newNotifier(s, d)
	defer n.Disconnect()

	ctx := context.Background()
	if err := n.Connect(ctx, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := n.Connect(ctx, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if d.n.Load() != 1 {
		t.Fatalf("dial count mismatch: got %d want 1", d.n.Load())
	}
}

func TestConnectOtherUserReplacesConnection(t *testing.T) {
	s := newWSServer(t)
	d := &countingDialer{}
	n := newNotifier(s, d)
	defer n.Disconnect()

	ctx := context.Background()
	if err := n.Connect(ctx, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := s.next(t)
	if err := n.Connect(ctx, 2); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	second := s.next(t)

	select {
	case <-first.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("previous connection not torn down")
	}
	if second.userID != "2" {
		t.Fatalf("user_id mismatch: got %q", second.userID)
	}
	if uid, ok := n.Connected(); !ok || uid != 2 {
		t.Fatalf("Connected() = %d, %v", uid, ok)
	}
}

func TestNoAutomaticReconnect(t *testing.T) {
	s := newWSServer(t)
	d := &countingDialer{}
	n := newNotifier(s, d)
	defer n.Disconnect()

	if err := n.Connect(context.Background(), 3); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sc := s.next(t)
	_ = sc.conn.Close()

	waitFor(t, func() bool { _, ok := n.Connected(); return !ok })
	time.Sleep(50 * time.Millisecond)
	if d.n.Load() != 1 {
		t.Fatalf("notifier redialed on its own: %d dials", d.n.Load())
	}

	// 显式 Connect 才会重建
	if err := n.Connect(context.Background(), 3); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if d.n.Load() != 2 {
		t.Fatalf("explicit reconnect not performed")
	}
}

func TestHandlersSurviveDisconnect(t *testing.T) {
	s := newWSServer(t)
	n := newNotifier(s, &countingDialer{})
	defer n.Disconnect()

	received := make(chan model.NotificationMessage, 1)
	n.AddMessageHandler(func(msg model.NotificationMessage) { received <- msg })

	ctx := context.Background()
	if err := n.Connect(ctx, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := s.next(t)
	n.Disconnect()
	<-first.closed

	if err := n.Connect(ctx, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sc := s.next(t)
	if err := sc.conn.WriteMessage(websocket.TextMessage, []byte(`{"id":5,"type":"task","extra_data":{"task_id":"123"}}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	select {
	case msg := <-received:
		if msg.TaskID() != "123" {
			t.Fatalf("task id mismatch: %q", msg.TaskID())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not invoked after reconnect")
	}
}

func TestHandlerPanicDoesNotStopFanOut(t *testing.T) {
	n := New(Options{URL: "ws://unused"})
	var called bool
	n.AddMessageHandler(func(model.NotificationMessage) { panic("boom") })
	n.AddMessageHandler(func(model.NotificationMessage) { called = true })
	n.Dispatch(model.NotificationMessage{ID: 1})
	if !called {
		t.Fatalf("second handler skipped after panic")
	}
}

type blockingConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *blockingConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *blockingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestDisconnectDuringDialDropsLateConnection(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	conn := &blockingConn{closed: make(chan struct{})}
	nop := zerolog.Nop()
	n := New(Options{
		URL: "ws://127.0.0.1:1/ws",
		Dial: func(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
			close(entered)
			<-release
			return conn, nil
		},
		Logger: &nop,
	})

	done := make(chan error, 1)
	go func() { done <- n.Connect(context.Background(), 7) }()
	<-entered

	returned := make(chan struct{})
	go func() {
		n.Disconnect()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("Disconnect blocked behind an in-flight dial")
	}

	close(release)
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("Connect error mismatch: got %v want ErrSuperseded", err)
	}
	if _, ok := n.Connected(); ok {
		t.Fatalf("late connection was installed after Disconnect")
	}
	select {
	case <-conn.closed:
	default:
		t.Fatalf("late connection was not closed")
	}
}
