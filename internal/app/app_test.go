package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"yilaitu-client/internal/apiclient"
	"yilaitu-client/internal/events"
	"yilaitu-client/internal/model"
	"yilaitu-client/internal/notify"
	"yilaitu-client/internal/store"

	"github.com/rs/zerolog"
)

// backend 模拟后端：记录请求路径，/user/info 的结果可切换为 401
type backend struct {
	srv          *httptest.Server
	mu           sync.Mutex
	paths        []string
	unauthorized atomic.Bool
	recordStatus atomic.Value
	scanAfter    atomic.Int32
	checks       atomic.Int32
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	b.recordStatus.Store(string(model.StatusProcessing))
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.paths = append(b.paths, r.URL.Path)
	b.mu.Unlock()

	if b.unauthorized.Load() {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"code":401,"message":"token 已过期"}`)
		return
	}
	switch r.URL.Path {
	case "/auth/login/phone":
		writeData(w, `{"access_token":"tok-7","refresh_token":"r","user":{"id":7,"nickname":"小王","points":10}}`)
	case "/auth/login/wechat/check":
		if b.checks.Add(1) < b.scanAfter.Load() {
			writeData(w, `{"scanned":false}`)
			return
		}
		writeData(w, `{"scanned":true,"access_token":"tok-8","user":{"id":8,"nickname":"扫码用户"}}`)
	case "/user/info":
		writeData(w, `{"id":7,"nickname":"小王","points":90}`)
	case "/original_image_record/cursor":
		writeData(w, `[{"id":31,"status":"processing","images":[]},{"id":30,"status":"completed","images":[]}]`)
	case "/original_image_record/31":
		writeData(w, `{"id":31,"user_id":7,"status":"`+b.recordStatus.Load().(string)+`","images":[{"url":"https://cdn/31_0.png","index":0}]}`)
	case "/message/unread_count":
		writeData(w, `{"count":1}`)
	case "/message/list":
		writeData(w, `{"items":[{"id":5,"title":"生成完成","status":"unread","type":"task","extra_data":{"task_id":"31"}}],"total":1}`)
	default:
		writeData(w, `null`)
	}
}

func writeData(w http.ResponseWriter, data string) {
	_, _ = io.WriteString(w, `{"code":200,"message":"success","data":`+data+`}`)
}

func (b *backend) called(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.paths {
		if p == path {
			n++
		}
	}
	return n
}

func failingDial(ctx context.Context, rawURL string, header http.Header) (notify.Conn, error) {
	return nil, errors.New("dial refused")
}

func newApp(t *testing.T, b *backend, st *store.Store) *App {
	t.Helper()
	nop := zerolog.Nop()
	client := apiclient.New(apiclient.Options{BaseURL: b.srv.URL, Logger: &nop})
	a := New(Deps{Client: client, Store: st, Dial: failingDial, Logger: &nop}, Settings{
		WSURL:          "ws://127.0.0.1:1/ws",
		PollInterval:   10 * time.Millisecond,
		SuccessDelay:   time.Millisecond,
		TrackInterval:  10 * time.Millisecond,
		WechatInterval: 5 * time.Millisecond,
	})
	t.Cleanup(a.Close)
	return a
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := model.OpenDB(":memory:")
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	return store.New(db)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestLoginLoadsFeedAndMessages(t *testing.T) {
	b := newBackend(t)
	st := newStore(t)
	a := newApp(t, b, st)

	sess, err := a.LoginPhone(context.Background(), "13800000000", "1234")
	if err != nil {
		t.Fatalf("LoginPhone: %v", err)
	}
	if sess.User.ID != 7 || a.Client.Token() != "tok-7" {
		t.Fatalf("session not applied: %+v token=%q", sess, a.Client.Token())
	}
	if got := len(a.Feed.Records()); got != 2 {
		t.Fatalf("feed records mismatch: got %d want 2", got)
	}
	if snap := a.Messages.Snapshot(); snap.Unread != 1 || len(snap.Items) != 1 {
		t.Fatalf("messages not loaded: %+v", snap)
	}
	saved, err := st.LoadSession()
	if err != nil || saved.AccessToken != "tok-7" {
		t.Fatalf("session not persisted: %+v, %v", saved, err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	b := newBackend(t)
	st := newStore(t)
	a := newApp(t, b, st)

	var ended atomic.Int32
	a.Bus.Subscribe(events.SessionEnded, func(events.Event) { ended.Add(1) })

	if _, err := a.LoginPhone(context.Background(), "13800000000", "1234"); err != nil {
		t.Fatalf("LoginPhone: %v", err)
	}
	a.Logout()
	a.Logout()

	if ended.Load() != 1 {
		t.Fatalf("SessionEnded published %d times, want 1", ended.Load())
	}
	if _, ok := a.Session(); ok {
		t.Fatalf("session still present after logout")
	}
	if len(a.Feed.Records()) != 0 || len(a.Messages.Snapshot().Items) != 0 {
		t.Fatalf("state not cleared after logout")
	}
	if _, err := st.LoadSession(); !errors.Is(err, store.ErrNoSession) {
		t.Fatalf("local session not deleted: %v", err)
	}
}

func TestUnauthorizedTearsDownSession(t *testing.T) {
	b := newBackend(t)
	a := newApp(t, b, newStore(t))
	if _, err := a.LoginPhone(context.Background(), "13800000000", "1234"); err != nil {
		t.Fatalf("LoginPhone: %v", err)
	}

	b.unauthorized.Store(true)
	_, err := a.RefreshAccount(context.Background())
	if !errors.Is(err, apiclient.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if a.UserID() != 0 || a.Client.Token() != "" {
		t.Fatalf("session survived 401")
	}
}

func TestRestoreFromStore(t *testing.T) {
	b := newBackend(t)
	st := newStore(t)
	if err := st.SaveSession(model.Session{AccessToken: "tok-7", User: model.User{ID: 7, Points: 1}}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	a := newApp(t, b, st)

	sess, err := a.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if sess.User.Points != 90 {
		t.Fatalf("account not refreshed on restore: %+v", sess.User)
	}
}

func TestRestoreWithExpiredToken(t *testing.T) {
	b := newBackend(t)
	st := newStore(t)
	_ = st.SaveSession(model.Session{AccessToken: "old", User: model.User{ID: 7}})
	b.unauthorized.Store(true)
	a := newApp(t, b, st)

	if _, err := a.Restore(context.Background()); !errors.Is(err, apiclient.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := st.LoadSession(); !errors.Is(err, store.ErrNoSession) {
		t.Fatalf("expired session kept: %v", err)
	}
	if a.Client.Token() != "" {
		t.Fatalf("token kept after failed restore")
	}
}

func TestWaitWechatScan(t *testing.T) {
	b := newBackend(t)
	b.scanAfter.Store(3)
	a := newApp(t, b, nil)

	sess, err := a.WaitWechatScan(context.Background(), apiclient.WechatQRCode{SceneID: "s1", ExpireSeconds: 5})
	if err != nil {
		t.Fatalf("WaitWechatScan: %v", err)
	}
	if sess.User.ID != 8 || b.checks.Load() != 3 {
		t.Fatalf("unexpected result: user=%d checks=%d", sess.User.ID, b.checks.Load())
	}
}

func TestWaitWechatScanExpires(t *testing.T) {
	b := newBackend(t)
	b.scanAfter.Store(1 << 20)
	a := newApp(t, b, nil)

	_, err := a.WaitWechatScan(context.Background(), apiclient.WechatQRCode{SceneID: "s1", ExpireSeconds: 1})
	if !errors.Is(err, ErrQRCodeExpired) {
		t.Fatalf("expected ErrQRCodeExpired, got %v", err)
	}
}

func TestPushRefreshesTaskRecord(t *testing.T) {
	b := newBackend(t)
	a := newApp(t, b, nil)
	if _, err := a.LoginPhone(context.Background(), "13800000000", "1234"); err != nil {
		t.Fatalf("LoginPhone: %v", err)
	}

	var completed atomic.Int32
	a.Bus.Subscribe(events.TaskCompleted, func(ev events.Event) {
		if ev.TaskID == "31" {
			completed.Add(1)
		}
	})

	b.recordStatus.Store(string(model.StatusCompleted))
	extra, _ := json.Marshal(map[string]string{"task_id": "31"})
	a.Notifier.Dispatch(model.NotificationMessage{ID: 6, Title: "生成完成", Type: model.MessageTypeTask, ExtraData: extra})

	if completed.Load() != 1 {
		t.Fatalf("TaskCompleted published %d times, want 1", completed.Load())
	}
	if snap := a.Messages.Snapshot(); snap.Unread != 2 || snap.Items[0].ID != 6 {
		t.Fatalf("push not prepended: %+v", snap)
	}
	waitFor(t, func() bool {
		rec, ok := a.Feed.FindByID("31")
		return ok && rec.Status == model.StatusCompleted
	})

	// 同一条推送重复到达不再计数
	a.Notifier.Dispatch(model.NotificationMessage{ID: 6, Type: model.MessageTypeSystem})
	if a.Messages.Snapshot().Unread != 2 {
		t.Fatalf("duplicate push counted")
	}
}

func TestOpenNotificationResolvesRecord(t *testing.T) {
	b := newBackend(t)
	a := newApp(t, b, nil)
	if _, err := a.LoginPhone(context.Background(), "13800000000", "1234"); err != nil {
		t.Fatalf("LoginPhone: %v", err)
	}

	rec, err := a.OpenNotification(context.Background(), 5)
	if err != nil {
		t.Fatalf("OpenNotification: %v", err)
	}
	if rec == nil || rec.ID != 31 {
		t.Fatalf("record mismatch: %+v", rec)
	}
	// 记录已在本地记录流中，不需要再请求单条记录
	if n := b.called("/original_image_record/31"); n != 0 {
		t.Fatalf("record fetched %d times, want 0", n)
	}
	if b.called("/message/mark_read/5") != 1 || a.Messages.Snapshot().Unread != 0 {
		t.Fatalf("message not marked read")
	}
}

func TestPaidRefreshesAccount(t *testing.T) {
	b := newBackend(t)
	a := newApp(t, b, newStore(t))
	if _, err := a.LoginPhone(context.Background(), "13800000000", "1234"); err != nil {
		t.Fatalf("LoginPhone: %v", err)
	}
	refreshed := make(chan *model.User, 1)
	a.Bus.Subscribe(events.AccountRefreshed, func(ev events.Event) { refreshed <- ev.User })

	a.onPaid(model.PaymentOrder{OrderNo: "NO-1"})
	select {
	case u := <-refreshed:
		if u.Points != 90 {
			t.Fatalf("points mismatch: %d", u.Points)
		}
	case <-time.After(time.Second):
		t.Fatalf("AccountRefreshed not published")
	}
	if sess, _ := a.Session(); sess.User.Points != 90 {
		t.Fatalf("session not updated: %+v", sess.User)
	}
}
