package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"yilaitu-client/internal/apiclient"
	"yilaitu-client/internal/catalog"
	"yilaitu-client/internal/events"
	"yilaitu-client/internal/feed"
	"yilaitu-client/internal/model"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
)

var nop = zerolog.Nop()

type pageFetcher struct {
	page []model.GenerationRecord
}

func (f *pageFetcher) GetRecordsCursor(ctx context.Context, userID int64, cursor *int64, limit int) ([]model.GenerationRecord, error) {
	if cursor != nil {
		return nil, nil
	}
	return f.page, nil
}

func newFeed(t *testing.T, page ...model.GenerationRecord) *feed.Feed {
	t.Helper()
	f := feed.New(&pageFetcher{page: page}, feed.Options{Logger: &nop})
	if err := f.Reset(context.Background(), 1); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	return f
}

func newClient(srv *httptest.Server) *apiclient.Client {
	return apiclient.New(apiclient.Options{BaseURL: srv.URL, Logger: &nop})
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestHappyPathSubmitThenTrack(t *testing.T) {
	var recordCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/original_image_record/generate":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("ParseMultipartForm: %v", err)
			}
			var params JobParams
			if err := json.Unmarshal([]byte(r.FormValue("params")), &params); err != nil || params.Version != VersionCommon {
				t.Errorf("params mismatch: %q (%v)", r.FormValue("params"), err)
			}
			if _, _, err := r.FormFile(FieldFile); err != nil {
				t.Errorf("file part missing: %v", err)
			}
			_, _ = w.Write([]byte(`{"code":0,"message":"ok","data":{"task_id":"123"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/original_image_record/123":
			if recordCalls.Add(1) == 1 {
				_, _ = w.Write([]byte(`{"code":0,"data":{"id":123,"status":"processing","images":[]}}`))
				return
			}
			_, _ = w.Write([]byte(`{"code":0,"data":{"id":123,"status":"completed","images":[{"url":"https://cdn/a.jpg","index":0},{"url":"https://cdn/b.jpg","index":1}]}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := newClient(srv)
	records := newFeed(t)
	coord := NewCoordinator(client, Options{Logger: &nop})
	tracker := NewTracker(client, records, TrackerOptions{Interval: 5 * time.Millisecond, Logger: &nop})
	ctx := context.Background()

	ph, err := coord.Submit(ctx, JobParams{Version: VersionCommon, Ratio: "1:1", Quantity: 2}, Attachments{
		FieldFile: {FileName: "shirt.png", Content: pngBytes(t, 8, 8)},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ph.TaskID != "123" || ph.Images == nil || len(ph.Images) != 0 {
		t.Fatalf("placeholder mismatch: %#v", ph)
	}
	if _, ok := records.FindByID("123"); ok {
		t.Fatalf("record present in feed before any fetch")
	}

	first, err := tracker.Resolve(ctx, "123")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first.Status != model.StatusProcessing {
		t.Fatalf("status mismatch: got %s want processing", first.Status)
	}

	done, err := tracker.Wait(ctx, "123")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.Status != model.StatusCompleted || len(done.Images) != 2 {
		t.Fatalf("terminal record mismatch: %#v", done)
	}
	cached, ok := records.FindByID("123")
	if !ok || cached.Status != model.StatusCompleted {
		t.Fatalf("feed not reconciled: %#v %v", cached, ok)
	}
}

func TestSubmitValidationMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"code":0,"data":{"task_id":"1"}}`))
	}))
	defer srv.Close()

	store, err := catalog.New(catalog.Options{Logger: &nop})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	coord := NewCoordinator(newClient(srv), Options{Catalog: store, Logger: &nop})
	img := Attachment{FileName: "a.png", Content: pngBytes(t, 4, 4)}

	cases := []struct {
		name   string
		params JobParams
		files  Attachments
		field  string
	}{
		{name: "common without file", params: JobParams{Version: VersionCommon}, files: Attachments{}, field: "file"},
		{name: "common with empty file", params: JobParams{Version: VersionCommon}, files: Attachments{FieldFile: {FileName: "x.png"}}, field: "file"},
		{name: "pro single without file", params: JobParams{Version: VersionPro, OutfitType: OutfitSingle}, files: Attachments{FieldTopFile: img}, field: "file"},
		{name: "pro match without bottom", params: JobParams{Version: VersionPro, OutfitType: OutfitMatch}, files: Attachments{FieldTopFile: img}, field: "bottom_file"},
		{name: "unknown version", params: JobParams{Version: "ultra"}, files: Attachments{FieldFile: img}, field: "version"},
		{name: "unknown outfit", params: JobParams{Version: VersionPro, OutfitType: "layered"}, files: Attachments{FieldFile: img}, field: "outfit_type"},
		{name: "bad quantity", params: JobParams{Version: VersionCommon, Ratio: "1:1", Quantity: 3}, files: Attachments{FieldFile: img}, field: "quantity"},
		{name: "unknown style", params: JobParams{Version: VersionCommon, Style: "nope"}, files: Attachments{FieldFile: img}, field: "style"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := coord.Submit(context.Background(), tc.params, tc.files)
			var ve *apiclient.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("field mismatch: got %q want %q", ve.Field, tc.field)
			}
		})
	}
	if calls.Load() != 0 {
		t.Fatalf("validation failures issued %d requests", calls.Load())
	}
}

func TestSubmitProMatchSendsBothGarments(t *testing.T) {
	var mu sync.Mutex
	var parts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		mu.Lock()
		for name := range r.MultipartForm.File {
			parts = append(parts, name)
		}
		mu.Unlock()
		_, _ = w.Write([]byte(`{"code":0,"data":{"id":77}}`))
	}))
	defer srv.Close()

	coord := NewCoordinator(newClient(srv), Options{Logger: &nop})
	img := Attachment{FileName: "a.png", Content: pngBytes(t, 4, 4)}
	ph, err := coord.Submit(context.Background(), JobParams{Version: VersionPro, OutfitType: OutfitMatch}, Attachments{
		FieldTopFile:    img,
		FieldBottomFile: img,
		FieldSceneFile:  img,
		"unrelated":     img,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ph.TaskID != "77" {
		t.Fatalf("task id mismatch: got %q want 77", ph.TaskID)
	}
	got := strings.Join(parts, ",")
	for _, want := range []string{FieldTopFile, FieldBottomFile, FieldSceneFile} {
		if !strings.Contains(got, want) {
			t.Fatalf("part %q missing from %v", want, parts)
		}
	}
	if strings.Contains(got, "unrelated") {
		t.Fatalf("unexpected part sent: %v", parts)
	}
}

func TestSubmitDownscalesLargeUploads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile(FieldFile)
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer file.Close()
		if !strings.HasSuffix(header.Filename, ".jpg") {
			t.Errorf("filename mismatch: got %q want *.jpg", header.Filename)
		}
		img, err := imaging.Decode(file)
		if err != nil {
			t.Errorf("decode upload: %v", err)
			return
		}
		if b := img.Bounds(); b.Dx() != 1024 || b.Dy() > 342 {
			t.Errorf("upload not downscaled: %dx%d", b.Dx(), b.Dy())
		}
		_, _ = w.Write([]byte(`{"code":0,"data":{"task_id":"9"}}`))
	}))
	defer srv.Close()

	coord := NewCoordinator(newClient(srv), Options{MaxEdge: 1024, Logger: &nop})
	_, err := coord.Submit(context.Background(), JobParams{Version: VersionCommon}, Attachments{
		FieldFile: {FileName: "wide.png", Content: pngBytes(t, 3000, 1000)},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestSubmitBackendRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":4002,"message":"积分不足"}`))
	}))
	defer srv.Close()

	coord := NewCoordinator(newClient(srv), Options{Logger: &nop})
	_, err := coord.Submit(context.Background(), JobParams{Version: VersionCommon}, Attachments{
		FieldFile: {FileName: "a.png", Content: pngBytes(t, 4, 4)},
	})
	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 4002 {
		t.Fatalf("expected APIError 4002, got %v", err)
	}
}

func TestAddModelRequiresFile(t *testing.T) {
	coord := NewCoordinator(apiclient.New(apiclient.Options{BaseURL: "http://127.0.0.1:1", Logger: &nop}), Options{Logger: &nop})
	_, err := coord.AddModel(context.Background(), apiclient.ModelParams{Gender: "female"}, Attachment{})
	var ve *apiclient.ValidationError
	if !errors.As(err, &ve) || ve.Field != "file" {
		t.Fatalf("expected file ValidationError, got %v", err)
	}
}

type scriptedSource struct {
	mu     sync.Mutex
	calls  int
	status func(n int) model.RecordStatus
}

func (s *scriptedSource) GetRecord(ctx context.Context, id string) (*model.GenerationRecord, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	return &model.GenerationRecord{ID: 5, Status: s.status(n)}, nil
}

func TestWaitReturnsEarlyOnPush(t *testing.T) {
	src := &scriptedSource{status: func(n int) model.RecordStatus {
		if n == 1 {
			return model.StatusProcessing
		}
		return model.StatusCompleted
	}}
	bus := events.NewBus()
	var terminal atomic.Int32
	tracker := NewTracker(src, newFeed(t), TrackerOptions{
		Interval:   time.Hour,
		Bus:        bus,
		OnTerminal: func(model.GenerationRecord) { terminal.Add(1) },
		Logger:     &nop,
	})

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				bus.Publish(events.Event{Kind: events.TaskCompleted, TaskID: "other"})
				bus.Publish(events.Event{Kind: events.TaskCompleted, TaskID: "5"})
			}
		}
	}()
	defer close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := tracker.Wait(ctx, "5")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.Status != model.StatusCompleted {
		t.Fatalf("status mismatch: got %s", rec.Status)
	}
	if terminal.Load() != 1 {
		t.Fatalf("OnTerminal invoked %d times, want 1", terminal.Load())
	}
}

func TestWaitStopsOnContext(t *testing.T) {
	src := &scriptedSource{status: func(int) model.RecordStatus { return model.StatusProcessing }}
	tracker := NewTracker(src, newFeed(t), TrackerOptions{Interval: 5 * time.Millisecond, Logger: &nop})
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	if _, err := tracker.Wait(ctx, "5"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

type gatedSource struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *gatedSource) GetRecord(ctx context.Context, id string) (*model.GenerationRecord, error) {
	if s.calls.Add(1) == 1 {
		close(s.started)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
	}
	return &model.GenerationRecord{ID: 5, Status: model.StatusCompleted}, nil
}

func TestSharedFetchSurvivesFirstCallerCancel(t *testing.T) {
	src := &gatedSource{started: make(chan struct{}), release: make(chan struct{})}
	tracker := NewTracker(src, newFeed(t), TrackerOptions{Logger: &nop})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := tracker.Fetch(ctxA, "5")
		errA <- err
	}()
	<-src.started

	type result struct {
		rec model.GenerationRecord
		err error
	}
	resB := make(chan result, 1)
	go func() {
		rec, err := tracker.Resolve(context.Background(), "5")
		resB <- result{rec, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller error mismatch: %v", err)
	}
	close(src.release)

	select {
	case r := <-resB:
		if r.err != nil {
			t.Fatalf("live caller failed: %v", r.err)
		}
		if r.rec.ID != 5 || r.rec.Status != model.StatusCompleted {
			t.Fatalf("record mismatch: %+v", r.rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("live caller never returned")
	}
	if src.calls.Load() != 1 {
		t.Fatalf("requests not merged: %d calls", src.calls.Load())
	}
}

type fakeFeedbackClient struct {
	calls atomic.Int32
}

func (c *fakeFeedbackClient) SubmitFeedback(ctx context.Context, req apiclient.FeedbackRequest) (int64, error) {
	c.calls.Add(1)
	return 900 + req.RecordID, nil
}

func TestFeedbackSubmitPatchesRecordOnce(t *testing.T) {
	records := newFeed(t, model.GenerationRecord{ID: 9, Status: model.StatusCompleted})
	client := &fakeFeedbackClient{}
	fb := NewFeedback(client, records, &nop)
	ctx := context.Background()

	if _, err := fb.Submit(ctx, apiclient.FeedbackRequest{RecordID: 9, Rating: 6}); err == nil {
		t.Fatalf("rating 6 accepted")
	}
	id, err := fb.Submit(ctx, apiclient.FeedbackRequest{RecordID: 9, Rating: 4, Content: " 很好 "})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec, _ := records.FindByID("9")
	if rec.FeedbackID == nil || *rec.FeedbackID != id {
		t.Fatalf("feedback id not patched: %#v", rec.FeedbackID)
	}

	_, err = fb.Submit(ctx, apiclient.FeedbackRequest{RecordID: 9, Rating: 5})
	var ve *apiclient.ValidationError
	if !errors.As(err, &ve) || ve.Field != "feedback_id" {
		t.Fatalf("second feedback not rejected: %v", err)
	}
	if client.calls.Load() != 1 {
		t.Fatalf("feedback calls mismatch: got %d want 1", client.calls.Load())
	}
}
