package worker

import (
	"bytes"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"yilaitu-client/internal/model"
	"yilaitu-client/internal/storage"

	"github.com/rs/zerolog"
)

type memRecorder struct {
	mu   sync.Mutex
	rows []model.ResultFileRow
}

func (r *memRecorder) SaveResultFile(row model.ResultFileRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, row)
	return nil
}

func TestFileName(t *testing.T) {
	cases := []struct {
		img  model.ResultImage
		want string
	}{
		{model.ResultImage{URL: "https://cdn/x/a.PNG?x-oss-process=1", Index: 1}, "results/7_1.png"},
		{model.ResultImage{FilePath: "/uploads/b", Index: 0}, "results/7_0.jpg"},
	}
	for _, tc := range cases {
		if got := FileName(7, tc.img); got != tc.want {
			t.Fatalf("FileName mismatch: got %q want %q", got, tc.want)
		}
	}
}

func TestPoolDownloadsCompletedRecord(t *testing.T) {
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, image.NewRGBA(image.Rect(0, 0, 300, 300))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	st, err := storage.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	rec := &memRecorder{}
	nop := zerolog.Nop()
	pool := NewPool(Options{Workers: 2, Storage: st, Recorder: rec, BaseURL: srv.URL, Logger: &nop})
	pool.Start()

	n := pool.SubmitRecord(model.GenerationRecord{
		ID:     12,
		Status: model.StatusCompleted,
		Images: []model.ResultImage{
			{URL: srv.URL + "/a.png", Index: 0},
			{FilePath: "results/b.png", Index: 1},
			{URL: srv.URL + "/missing.png", Index: 2},
		},
	})
	if n != 3 {
		t.Fatalf("queued mismatch: got %d want 3", n)
	}
	if pool.SubmitRecord(model.GenerationRecord{ID: 13, Status: model.StatusProcessing, Images: []model.ResultImage{{URL: "x"}}}) != 0 {
		t.Fatalf("processing record queued")
	}
	pool.Stop()

	if pool.Submit(Task{RecordID: 1}) {
		t.Fatalf("Submit accepted after Stop")
	}
	if len(rec.rows) != 2 {
		t.Fatalf("recorded rows mismatch: got %d want 2", len(rec.rows))
	}
	for _, row := range rec.rows {
		if _, err := os.Stat(row.LocalPath); err != nil {
			t.Fatalf("downloaded file missing: %v", err)
		}
		if row.ThumbnailPath == "" || row.Width != 300 {
			t.Fatalf("thumbnail metadata missing: %+v", row)
		}
	}
}
