package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/live-translator/internal/storage"
)

type linkedStore struct {
	storage.SegmentStore
	url string
}

func (s linkedStore) Link(context.Context, string) (string, error) { return s.url, nil }

func serveArchive(store storage.SegmentStore, path string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	NewArchiveHandler(store).Routes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestGetSegment(t *testing.T) {
	local := storage.NewLocalStore(t.TempDir())
	key := "segments/2026-10-17/080000-000007.wav"
	if err := local.Put(context.Background(), key, []byte("RIFFdata"), storage.SegmentMeta{Seq: 7}); err != nil {
		t.Fatal(err)
	}

	t.Run("streams_local", func(t *testing.T) {
		rec := serveArchive(local, "/archive/"+key)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("Content-Type = %q, want audio/wav", ct)
		}
		body, _ := io.ReadAll(rec.Body)
		if string(body) != "RIFFdata" {
			t.Errorf("body = %q, want RIFFdata", body)
		}
	})

	t.Run("not_found", func(t *testing.T) {
		rec := serveArchive(local, "/archive/segments/2026-10-17/missing.wav")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("escaping_key", func(t *testing.T) {
		rec := serveArchive(local, "/archive/segments/../../etc/x.wav")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("not_wav", func(t *testing.T) {
		rec := serveArchive(local, "/archive/segments/notes.txt")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("redirects_to_link", func(t *testing.T) {
		rec := serveArchive(linkedStore{SegmentStore: local, url: "https://bucket.example/seg.wav?sig=1"}, "/archive/"+key)
		if rec.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != "https://bucket.example/seg.wav?sig=1" {
			t.Errorf("Location = %q", loc)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		rec := serveArchive(nil, "/archive/"+key)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})
}
