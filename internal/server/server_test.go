package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"result-cards/internal/carddata"
	"result-cards/internal/cardtpl"
	"result-cards/internal/designs"
	"result-cards/internal/dispatch"
	"result-cards/internal/imagecache"
	"result-cards/internal/screenshot"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fakeRenderer struct {
	cache *imagecache.Cache
	data  []byte
	err   error

	mu   sync.Mutex
	keys []imagecache.Key
}

func (f *fakeRenderer) Ensure(_ context.Context, k imagecache.Key) (string, error) {
	f.mu.Lock()
	f.keys = append(f.keys, k)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if err := f.cache.Write(k, f.data); err != nil {
		return "", err
	}
	return f.cache.Path(k), nil
}

type fakeDesigns struct{}

func (fakeDesigns) Check(name string) error {
	if name != "igwin" && name != "seasonpoints" {
		return cardtpl.ErrTemplateNotFound
	}
	return nil
}

func (fakeDesigns) Aggregate(name string) bool { return name == "seasonpoints" }

func (d fakeDesigns) Key(name, event, participant string) imagecache.Key {
	if d.Aggregate(name) {
		participant = ""
	}
	return imagecache.Key{Template: name, Event: event, Participant: participant}
}

func (d fakeDesigns) Page(_ context.Context, name, event, participant string) (string, error) {
	if err := d.Check(name); err != nil {
		return "", err
	}
	if participant == "404" {
		return "", carddata.ErrParticipantNotFound
	}
	return "<html>" + name + " " + event + " " + participant + "</html>", nil
}

func (d fakeDesigns) Size(_ context.Context, name, _, _ string) (designs.Size, error) {
	if err := d.Check(name); err != nil {
		return designs.Size{}, err
	}
	return designs.Size{Width: 1080, Height: 1350}, nil
}

type runnerFunc func(ctx context.Context, req dispatch.Request) (*dispatch.Batch, error)

func (f runnerFunc) Run(ctx context.Context, req dispatch.Request) (*dispatch.Batch, error) {
	return f(ctx, req)
}

type fixture struct {
	cache    *imagecache.Cache
	renderer *fakeRenderer
	public   string
	handler  http.Handler
}

func newFixture(t *testing.T, run runnerFunc) *fixture {
	t.Helper()
	cache := imagecache.New(t.TempDir())
	public := t.TempDir()
	if run == nil {
		run = func(_ context.Context, req dispatch.Request) (*dispatch.Batch, error) {
			return &dispatch.Batch{BatchID: req.BatchID, Mode: dispatch.ModeSingle, Template: req.Template}, nil
		}
	}
	pool := dispatch.NewPool(run, 1, 1, discard())
	t.Cleanup(func() { pool.Close(context.Background()) })

	f := &fixture{
		cache:    cache,
		renderer: &fakeRenderer{cache: cache, data: pngOf(t, 40, 50)},
		public:   public,
	}
	f.handler = New(Deps{
		Cache:      cache,
		Renderer:   f.renderer,
		Designs:    fakeDesigns{},
		Dispatcher: pool,
		PublicDir:  public,
		Log:        discard(),
	}).Handler()
	return f
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestImageServesRenderedCard(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get("/images?file=igwin-1289-387.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), f.renderer.data) {
		t.Error("body is not the cached PNG")
	}
	want := imagecache.Key{Template: "igwin", Event: "1289", Participant: "387"}
	if len(f.renderer.keys) != 1 || f.renderer.keys[0] != want {
		t.Errorf("rendered %+v", f.renderer.keys)
	}
}

func TestImageAggregateDropsParticipant(t *testing.T) {
	f := newFixture(t, nil)

	for _, file := range []string{"seasonpoints-77.png", "seasonpoints-77-5.png"} {
		if rec := f.get("/images?file=" + file); rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", file, rec.Code)
		}
	}
	want := imagecache.Key{Template: "seasonpoints", Event: "77"}
	for _, k := range f.renderer.keys {
		if k != want {
			t.Errorf("rendered %+v, want %+v", k, want)
		}
	}
}

func TestImageErrors(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		err    error
		status int
		msg    string
	}{
		{"no extension", "igwin-1-2", nil, http.StatusBadRequest, "Sintaxis no válida"},
		{"no dash", "igwin.png", nil, http.StatusBadRequest, "Sintaxis no válida"},
		{"traversal", "..%2Figwin-1-2.png", nil, http.StatusBadRequest, "Sintaxis no válida"},
		{"participant required", "igwin-1.png", nil, http.StatusBadRequest, "Sintaxis no válida"},
		{"unknown template", "nope-1-2.png", cardtpl.ErrTemplateNotFound, http.StatusNotFound, "No se encontró el template"},
		{"unknown participant", "igwin-1-2.png", carddata.ErrParticipantNotFound, http.StatusNotFound, "No se encontró el participante"},
		{"page answered 404", "igwin-1-2.png", fmt.Errorf("render igwin-1-2: %w", &screenshot.PageError{URL: "u", Status: 404}), http.StatusNotFound, "No se encontró la información del evento"},
		{"page answered 500", "igwin-1-2.png", &screenshot.PageError{URL: "u", Status: 500}, http.StatusInternalServerError, "Error interno del servidor"},
		{"render failure", "igwin-1-2.png", errors.New("chrome crashed"), http.StatusInternalServerError, "Error interno del servidor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.renderer.err = tt.err
			rec := f.get("/images?file=" + tt.file)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := errorOf(t, rec); got != tt.msg {
				t.Errorf("error = %q, want %q", got, tt.msg)
			}
		})
	}
}

func TestPage(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get("/template/igwin/image?event=12&participant=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") || rec.Body.String() != "<html>igwin 12 5</html>" {
		t.Errorf("page = %q (%s)", rec.Body, rec.Header().Get("Content-Type"))
	}

	if rec := f.get("/template/seasonpoints/image?event=12"); rec.Code != http.StatusOK {
		t.Errorf("aggregate page without participant: status %d", rec.Code)
	}

	for path, status := range map[string]int{
		"/template/igwin/image?participant=5":            http.StatusBadRequest,
		"/template/igwin/image?event=12":                 http.StatusBadRequest,
		"/template/nope/image?event=12&participant=5":    http.StatusNotFound,
		"/template/igwin/image?event=12&participant=404": http.StatusNotFound,
	} {
		if rec := f.get(path); rec.Code != status {
			t.Errorf("%s: status = %d, want %d", path, rec.Code, status)
		}
	}
}

func TestSize(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get("/template/igwin/imageSize?event=12&participant=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got designs.Size
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got != (designs.Size{Width: 1080, Height: 1350}) {
		t.Errorf("size = %+v", got)
	}
	if rec := f.get("/template/igwin/imageSize?participant=5"); rec.Code != http.StatusBadRequest {
		t.Errorf("missing event: status %d", rec.Code)
	}
}

func TestDispatch(t *testing.T) {
	var mu sync.Mutex
	var seen []dispatch.Request
	f := newFixture(t, func(_ context.Context, req dispatch.Request) (*dispatch.Batch, error) {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		if req.Participant == "404" {
			return nil, carddata.ErrParticipantNotFound
		}
		return &dispatch.Batch{BatchID: req.BatchID, Mode: dispatch.ModeSingle, Template: req.Template, Results: []dispatch.Result{{ParticipantID: req.Participant, Errors: []string{}}}}, nil
	})

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/images/igwin/1289/387", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var b dispatch.Batch
	if err := json.NewDecoder(rec.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if b.BatchID == "" || b.Template != "igwin" || len(b.Results) != 1 || b.Results[0].ParticipantID != "387" {
		t.Errorf("batch = %+v", b)
	}

	for path, status := range map[string]int{
		"/images/igwin/0/387":    http.StatusBadRequest,
		"/images/nope/1289/1":    http.StatusNotFound,
		"/images/igwin/1289/404": http.StatusNotFound,
	} {
		if rec := f.get(path); rec.Code != status {
			t.Errorf("%s: status = %d, want %d", path, rec.Code, status)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Errorf("runner saw %d jobs, want 2 (rejected requests must not be queued)", len(seen))
	}
}

func TestDispatchMissingSegment(t *testing.T) {
	f := newFixture(t, func(context.Context, dispatch.Request) (*dispatch.Batch, error) {
		t.Error("malformed request reached the pool")
		return nil, nil
	})

	for _, path := range []string{
		"/images/igwin/1289/",
		"/images/igwin/1289",
		"/images/igwin",
		"/images/igwin/1289/387/extra",
	} {
		for _, method := range []string{http.MethodGet, http.MethodPost} {
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("%s %s: status = %d, want 400", method, path, rec.Code)
				continue
			}
			if got := errorOf(t, rec); got != "Sintaxis no válida" {
				t.Errorf("%s %s: error = %q", method, path, got)
			}
		}
	}
}

func TestSheet(t *testing.T) {
	f := newFixture(t, nil)

	if rec := f.get("/sheets/igwin/12.png"); rec.Code != http.StatusNotFound {
		t.Fatalf("empty sheet: status %d", rec.Code)
	}

	for _, p := range []string{"3", "10", "7"} {
		if err := f.cache.Write(imagecache.Key{Template: "igwin", Event: "12", Participant: p}, pngOf(t, 540, 675)); err != nil {
			t.Fatal(err)
		}
	}
	rec := f.get("/sheets/igwin/12.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode sheet: %v", err)
	}
	wantW := 3*(thumbWidth+sheetGap) + sheetGap
	wantH := (thumbWidth*675/540 + labelHeight + sheetGap) + sheetGap
	if b := img.Bounds(); b.Dx() != wantW || b.Dy() != wantH {
		t.Errorf("sheet is %dx%d, want %dx%d", b.Dx(), b.Dy(), wantW, wantH)
	}
}

func TestStaticFiles(t *testing.T) {
	f := newFixture(t, nil)
	if err := os.MkdirAll(filepath.Join(f.public, "fonts"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.public, "fonts", "gotham.woff2"), []byte("font"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := f.get("/fonts/gotham.woff2")
	if rec.Code != http.StatusOK || rec.Body.String() != "font" {
		t.Fatalf("font: status %d body %q", rec.Code, rec.Body)
	}
	if rec.Header().Get("Cache-Control") == "" {
		t.Error("fonts should be cacheable")
	}
}
