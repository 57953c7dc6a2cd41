package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fruitsalade/assetspace/internal/keys"
	"github.com/fruitsalade/assetspace/internal/metadata"
	"github.com/fruitsalade/assetspace/internal/namespace"
	"github.com/fruitsalade/assetspace/internal/queue"
	"github.com/fruitsalade/assetspace/internal/storage"
	"github.com/fruitsalade/assetspace/internal/storage/local"
	"github.com/fruitsalade/assetspace/internal/sweeper"
)

type fakeQueue struct {
	imports []queue.ImportPayload
	sweeps  []int
}

func (f *fakeQueue) EnqueueSweep(_ context.Context, days int) (string, error) {
	f.sweeps = append(f.sweeps, days)
	return "sweep-1", nil
}

func (f *fakeQueue) EnqueueImport(_ context.Context, p queue.ImportPayload) (string, error) {
	f.imports = append(f.imports, p)
	return "import-1", nil
}

type testEnv struct {
	handler http.Handler
	queue   *fakeQueue
	files   *local.Backend
}

func newTestEnv(t *testing.T, withQueue bool) *testEnv {
	t.Helper()
	signer := storage.NewURLSigner("test-secret")
	lb, err := local.New(local.Config{
		RootPath:      t.TempDir(),
		CreateDirs:    true,
		PublicBaseURL: "http://example.test",
		Signer:        signer,
	})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	store, err := metadata.Open("sqlite://"+filepath.Join(t.TempDir(), "assets.db"), "assets")
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	env := &testEnv{files: lb}
	cfg := Config{
		Service: namespace.New(lb, store, namespace.Options{}),
		Sweeper: sweeper.New(lb, sweeper.Config{}),
		Files:   lb,
		Signer:  signer,
	}
	if withQueue {
		env.queue = &fakeQueue{}
		cfg.Queue = env.queue
	}
	env.handler = NewServer(cfg).Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, tenant string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[map[string]string](t, rec); got["status"] != "ok" || got["storage"] != "local" {
		t.Errorf("body = %v", got)
	}
}

func TestTenantHeaderRequired(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/api/v1/tree", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.Code != http.StatusBadRequest || got.Error == "" {
		t.Errorf("error body = %+v", got)
	}
}

func TestAssetLifecycle(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/api/v1/content/docs/report.txt", strings.NewReader("hello"), "t1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body)
	}
	file := decode[metadata.Asset](t, rec)
	if file.Key != "assets/t1/docs/report.txt" || file.SizeBytes != 5 {
		t.Errorf("uploaded = %+v", file)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/assets/"+file.ID, nil, "t1")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/assets/"+file.ID, nil, "t2"); rec.Code != http.StatusNotFound {
		t.Errorf("cross-tenant get status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodPatch, "/api/v1/assets/"+file.ID, strings.NewReader(`{"name":"final.txt"}`), "t1")
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d: %s", rec.Code, rec.Body)
	}
	renamed := decode[namespace.RenameReport](t, rec)
	if !renamed.Committed || renamed.Asset.Key != "assets/t1/docs/final.txt" {
		t.Errorf("rename report = %+v", renamed)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/assets/"+file.ID+"/url?ttl=5m", nil, "t1")
	if rec.Code != http.StatusOK {
		t.Fatalf("url status = %d: %s", rec.Code, rec.Body)
	}
	link := decode[map[string]any](t, rec)["url"].(string)
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	rec = env.do(t, http.MethodGet, u.RequestURI(), nil, "")
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Errorf("signed link = %d %q", rec.Code, rec.Body)
	}
	tampered := strings.Replace(u.RequestURI(), "final.txt", "other.txt", 1)
	if rec := env.do(t, http.MethodGet, tampered, nil, ""); rec.Code != http.StatusForbidden {
		t.Errorf("tampered link status = %d, want 403", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/assets/"+file.ID, nil, "t1")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/assets/"+file.ID, nil, "t1"); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestErrorStatusCodes(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, http.MethodPost, "/api/v1/content/a.txt", strings.NewReader("a"), "t1")
	rec := env.do(t, http.MethodPost, "/api/v1/content/b.txt", strings.NewReader("b"), "t1")
	b := decode[metadata.Asset](t, rec)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"rename onto existing", http.MethodPatch, "/api/v1/assets/" + b.ID, `{"name":"a.txt"}`, http.StatusConflict},
		{"rename bad name", http.MethodPatch, "/api/v1/assets/" + b.ID, `{"name":"x/y"}`, http.StatusBadRequest},
		{"rename bad body", http.MethodPatch, "/api/v1/assets/" + b.ID, `{`, http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/api/v1/assets/not-a-uuid", "", http.StatusNotFound},
		{"folder over file", http.MethodPost, "/api/v1/folders/a.txt", "", http.StatusConflict},
		{"bad tree source", http.MethodGet, "/api/v1/tree?source=cache", "", http.StatusBadRequest},
		{"bad ttl", http.MethodGet, "/api/v1/assets/" + b.ID + "/url?ttl=forever", "", http.StatusBadRequest},
		{"garbage archive", http.MethodPost, "/api/v1/import", "not a zip", http.StatusBadRequest},
		{"async without queue", http.MethodPost, "/api/v1/import?async=true", "zip", http.StatusServiceUnavailable},
		{"bad sweep days", http.MethodPost, "/api/v1/sweep?days=-1", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			rec := env.do(t, tt.method, tt.target, body, "t1")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", keys.ErrInvalidPath), http.StatusBadRequest},
		{keys.ErrInvalidName, http.StatusBadRequest},
		{namespace.ErrAssetNotFound, http.StatusNotFound},
		{storage.NotFound("get", "k"), http.StatusNotFound},
		{namespace.ErrAssetExists, http.StatusConflict},
		{storage.Transient("put", "k", errors.New("503")), http.StatusServiceUnavailable},
		{storage.Terminal("put", "k", errors.New("403")), http.StatusBadGateway},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func zipOf(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		w.Write([]byte(body))
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestImportAndTree(t *testing.T) {
	env := newTestEnv(t, false)
	archive := zipOf(t, map[string]string{
		"docs/2024/report.pdf": "%PDF",
		"docs/cover.png":       "png",
		"../escape.txt":        "x",
	})

	rec := env.do(t, http.MethodPost, "/api/v1/import?dest=incoming", bytes.NewReader(archive), "t1")
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("import status = %d, want 207: %s", rec.Code, rec.Body)
	}
	resp := decode[ImportResponse](t, rec)
	if resp.Report.Files != 2 || len(resp.Report.Skipped) != 1 {
		t.Errorf("report = %+v", resp.Report)
	}

	for _, source := range []string{"storage", "records"} {
		rec = env.do(t, http.MethodGet, "/api/v1/tree?root=incoming&ext=.pdf&source="+source, nil, "t1")
		if rec.Code != http.StatusOK {
			t.Fatalf("tree status = %d", rec.Code)
		}
		body := rec.Body.String()
		if !strings.Contains(body, "report.pdf") || strings.Contains(body, "cover.png") {
			t.Errorf("%s tree = %s", source, body)
		}
	}
}

func TestAsyncImportAndSweep(t *testing.T) {
	env := newTestEnv(t, true)
	archive := zipOf(t, map[string]string{"a.txt": "a"})

	rec := env.do(t, http.MethodPost, "/api/v1/import?async=true&dest=x", bytes.NewReader(archive), "t1")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	job := decode[JobResponse](t, rec)
	if job.TaskID != "import-1" || len(env.queue.imports) != 1 {
		t.Fatalf("job = %+v, queued = %v", job, env.queue.imports)
	}
	if p := env.queue.imports[0]; p.StagingKey != job.StagingKey || p.Destination != "x" || p.TenantID != "t1" {
		t.Errorf("payload = %+v", p)
	}
	if ok, _ := env.files.Exists(context.Background(), job.StagingKey); !ok {
		t.Error("archive not staged")
	}

	rec = env.do(t, http.MethodPost, "/api/v1/sweep?days=3&async=true", nil, "")
	if rec.Code != http.StatusAccepted || len(env.queue.sweeps) != 1 || env.queue.sweeps[0] != 3 {
		t.Errorf("async sweep = %d %v", rec.Code, env.queue.sweeps)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/sweep", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep status = %d", rec.Code)
	}
	if report := decode[sweeper.Report](t, rec); report.DeletedCount != 0 {
		t.Errorf("fresh objects swept: %+v", report)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, false)
	srv := NewServer(Config{
		Service:     namespace.New(env.files, nil, namespace.Options{}),
		CORSOrigins: []string{"https://app.example.com"},
	})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/tree", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", TenantHeader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/tree", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin allowed: %q", got)
	}
}

func TestFolderChildren(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, http.MethodPost, "/api/v1/content/docs/a.txt", strings.NewReader("a"), "t1")
	env.do(t, http.MethodPost, "/api/v1/content/docs/sub/b.txt", strings.NewReader("b"), "t1")
	rec := env.do(t, http.MethodPost, "/api/v1/content/readme.txt", strings.NewReader("r"), "t1")
	readme := decode[metadata.Asset](t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/folders/docs", nil, "t1")
	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("folder status = %d: %s", rec.Code, rec.Body)
	}
	docs := decode[metadata.Asset](t, rec)

	rec = env.do(t, http.MethodGet, "/api/v1/assets/"+docs.ID+"/children", nil, "t1")
	if rec.Code != http.StatusOK {
		t.Fatalf("children status = %d: %s", rec.Code, rec.Body)
	}
	kids := decode[[]metadata.Asset](t, rec)
	if len(kids) != 2 || kids[0].Key != "assets/t1/docs/sub/" || kids[1].Key != "assets/t1/docs/a.txt" {
		t.Errorf("children = %+v", kids)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/assets/"+readme.ID+"/children", nil, "t1"); rec.Code != http.StatusBadRequest {
		t.Errorf("children of a file status = %d, want 400", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/content/readme.txt/x.txt", strings.NewReader("x"), "t1"); rec.Code != http.StatusConflict {
		t.Errorf("upload below a file status = %d, want 409", rec.Code)
	}
}
