package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/docsearch/cmd/docsearch-api/handlers"
	"github.com/spherical-ai/docsearch/cmd/docsearch-api/middleware"
	"github.com/spherical-ai/docsearch/internal/app"
	"github.com/spherical-ai/docsearch/internal/config"
	"github.com/spherical-ai/docsearch/internal/intake"
	"github.com/spherical-ai/docsearch/internal/ocr"
	"github.com/spherical-ai/docsearch/internal/preprocess"
	"github.com/spherical-ai/docsearch/internal/search"
	"github.com/spherical-ai/docsearch/internal/storage"
)

type fixture struct {
	app *app.App
	srv *httptest.Server
}

func newFixture(t *testing.T, configure func(*config.Config), route func(*RouterConfig)) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database.SQLite.Path = filepath.Join(dir, "api.db")
	cfg.Pipeline.UploadDir = filepath.Join(dir, "uploads")
	cfg.Pipeline.RasterDir = filepath.Join(dir, "pages")
	cfg.RateLimit.Enabled = false
	if configure != nil {
		configure(cfg)
	}

	recognizer := ocr.RecognizerFunc(func(ctx context.Context, image []byte, language string) (ocr.Result, error) {
		return ocr.Result{}, nil
	})

	ctx := context.Background()
	a, err := app.New(ctx, cfg, nil, app.WithRecognizer(recognizer))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	rc := NewRouterConfig(a)
	if route != nil {
		route(&rc)
	}
	srv := httptest.NewServer(NewRouter(a, rc))
	t.Cleanup(func() {
		srv.Close()
		_ = a.Close()
	})
	return &fixture{app: a, srv: srv}
}

func (f *fixture) upload(t *testing.T, filename, content string, fields map[string]string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.srv.URL+"/api/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) waitJob(t *testing.T, jobID string) intake.JobView {
	t.Helper()
	var view intake.JobView
	require.Eventually(t, func() bool {
		resp := f.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		view = decode[intake.JobView](t, resp)
		return view.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)
	return view
}

func (f *fixture) ingest(t *testing.T, filename, content string) handlers.UploadResponseDTO {
	t.Helper()
	resp := f.upload(t, filename, content, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	up := decode[handlers.UploadResponseDTO](t, resp)
	view := f.waitJob(t, up.JobID)
	require.Equal(t, storage.JobStatusCompleted, view.Status)
	return up
}

func TestAPI_UploadProcessAndSearch(t *testing.T) {
	f := newFixture(t, nil, nil)
	up := f.ingest(t, "ml.txt", "Machine learning algorithms process data efficiently.")
	assert.False(t, up.Duplicate)

	resp := f.do(t, http.MethodGet, "/api/search?q=machine+learning", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decode[search.Response](t, resp)
	require.Len(t, results.Results, 1)
	assert.Equal(t, up.DocumentID, results.Results[0].DocumentID.String())
	assert.Contains(t, results.Results[0].Snippet, "<mark>Machine</mark>")
	assert.Equal(t, "machine learning", results.Query)

	resp = f.do(t, http.MethodGet, "/api/documents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[intake.DocumentList](t, resp)
	require.Len(t, list.Documents, 1)
	assert.Equal(t, 1, list.Pagination.Total)

	resp = f.do(t, http.MethodGet, "/api/documents/"+up.DocumentID+"/pages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pages := decode[[]storage.Page](t, resp)
	require.Len(t, pages, 1)
	assert.Equal(t, 1, pages[0].PageNumber)

	dup := f.upload(t, "again.txt", "Machine learning algorithms process data efficiently.", nil)
	require.Equal(t, http.StatusOK, dup.StatusCode)
	dupBody := decode[handlers.UploadResponseDTO](t, dup)
	assert.True(t, dupBody.Duplicate)
	assert.Equal(t, up.JobID, dupBody.JobID)
}

func TestAPI_CorrectPageUpdatesSearch(t *testing.T) {
	f := newFixture(t, nil, nil)
	up := f.ingest(t, "scan.txt", "teh quick brown fox")

	pages := decode[[]storage.Page](t, f.do(t, http.MethodGet, "/api/documents/"+up.DocumentID+"/pages", nil))
	require.Len(t, pages, 1)

	resp := f.do(t, http.MethodPut, "/api/pages/"+pages[0].ID.String()+"/correct", handlers.CorrectRequestDTO{Text: "the quick brown fox"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[storage.Page](t, resp)
	assert.Equal(t, "the quick brown fox", page.Text)
	assert.Equal(t, 100.0, page.Confidence)

	results := decode[search.Response](t, f.do(t, http.MethodGet, "/api/search?q=quick", nil))
	require.Len(t, results.Results, 1)
	assert.Contains(t, results.Results[0].Snippet, "the <mark>quick</mark>")

	resp = f.do(t, http.MethodPut, "/api/pages/"+pages[0].ID.String()+"/correct", handlers.CorrectRequestDTO{Text: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_ReprocessAndDelete(t *testing.T) {
	f := newFixture(t, nil, nil)
	up := f.ingest(t, "notes.txt", "reprocess me")

	resp := f.do(t, http.MethodPost, "/api/documents/"+up.DocumentID+"/reprocess", handlers.ReprocessRequestDTO{Language: "deu"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	re := decode[handlers.ReprocessResponseDTO](t, resp)
	assert.NotEqual(t, up.JobID, re.JobID)
	assert.Equal(t, "deu", re.Parameters.Language)

	view := f.waitJob(t, re.JobID)
	assert.Equal(t, storage.JobStatusCompleted, view.Status)
	assert.Equal(t, "deu", view.Language)

	jobs := decode[[]storage.Job](t, f.do(t, http.MethodGet, "/api/documents/"+up.DocumentID+"/jobs", nil))
	assert.Len(t, jobs, 2)

	resp = f.do(t, http.MethodDelete, "/api/documents/"+up.DocumentID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/documents/"+up.DocumentID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	results := decode[search.Response](t, f.do(t, http.MethodGet, "/api/search?q=reprocess", nil))
	assert.Empty(t, results.Results)
}

func TestAPI_ReprocessPreprocessDefaults(t *testing.T) {
	f := newFixture(t, nil, nil)
	up := f.ingest(t, "notes.txt", "partial options")

	body := map[string]any{"preprocess": map[string]any{"denoise": true}}
	resp := f.do(t, http.MethodPost, "/api/documents/"+up.DocumentID+"/reprocess", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	re := decode[handlers.ReprocessResponseDTO](t, resp)

	require.NotNil(t, re.Parameters.Preprocess)
	assert.Equal(t, preprocess.Options{Binarize: true, Threshold: 128, Denoise: true}, *re.Parameters.Preprocess)
	f.waitJob(t, re.JobID)

	job := decode[storage.Job](t, f.do(t, http.MethodGet, "/api/jobs/"+re.JobID, nil))
	stored, err := preprocess.Parse([]byte(job.Preprocess))
	require.NoError(t, err)
	assert.Equal(t, re.Parameters.Preprocess, stored)

	bad := map[string]any{"preprocess": map[string]any{"threshold": 999}}
	resp = f.do(t, http.MethodPost, "/api/documents/"+up.DocumentID+"/reprocess", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	pages := decode[[]storage.Page](t, f.do(t, http.MethodGet, "/api/documents/"+up.DocumentID+"/pages", nil))
	require.NotEmpty(t, pages)
	resp = f.do(t, http.MethodPost, "/api/pages/"+pages[0].ID.String()+"/reprocess", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_Errors(t *testing.T) {
	f := newFixture(t, nil, nil)

	cases := []struct {
		name   string
		resp   func() *http.Response
		status int
	}{
		{"upload without file", func() *http.Response { return f.upload(t, "", "", map[string]string{"language": "eng"}) }, http.StatusBadRequest},
		{"empty upload", func() *http.Response { return f.upload(t, "empty.txt", "", nil) }, http.StatusBadRequest},
		{"unsupported type", func() *http.Response { return f.upload(t, "archive.zip", "PK", nil) }, http.StatusBadRequest},
		{"bad preprocess", func() *http.Response {
			return f.upload(t, "a.txt", "x", map[string]string{"preprocess": `{"threshold": 999}`})
		}, http.StatusBadRequest},
		{"invalid id", func() *http.Response { return f.do(t, http.MethodGet, "/api/documents/not-a-uuid", nil) }, http.StatusBadRequest},
		{"unknown document", func() *http.Response {
			return f.do(t, http.MethodGet, "/api/documents/00000000-0000-0000-0000-000000000001", nil)
		}, http.StatusNotFound},
		{"unknown job", func() *http.Response {
			return f.do(t, http.MethodGet, "/api/jobs/00000000-0000-0000-0000-000000000001", nil)
		}, http.StatusNotFound},
		{"empty query", func() *http.Response { return f.do(t, http.MethodGet, "/api/search?q=++", nil) }, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := tc.resp()
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAPI_UploadTooLarge(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Pipeline.MaxUploadBytes = 8
	}, nil)

	resp := f.upload(t, "big.txt", strings.Repeat("a", 100), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	resp.Body.Close()

	docs := decode[intake.DocumentList](t, f.do(t, http.MethodGet, "/api/documents", nil))
	assert.Empty(t, docs.Documents)
}

func TestAPI_JobEventsForFinishedJob(t *testing.T) {
	f := newFixture(t, nil, nil)
	up := f.ingest(t, "done.txt", "finished work")

	resp := f.do(t, http.MethodGet, "/api/jobs/"+up.JobID+"/events", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "event: job-completed\n")
	assert.Contains(t, string(data), `"progress":100`)
}

func TestAPI_Health(t *testing.T) {
	f := newFixture(t, nil, nil)

	resp := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[handlers.HealthDTO](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Components["database"])
	assert.Equal(t, 2, health.Queue.Workers)
}

func TestAPI_AuthRequiresKeyExceptHealth(t *testing.T) {
	f := newFixture(t, nil, func(rc *RouterConfig) {
		rc.Auth.APIKeys = []string{"secret"}
	})

	resp := f.do(t, http.MethodGet, "/api/documents", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/documents", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_RateLimit(t *testing.T) {
	f := newFixture(t, nil, func(rc *RouterConfig) {
		rc.RateLimit = middleware.NewRateLimiter(middleware.RateLimitConfig{Requests: 2, Window: time.Hour, Burst: 2})
	})

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodGet, "/api/health", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
	resp := f.do(t, http.MethodGet, "/api/health", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}
