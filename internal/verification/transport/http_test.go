package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/sorobanregistry/internal/sandbox"
	"github.com/pendergraft/sorobanregistry/internal/verification/domain"
)

// mockService implements Service for testing
type mockService struct {
	lastReq domain.SubmitRequest
	err     error
	history map[string][]domain.Result
}

func newMockService() *mockService {
	return &mockService{history: map[string][]domain.Result{
		"ver-1": {{ID: "res-2", VersionID: "ver-1", Outcome: domain.OutcomeMismatched}, {ID: "res-1", VersionID: "ver-1", Outcome: domain.OutcomeVerified}},
		"ver-2": nil,
	}}
}

func (m *mockService) SubmitVerification(ctx context.Context, req domain.SubmitRequest) (*domain.Result, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	if _, ok := m.history[req.VersionID]; !ok {
		return nil, domain.ErrNotFound
	}
	if len(req.Archive) == 0 {
		return nil, fmt.Errorf("%w: source archive is required", domain.ErrInvalidRequest)
	}
	return &domain.Result{
		ID:           "res-3",
		VersionID:    req.VersionID,
		ToolchainPin: req.ToolchainPin,
		ComputedHash: "abc",
		OnchainHash:  "abc",
		Outcome:      domain.OutcomeVerified,
	}, nil
}

func (m *mockService) GetVerificationHistory(ctx context.Context, versionID string) ([]domain.Result, error) {
	results, ok := m.history[versionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return results, nil
}

func (m *mockService) Toolchains() []sandbox.Toolchain {
	return []sandbox.Toolchain{{Pin: "1.79.0"}, {Pin: "1.81.0"}}
}

func setupRouter(svc Service, maxArchive int64) *chi.Mux {
	r := chi.NewRouter()
	h := NewHandler(svc, maxArchive)
	h.RegisterReadRoutes(r)
	h.RegisterWriteRoutes(r)
	return r
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestHandler_SubmitRaw(t *testing.T) {
	svc := newMockService()
	router := setupRouter(svc, 1024)

	req := httptest.NewRequest(http.MethodPost, "/versions/ver-1/verifications?toolchain=1.79.0", bytes.NewReader([]byte("gzip-bytes")))
	req.Header.Set("Content-Type", "application/gzip")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ver-1", svc.lastReq.VersionID)
	assert.Equal(t, []byte("gzip-bytes"), svc.lastReq.Archive)
	assert.Equal(t, "1.79.0", svc.lastReq.ToolchainPin)

	var resp domain.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.OutcomeVerified, resp.Outcome)
}

func TestHandler_SubmitMultipart(t *testing.T) {
	svc := newMockService()
	router := setupRouter(svc, 1024)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("archive", "source.tar.gz")
	require.NoError(t, err)
	_, err = part.Write([]byte("tarball"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("toolchain", "1.81.0"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/versions/ver-1/verifications", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []byte("tarball"), svc.lastReq.Archive)
	assert.Equal(t, "1.81.0", svc.lastReq.ToolchainPin)
}

func TestHandler_SubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body []byte
		err  error
		code int
		want string
	}{
		{"too large", "/versions/ver-1/verifications", bytes.Repeat([]byte("x"), 2048), nil, http.StatusRequestEntityTooLarge, "ARCHIVE_TOO_LARGE"},
		{"unknown version", "/versions/nope/verifications", []byte("x"), nil, http.StatusNotFound, "NOT_FOUND"},
		{"empty body", "/versions/ver-1/verifications", nil, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"backpressure", "/versions/ver-1/verifications", []byte("x"), fmt.Errorf("%w: 4 builds in flight", domain.ErrBackpressure), http.StatusServiceUnavailable, "BACKPRESSURE"},
		{"toolchain", "/versions/ver-1/verifications?toolchain=0.1.0", []byte("x"), domain.ErrUnsupportedToolchain, http.StatusBadRequest, "UNSUPPORTED_TOOLCHAIN"},
		{"determinism", "/versions/ver-1/verifications", []byte("x"), domain.ErrDeterminismViolation, http.StatusConflict, "DETERMINISM_VIOLATION"},
		{"internal", "/versions/ver-1/verifications", []byte("x"), fmt.Errorf("disk full"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			svc.err = tt.err
			router := setupRouter(svc, 1024)

			req := httptest.NewRequest(http.MethodPost, tt.path, bytes.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/gzip")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.want, errorCode(t, rec))
			if tt.want == "BACKPRESSURE" {
				assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestHandler_History(t *testing.T) {
	router := setupRouter(newMockService(), 0)

	t.Run("newest first", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/versions/ver-1/verifications", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HistoryResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Results, 2)
		assert.Equal(t, "res-2", resp.Results[0].ID)
	})

	t.Run("empty history is an empty list", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/versions/ver-2/verifications", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"results":[]`)
	})

	t.Run("unknown version", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/versions/nope/verifications", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandler_Toolchains(t *testing.T) {
	router := setupRouter(newMockService(), 0)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/toolchains", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ToolchainsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Toolchains, 2)
	assert.Equal(t, "1.81.0", resp.Latest)
}
