package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/sorobanregistry/internal/indexer/domain"
)

const contractA = "CA3D5KRYM6CB7OWQ6TWYRR3Z4T7GNZLKERYNZGGA5SOAOPIFY6YQGAXE"

// mockService implements Service for testing
type mockService struct {
	contracts  map[string]*domain.Contract
	versions   map[string][]domain.Version
	lastFilter domain.ListFilter
	lastPage   domain.PaginationParams
	statusErr  error
}

func newMockService() *mockService {
	return &mockService{
		contracts: map[string]*domain.Contract{
			"testnet/" + contractA: {Ref: "ref-1", Network: "testnet", ContractID: contractA, CurrentHash: "abc", Status: "active"},
		},
		versions: map[string][]domain.Version{
			"testnet/" + contractA: {
				{ID: "v-1", Label: "v1", BytecodeHash: "aaa"},
				{ID: "v-2", Label: "v2", BytecodeHash: "abc", Current: true},
			},
		},
	}
}

func (m *mockService) GetContract(ctx context.Context, network, contractID string) (*domain.Contract, error) {
	if network == "devnet" {
		return nil, domain.ErrInvalidNetwork
	}
	if c, ok := m.contracts[network+"/"+contractID]; ok {
		return c, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockService) GetVersions(ctx context.Context, network, contractID string) ([]domain.Version, error) {
	if v, ok := m.versions[network+"/"+contractID]; ok {
		return v, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockService) ListContracts(ctx context.Context, filter domain.ListFilter, pagination domain.PaginationParams) (*domain.ListResult, error) {
	m.lastFilter, m.lastPage = filter, pagination
	if filter.Network == "devnet" {
		return nil, domain.ErrInvalidNetwork
	}
	var out []domain.Contract
	for _, c := range m.contracts {
		if c.Network == filter.Network {
			out = append(out, *c)
		}
	}
	return &domain.ListResult{Contracts: out, HasMore: true, NextCursor: "testnet:" + contractA}, nil
}

func (m *mockService) Status(ctx context.Context) ([]domain.NetworkStatus, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return []domain.NetworkStatus{{Network: "testnet", LastLedger: 90, LatestLedger: 100, Lag: 10}}, nil
}

func setupRouter(svc Service) *chi.Mux {
	r := chi.NewRouter()
	NewHandler(svc).RegisterReadRoutes(r)
	return r
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
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

func TestHandler_GetContract(t *testing.T) {
	router := setupRouter(newMockService())

	t.Run("found", func(t *testing.T) {
		rec := get(t, router, "/networks/testnet/contracts/"+contractA)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, contractA, resp["contractId"])
		assert.Equal(t, "abc", resp["currentHash"])
		assert.Equal(t, "active", resp["status"])
	})

	tests := []struct {
		name string
		path string
		code int
		want string
	}{
		{"unknown contract", "/networks/testnet/contracts/CUNKNOWN", http.StatusNotFound, "NOT_FOUND"},
		{"invalid network", "/networks/devnet/contracts/" + contractA, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown versions", "/networks/testnet/contracts/CUNKNOWN/versions", http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, router, tt.path)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.want, errorCode(t, rec))
		})
	}
}

func TestHandler_GetVersions(t *testing.T) {
	router := setupRouter(newMockService())

	rec := get(t, router, "/networks/testnet/contracts/"+contractA+"/versions")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp VersionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, contractA, resp.ContractID)
	require.Len(t, resp.Versions, 2)
	assert.Equal(t, "v2", resp.Versions[1].Label)
	assert.True(t, resp.Versions[1].Current)
}

func TestHandler_List(t *testing.T) {
	svc := newMockService()
	router := setupRouter(svc)

	rec := get(t, router, "/networks/testnet/contracts?limit=5&status=active&cursor=abc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ListFilter{Network: "testnet", Status: "active"}, svc.lastFilter)
	assert.Equal(t, domain.PaginationParams{Limit: 5, Cursor: "abc"}, svc.lastPage)

	var resp ContractListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)
	assert.True(t, resp.Pagination.HasMore)
	assert.Equal(t, 5, resp.Pagination.Limit)

	t.Run("limit out of range uses default", func(t *testing.T) {
		rec := get(t, router, "/networks/futurenet/contracts?limit=500")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 20, svc.lastPage.Limit)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, []any{}, resp["data"])
	})

	t.Run("invalid network", func(t *testing.T) {
		rec := get(t, router, "/networks/devnet/contracts")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_Status(t *testing.T) {
	svc := newMockService()
	router := setupRouter(svc)

	rec := get(t, router, "/indexer/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Networks, 1)
	assert.Equal(t, uint32(10), resp.Networks[0].Lag)

	svc.statusErr = errors.New("db down")
	rec = get(t, router, "/indexer/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, rec))
}
