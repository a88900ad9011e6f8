package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const contractID = "CA3D5KRYM6CB7OWQ6TWYRR3Z4T7GNZLKERYNZGGA5SOAOPIFY6YQGAXE"

func TestClient_ListContracts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/networks/testnet/contracts" {
			t.Errorf("Expected path /api/v1/networks/testnet/contracts, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q, want 5", got)
		}
		if got := r.URL.Query().Get("cursor"); got != "abc" {
			t.Errorf("cursor = %q, want abc", got)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"contractId": contractID, "network": "testnet", "status": "active"},
			},
			"pagination": map[string]any{"limit": 5, "hasMore": true, "nextCursor": "def"},
		})
	}))
	defer server.Close()

	client := New(server.URL, "")
	resp, err := client.ListContracts(context.Background(), "testnet", ListOptions{Limit: 5, Cursor: "abc"})
	if err != nil {
		t.Fatalf("ListContracts() error = %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ContractID != contractID {
		t.Errorf("ListContracts() data = %+v", resp.Data)
	}
	if !resp.Pagination.HasMore || resp.Pagination.NextCursor != "def" {
		t.Errorf("ListContracts() pagination = %+v", resp.Pagination)
	}
}

func TestClient_GetVersions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "/api/v1/networks/mainnet/contracts/" + contractID + "/versions"
		if r.URL.Path != want {
			t.Errorf("Expected path %s, got %s", want, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"versions": []map[string]any{
				{"id": "v-1", "label": "v1"},
				{"id": "v-2", "label": "v2", "current": true},
			},
		})
	}))
	defer server.Close()

	versions, err := New(server.URL, "").GetVersions(context.Background(), "mainnet", contractID)
	if err != nil {
		t.Fatalf("GetVersions() error = %v", err)
	}
	if len(versions) != 2 || !versions[1].Current {
		t.Errorf("GetVersions() = %+v", versions)
	}
}

func TestClient_SubmitVerification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST method, got %s", r.Method)
		}
		if r.URL.Path != "/api/v1/versions/v-1/verifications" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("toolchain"); got != "1.81.0" {
			t.Errorf("toolchain = %q", got)
		}
		if got := r.Header.Get("X-API-Key"); got != "sr_key_test" {
			t.Errorf("X-API-Key = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "archive-bytes" {
			t.Errorf("body = %q", body)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "r-1", "versionId": "v-1", "outcome": "verified"})
	}))
	defer server.Close()

	client := New(server.URL, "sr_key_test")
	res, err := client.SubmitVerification(context.Background(), "v-1", strings.NewReader("archive-bytes"), "1.81.0")
	if err != nil {
		t.Fatalf("SubmitVerification() error = %v", err)
	}
	if res.Outcome != "verified" {
		t.Errorf("Outcome = %s, want verified", res.Outcome)
	}
}

func TestClient_ReportIncident(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if req.Category != "token" || req.ContractID != contractID {
			t.Errorf("request = %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id": "inc-1", "state": "isolated", "category": "token",
			"transitions": []map[string]any{{"to": "detected"}, {"from": "detected", "to": "isolated"}},
		})
	}))
	defer server.Close()

	inc, err := New(server.URL, "k").ReportIncident(context.Background(), ReportRequest{
		Network: "mainnet", ContractID: contractID, Type: "exploit", Category: "token", Description: "drained",
	})
	if err != nil {
		t.Fatalf("ReportIncident() error = %v", err)
	}
	if inc.State != "isolated" || len(inc.Transitions) != 2 {
		t.Errorf("incident = %+v", inc)
	}
}

func TestClient_ListIncidentsStates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("state"); got != "detected,recovering" {
			t.Errorf("state = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"id": "a"}}})
	}))
	defer server.Close()

	incidents, err := New(server.URL, "").ListIncidents(context.Background(), "detected", "recovering")
	if err != nil {
		t.Fatalf("ListIncidents() error = %v", err)
	}
	if len(incidents) != 1 {
		t.Errorf("ListIncidents() returned %d", len(incidents))
	}
}

func TestClient_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "NOT_FOUND", "message": "Contract not found"},
		})
	}))
	defer server.Close()

	_, err := New(server.URL, "").GetContract(context.Background(), "mainnet", contractID)
	if err == nil {
		t.Fatal("GetContract() expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Code != "NOT_FOUND" {
		t.Errorf("Code = %s, want NOT_FOUND", apiErr.Code)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound() = false")
	}
}

func TestClient_NonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	_, _, err := New(server.URL, "").Toolchains(context.Background())
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
}
