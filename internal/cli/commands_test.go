package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/sorobanregistry/pkg/client"
)

const testContract = "CA3D5KRYM6CB7OWQ6TWYRR3Z4T7GNZLKERYNZGGA5SOAOPIFY6YQGAXE"

// fakeRegistry serves canned responses and records what it received
type fakeRegistry struct {
	srv *httptest.Server

	archive   []byte
	toolchain string
	report    map[string]any
	update    map[string]any
	drill     map[string]any
	states    string
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{}

	r := chi.NewRouter()
	r.Get("/api/v1/networks/{network}/contracts", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "network") == "empty" {
			writeTestJSON(w, http.StatusOK, map[string]any{"data": []any{}, "pagination": map[string]any{"limit": 20}})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"contractId": testContract, "status": r.URL.Query().Get("status"), "createdLedger": 100, "currentHash": "ab12cd34ef56ab12cd34ef56ab12cd34"},
			},
			"pagination": map[string]any{"limit": 1, "hasMore": true, "nextCursor": "next-page"},
		})
	})
	r.Get("/api/v1/networks/{network}/contracts/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") != testContract {
			writeTestJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": "NOT_FOUND", "message": "contract not found"}})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"network": chi.URLParam(r, "network"), "contractId": testContract, "status": "verified",
			"createdLedger": 100, "currentHash": "beef", "currentVersionId": "v2",
		})
	})
	r.Get("/api/v1/networks/{network}/contracts/{id}/versions", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"versions": []map[string]any{
			{"id": "v1", "label": "v1", "deployedLedger": 100, "verificationStatus": "unverified", "bytecodeHash": "dead"},
			{"id": "v2", "label": "v2", "deployedLedger": 200, "verificationStatus": "verified", "bytecodeHash": "beef", "current": true},
		}})
	})
	r.Get("/api/v1/versions/{id}/verifications", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "none" {
			writeTestJSON(w, http.StatusOK, map[string]any{"results": []any{}})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"results": []map[string]any{
			{"id": "r2", "outcome": "verified", "toolchainPin": "1.81.0", "onchainHash": "beef", "computedHash": "beef", "durationMs": 1200},
			{"id": "r1", "outcome": "mismatched", "toolchainPin": "1.79.0", "onchainHash": "beef", "computedHash": "f00d", "durationMs": 900},
		}})
	})
	r.Post("/api/v1/versions/{id}/verifications", func(w http.ResponseWriter, r *http.Request) {
		f.archive, _ = io.ReadAll(r.Body)
		f.toolchain = r.URL.Query().Get("toolchain")
		assert.Equal(t, "application/gzip", r.Header.Get("Content-Type"))
		if chi.URLParam(r, "id") == "broken" {
			writeTestJSON(w, http.StatusOK, map[string]any{
				"id": "r4", "versionId": "broken", "outcome": "build_failed", "toolchainPin": "1.79.0",
				"onchainHash": "beef", "durationMs": 7,
				"detail": map[string]any{
					"kind": "compile", "message": "cargo exited with status 101", "exit_code": 101,
					"log_ref": "b-42", "log_excerpt": "error[E0432]: unresolved import `soroban_sdk`\n",
				},
			})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"id": "r3", "versionId": chi.URLParam(r, "id"), "outcome": "mismatched", "toolchainPin": "1.79.0",
			"onchainHash": "beef", "computedHash": "f00d", "durationMs": 42,
			"detail": map[string]any{"onchain_size": 120, "built_size": 124, "size_delta": 4, "first_diff_offset": 37},
		})
	})
	r.Get("/api/v1/indexer/status", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"networks": []map[string]any{
			{"network": "testnet", "lastLedger": 90, "latestLedger": 100, "lag": 10},
			{"network": "mainnet", "lastLedger": 5, "latestLedger": 500, "lag": 495, "degraded": true, "lastError": "rpc timeout"},
		}})
	})
	r.Get("/api/v1/toolchains", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{
			"toolchains": []map[string]any{
				{"pin": "1.79.0", "rustc": "1.79.0", "target": "wasm32-unknown-unknown"},
				{"pin": "1.81.0", "rustc": "1.81.0", "target": "wasm32-unknown-unknown"},
			},
			"latest": "1.81.0",
		})
	})
	r.Post("/api/v1/incidents", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&f.report)
		writeTestJSON(w, http.StatusCreated, map[string]any{"id": "inc-1", "category": f.report["category"], "state": "Isolated"})
	})
	r.Get("/api/v1/incidents", func(w http.ResponseWriter, r *http.Request) {
		f.states = r.URL.Query().Get("state")
		writeTestJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{
			{"id": "inc-1", "category": "oracle", "state": "Recovering", "stalled": true},
			{"id": "inc-2", "category": "bridge", "state": "Resolved", "drill": true},
		}})
	})
	r.Get("/api/v1/incidents/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") != "inc-1" {
			writeTestJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": "NOT_FOUND", "message": "incident not found"}})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"id": "inc-1", "category": "oracle", "type": "manual", "state": "Resolved",
			"description": "feed stuck", "rtoAchieved": "3m0s", "recoveryAttempts": 1,
			"transitions": []map[string]any{
				{"to": "Detected", "note": "reported"},
				{"from": "Detected", "to": "Isolated"},
			},
		})
	})
	r.Patch("/api/v1/incidents/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&f.update)
		writeTestJSON(w, http.StatusOK, map[string]any{"id": chi.URLParam(r, "id"), "state": "Abandoned"})
	})
	r.Post("/api/v1/incidents/drills", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&f.drill)
		writeTestJSON(w, http.StatusOK, map[string]any{
			"category": "oracle", "simulated": true, "check": "feed_accuracy",
			"plan": []string{"validate_data_accuracy", "switch_fallback_source", "refresh_feed"},
		})
	})

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRegistry) client() *client.Client {
	return client.New(f.srv.URL, "sr_key_test")
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestListContracts(t *testing.T) {
	f := newFakeRegistry(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, listContracts(ctx, &out, f.client(), "testnet", client.ListOptions{Status: "verified"}, false))
	assert.Contains(t, out.String(), testContract)
	assert.Contains(t, out.String(), "verified")
	assert.Contains(t, out.String(), "ab12cd34ef56ab12...")
	assert.Contains(t, out.String(), "--cursor next-page")

	out.Reset()
	require.NoError(t, listContracts(ctx, &out, f.client(), "empty", client.ListOptions{}, false))
	assert.Contains(t, out.String(), "No contracts found on empty")

	out.Reset()
	require.NoError(t, listContracts(ctx, &out, f.client(), "testnet", client.ListOptions{}, true))
	var resp client.ListContractsResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)
	assert.True(t, resp.Pagination.HasMore)
}

func TestListVersions(t *testing.T) {
	f := newFakeRegistry(t)

	var out bytes.Buffer
	require.NoError(t, listVersions(context.Background(), &out, f.client(), "testnet", testContract, false))
	assert.Contains(t, out.String(), "(current)")
	assert.Contains(t, out.String(), "2 version(s)")
}

func TestInfo(t *testing.T) {
	f := newFakeRegistry(t)
	ctx := context.Background()

	t.Run("text", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runInfo(ctx, &out, f.client(), "testnet", testContract, false))
		text := out.String()
		assert.Contains(t, text, "Status:   verified")
		assert.Contains(t, text, "Versions: 2")
		assert.Contains(t, text, "VERIFIED: rebuilt WASM matches")
		assert.Contains(t, text, "Toolchain: 1.81.0")
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runInfo(ctx, &out, f.client(), "testnet", testContract, true))
		var info contractInfo
		require.NoError(t, json.Unmarshal(out.Bytes(), &info))
		assert.Equal(t, testContract, info.Contract.ContractID)
		require.NotNil(t, info.Verification)
		assert.Equal(t, "r2", info.Verification.ID)
	})

	t.Run("not indexed", func(t *testing.T) {
		err := runInfo(ctx, &bytes.Buffer{}, f.client(), "testnet", "CUNKNOWN", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not indexed on testnet")
	})
}

func TestVerify(t *testing.T) {
	f := newFakeRegistry(t)
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"Cargo.toml":    "[package]\nname = \"token\"\n",
		"src/lib.rs":    "#![no_std]",
		"target/a.rs":   "skip",
		"notes/todo.md": "skip",
	})

	var out bytes.Buffer
	err := runVerify(context.Background(), &out, f.client(), "v2", dir, []string{"notes"}, false, "1.79.0", false)
	require.NoError(t, err)

	assert.Equal(t, "1.79.0", f.toolchain)
	assert.ElementsMatch(t, []string{"Cargo.toml", "src/lib.rs"}, archiveNames(t, f.archive))

	text := out.String()
	assert.Contains(t, text, "Submitting 2 files")
	assert.Contains(t, text, "MISMATCHED")
	assert.Contains(t, text, "Computed:  f00d")
	assert.Contains(t, text, "First diff at byte 37")
	assert.Contains(t, text, "on-chain 120, built 124 (+4)")

	t.Run("build failure diagnostics", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runVerify(context.Background(), &out, f.client(), "broken", dir, nil, false, "", false))
		text := out.String()
		assert.Contains(t, text, "BUILD_FAILED")
		assert.Contains(t, text, "Failure:   compile: cargo exited with status 101")
		assert.Contains(t, text, "Exit code: 101")
		assert.Contains(t, text, "Build log: b-42")
		assert.Contains(t, text, "unresolved import `soroban_sdk`")
	})

	err = runVerify(context.Background(), &bytes.Buffer{}, f.client(), "v2", t.TempDir(), nil, false, "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "packing source")
}

// fakeCargo installs a cargo stand-in whose vendor subcommand writes one
// crate and prints the source replacement cargo would print
func fakeCargo(t *testing.T, exitCode int) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake cargo is a shell script")
	}
	script := `#!/bin/sh
if [ "` + strconv.Itoa(exitCode) + `" != "0" ]; then
  echo "error: the lock file needs to be updated but --locked was passed" >&2
  exit ` + strconv.Itoa(exitCode) + `
fi
dest="$4"
mkdir -p "$dest/soroban-sdk-21.7.0/src"
echo 'pub fn env() {}' > "$dest/soroban-sdk-21.7.0/src/lib.rs"
echo '{"files":{},"package":"abc"}' > "$dest/soroban-sdk-21.7.0/.cargo-checksum.json"
printf '[source.crates-io]\nreplace-with = "vendored-sources"\n\n[source.vendored-sources]\ndirectory = "%s"\n' "$dest"
`
	path := filepath.Join(t.TempDir(), "cargo")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	orig := cargoCommand
	cargoCommand = path
	t.Cleanup(func() { cargoCommand = orig })
}

func TestVerifyVendorsDependencies(t *testing.T) {
	f := newFakeRegistry(t)
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"Cargo.toml":         "[package]\nname = \"token\"\n",
		"Cargo.lock":         "# lock",
		"src/lib.rs":         "#![no_std]",
		".cargo/config.toml": "[build]\ntarget = \"wasm32-unknown-unknown\"\n",
	})

	t.Run("archive carries vendor tree and source replacement", func(t *testing.T) {
		fakeCargo(t, 0)
		var out bytes.Buffer
		require.NoError(t, runVerify(context.Background(), &out, f.client(), "v2", dir, nil, true, "", false))
		assert.Contains(t, out.String(), "Vendoring dependencies")

		files := archiveFiles(t, f.archive)
		assert.Contains(t, files, "vendor/soroban-sdk-21.7.0/src/lib.rs")
		assert.Contains(t, files, "vendor/soroban-sdk-21.7.0/.cargo-checksum.json")
		assert.Contains(t, files, "src/lib.rs")

		config := files[".cargo/config.toml"]
		assert.Contains(t, config, `target = "wasm32-unknown-unknown"`, "project config is kept")
		assert.Contains(t, config, `replace-with = "vendored-sources"`)
		assert.Contains(t, config, `directory = "vendor"`)
		assert.NotContains(t, config, os.TempDir())
	})

	t.Run("vendor failure is reported", func(t *testing.T) {
		fakeCargo(t, 101)
		err := runVerify(context.Background(), &bytes.Buffer{}, f.client(), "v2", dir, nil, true, "", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--locked was passed")
	})
}

func TestHistory(t *testing.T) {
	f := newFakeRegistry(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runHistory(ctx, &out, f.client(), "v2", false))
	text := out.String()
	assert.Contains(t, text, "VERIFIED")
	assert.Contains(t, text, "MISMATCHED")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("VERIFIED")), bytes.Index(out.Bytes(), []byte("MISMATCHED")))

	out.Reset()
	require.NoError(t, runHistory(ctx, &out, f.client(), "none", false))
	assert.Contains(t, out.String(), "No verification attempts")
}

func TestStatus(t *testing.T) {
	f := newFakeRegistry(t)

	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), &out, f.client(), false))
	text := out.String()
	assert.Contains(t, text, "degraded: rpc timeout")
	assert.Contains(t, text, "1.81.0  rustc 1.81.0  wasm32-unknown-unknown (latest)")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("1.81.0  rustc")), bytes.Index(out.Bytes(), []byte("1.79.0  rustc")))
}

func TestIncidentCommands(t *testing.T) {
	f := newFakeRegistry(t)
	ctx := context.Background()

	t.Run("report", func(t *testing.T) {
		var out bytes.Buffer
		req := client.ReportRequest{Type: "manual", Category: "oracle", Description: "feed stuck", Network: "testnet", ContractID: testContract}
		require.NoError(t, runIncidentReport(ctx, &out, f.client(), req, false))
		assert.Contains(t, out.String(), "Reported incident inc-1 (oracle, state Isolated)")
		assert.Equal(t, "oracle", f.report["category"])
		assert.Equal(t, testContract, f.report["contractId"])
	})

	t.Run("list", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runIncidentList(ctx, &out, f.client(), []string{"recovering", "verifying"}, false))
		assert.Equal(t, "recovering,verifying", f.states)
		assert.Contains(t, out.String(), "Recovering (stalled)")
		assert.Contains(t, out.String(), "Resolved [drill]")
	})

	t.Run("show", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runIncidentShow(ctx, &out, f.client(), "inc-1", false))
		text := out.String()
		assert.Contains(t, text, "RTO:         3m0s")
		assert.Contains(t, text, "- -> Detected")
		assert.Contains(t, text, "Detected -> Isolated")

		err := runIncidentShow(ctx, &bytes.Buffer{}, f.client(), "inc-9", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "incident inc-9 not found")
	})

	t.Run("update", func(t *testing.T) {
		err := runIncidentUpdate(ctx, &bytes.Buffer{}, f.client(), "inc-1", client.UpdateRequest{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nothing to update")

		var out bytes.Buffer
		require.NoError(t, runIncidentUpdate(ctx, &out, f.client(), "inc-1", client.UpdateRequest{Abandon: true}))
		assert.Equal(t, true, f.update["abandon"])
		assert.Contains(t, out.String(), "Incident inc-1 is Abandoned")
	})

	t.Run("drill", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runIncidentDrill(ctx, &out, f.client(), "oracle", true, false))
		assert.Equal(t, true, f.drill["simulate"])
		assert.Contains(t, out.String(), "Drill oracle (simulated)")
		assert.Contains(t, out.String(), "validate_data_accuracy -> switch_fallback_source -> refresh_feed")
	})
}
