package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// embedServer emulates an Ollama-compatible embeddings endpoint.
func embedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float32{0.1, 0.2, 0.3},
		}); err != nil {
			t.Errorf("encode embedding response: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeSyncConfig(t *testing.T, dir, embedURL string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "sibyl.yaml")
	cfg := fmt.Sprintf(`completion:
  base_url: http://localhost:1
  model: test-model
embeddings:
  enabled: true
  base_url: %s
  model: test-embed
agents:
  dir: %s
data_dir: %s
`, embedURL, filepath.Join(dir, "agents"), dir)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func embeddedChunkCount(t *testing.T, agentDir string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(agentDir, "index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE length(embedding) > 0`).Scan(&n); err != nil {
		t.Fatalf("count embedded chunks: %v", err)
	}
	return n
}

func TestSyncHonorsEmbeddingsConfig(t *testing.T) {
	srv := embedServer(t)

	dir := t.TempDir()
	agentDir := filepath.Join(dir, "agents", defaultAgentID)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := "# Notes\n\nThe rollout finished without incident.\n"
	if err := os.WriteFile(filepath.Join(agentDir, "memory.md"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgPath := writeSyncConfig(t, dir, srv.URL)

	var out bytes.Buffer
	if err := runSync(context.Background(), &out, cfgPath, defaultAgentID); err != nil {
		t.Fatalf("runSync() error = %v", err)
	}
	if n := embeddedChunkCount(t, agentDir); n == 0 {
		t.Fatal("sync stored no embeddings despite embeddings being enabled")
	}

	// A second forced rebuild rewrites every row; the vectors must
	// survive it.
	if err := runSync(context.Background(), &out, cfgPath, defaultAgentID); err != nil {
		t.Fatalf("second runSync() error = %v", err)
	}
	if n := embeddedChunkCount(t, agentDir); n == 0 {
		t.Fatal("forced re-sync wiped stored embeddings")
	}
}
