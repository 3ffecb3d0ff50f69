package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sibylgw/sibyl/internal/embeddings"
	"github.com/sibylgw/sibyl/internal/events"
)

// Merge scoring: keyword-only hits sit below any strong vector match
// but above the most-recent fallback. Heuristic constants, not a
// contract.
const (
	keywordScore  float32 = 0.5
	fallbackScore float32 = 0.1
)

// debounceWindow coalesces filesystem event bursts (editors that
// write via rename/replace fire several events per save).
const debounceWindow = time.Second

// Embedder generates an embedding vector for a piece of text.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// ErrAccessDenied is returned for reads that resolve outside the
// agent's directory.
type ErrAccessDenied struct {
	Path string
}

func (e *ErrAccessDenied) Error() string {
	return fmt.Sprintf("access denied: %q resolves outside the memory directory", e.Path)
}

// SearchResult is one retrieved passage.
type SearchResult struct {
	Path      string
	StartLine int
	EndLine   int
	Heading   string
	Content   string
	Score     float32
	UpdatedAt time.Time
}

// Location renders the passage position as "path:start-end".
func (r SearchResult) Location() string {
	return fmt.Sprintf("%s:%d-%d", r.Path, r.StartLine, r.EndLine)
}

// Config configures the memory manager.
type Config struct {
	// Root is the directory holding one subdirectory per agent.
	Root string

	// Embedder is optional; without it only full-text search is
	// effective.
	Embedder       Embedder
	EmbeddingModel string

	ChunkTarget int

	Logger *slog.Logger
	Bus    *events.Bus
}

// Manager owns the chunk indexes for all agents. Each agent's index
// lives in that agent's directory and is touched by nobody else.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]*agentIndex

	watcher   *fsnotify.Watcher
	watchOnce sync.Once
	done      chan struct{}
}

type agentIndex struct {
	id    string
	dir   string
	store *store

	mu sync.Mutex // serializes syncs for this agent

	warnedNoEmbedder bool
}

// NewManager creates a Manager rooted at cfg.Root.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChunkTarget <= 0 {
		cfg.ChunkTarget = DefaultChunkTarget
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "memory"),
		agents: make(map[string]*agentIndex),
		done:   make(chan struct{}),
	}
}

// agent returns the lazily opened index for agentID, creating the
// directory and database on first use. A corrupt database is rebuilt
// here and immediately repopulated, before any caller can search.
func (m *Manager) agent(ctx context.Context, agentID string) (*agentIndex, error) {
	m.mu.Lock()
	if idx, ok := m.agents[agentID]; ok {
		m.mu.Unlock()
		return idx, nil
	}
	m.mu.Unlock()

	dir := filepath.Join(m.cfg.Root, agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create agent directory: %w", err)
	}

	st, rebuilt, err := openStore(filepath.Join(dir, "index.db"), m.logger.With("agent", agentID))
	if err != nil {
		return nil, err
	}
	idx := &agentIndex{id: agentID, dir: dir, store: st}

	m.mu.Lock()
	if existing, ok := m.agents[agentID]; ok {
		m.mu.Unlock()
		st.close()
		return existing, nil
	}
	m.agents[agentID] = idx
	m.mu.Unlock()

	if rebuilt {
		if err := m.syncIndex(ctx, idx, true); err != nil {
			// Degrade to an empty index until the next sync succeeds.
			m.logger.Error("resync after rebuild failed", "agent", agentID, "error", err)
		}
	}
	return idx, nil
}

// Sync re-indexes the agent's memory documents. Unchanged documents
// (by content hash) are skipped unless force is set.
func (m *Manager) Sync(ctx context.Context, agentID string, force bool) error {
	idx, err := m.agent(ctx, agentID)
	if err != nil {
		return err
	}
	return m.syncIndex(ctx, idx, force)
}

func (m *Manager) syncIndex(ctx context.Context, idx *agentIndex, force bool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	docs, err := listDocuments(idx.dir)
	if err != nil {
		return fmt.Errorf("scan memory directory: %w", err)
	}

	seen := make(map[string]bool, len(docs))
	var synced, skipped int
	for _, rel := range docs {
		seen[rel] = true
		changed, err := m.syncDocument(ctx, idx, rel, force)
		if err != nil {
			return fmt.Errorf("sync %s: %w", rel, err)
		}
		if changed {
			synced++
		} else {
			skipped++
		}
	}

	// Drop index rows for documents removed from disk.
	known, err := idx.store.syncedPaths()
	if err != nil {
		return err
	}
	for _, path := range known {
		if !seen[path] {
			if err := idx.store.removeDocument(path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
		}
	}

	m.logger.Debug("memory sync complete",
		"agent", idx.id, "synced", synced, "skipped", skipped, "forced", force)
	m.cfg.Bus.Emit(events.SourceMemory, events.KindSyncComplete, map[string]any{
		"agent":   idx.id,
		"synced":  synced,
		"skipped": skipped,
	})
	return nil
}

// syncDocument re-chunks one document unless its hash is unchanged.
// Reports whether any rows were written.
func (m *Manager) syncDocument(ctx context.Context, idx *agentIndex, rel string, force bool) (bool, error) {
	full := filepath.Join(idx.dir, rel)
	content, err := os.ReadFile(full)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	if !force {
		stored, err := idx.store.contentHash(rel)
		if err != nil {
			return false, err
		}
		if stored == hash {
			return false, nil
		}
	}

	chunks := SplitDocument(rel, string(content), m.cfg.ChunkTarget)

	if m.cfg.Embedder == nil {
		if !idx.warnedNoEmbedder {
			m.logger.Warn("no embedding provider configured, memory search is full-text only",
				"agent", idx.id)
			idx.warnedNoEmbedder = true
		}
	} else {
		for i := range chunks {
			vec, err := m.cfg.Embedder.Generate(ctx, chunks[i].Text)
			if err != nil {
				// Keep the chunk searchable by keyword even when
				// the embedding endpoint is down.
				m.logger.Warn("embedding failed, chunk indexed without vector",
					"agent", idx.id, "path", rel, "error", err)
				continue
			}
			chunks[i].Embedding = vec
			chunks[i].EmbeddingModel = m.cfg.EmbeddingModel
		}
	}

	info, err := os.Stat(full)
	var mtime time.Time
	var size int64
	if err == nil {
		mtime = info.ModTime()
		size = info.Size()
	}
	if err := idx.store.replaceChunks(rel, hash, mtime, size, chunks); err != nil {
		return false, err
	}
	return true, nil
}

// listDocuments returns the agent-relative paths of all markdown
// documents under dir.
func listDocuments(dir string) ([]string, error) {
	var docs []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(d.Name()), ".md") {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			docs = append(docs, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(docs)
	return docs, nil
}

// Search runs the hybrid full-text plus vector retrieval described
// by the index design: vector hits keep their cosine score, keyword
// hits not already present join at a fixed score, and an empty merge
// falls back to the most recently updated chunks.
func (m *Manager) Search(ctx context.Context, agentID, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	idx, err := m.agent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	keyword := idx.store.searchKeyword(query, 2*limit)

	var vector []SearchResult
	if m.cfg.Embedder != nil {
		vector = m.vectorSearch(ctx, idx, query, limit)
	}

	merged := vector
	have := make(map[string]bool, len(vector))
	for _, r := range vector {
		have[key(r)] = true
	}
	for _, c := range keyword {
		r := toResult(c, keywordScore)
		if !have[key(r)] {
			merged = append(merged, r)
			have[key(r)] = true
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}

	if len(merged) == 0 {
		for _, c := range idx.store.recentChunks(limit) {
			merged = append(merged, toResult(c, fallbackScore))
		}
	}
	return merged, nil
}

func (m *Manager) vectorSearch(ctx context.Context, idx *agentIndex, query string, limit int) []SearchResult {
	qvec, err := m.cfg.Embedder.Generate(ctx, query)
	if err != nil {
		m.logger.Warn("query embedding failed, falling back to keyword search",
			"agent", idx.id, "error", err)
		return nil
	}
	chunks, err := idx.store.embeddedChunks()
	if err != nil {
		m.logger.Warn("loading embedded chunks failed", "agent", idx.id, "error", err)
		return nil
	}

	results := make([]SearchResult, 0, len(chunks))
	for _, c := range chunks {
		score := embeddings.CosineSimilarity(qvec, c.Embedding)
		results = append(results, toResult(c, score))
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func key(r SearchResult) string {
	return fmt.Sprintf("%s:%d", r.Path, r.StartLine)
}

func toResult(c Chunk, score float32) SearchResult {
	return SearchResult{
		Path:      c.Path,
		StartLine: c.StartLine,
		EndLine:   c.EndLine,
		Heading:   c.Heading,
		Content:   c.Text,
		Score:     score,
		UpdatedAt: c.UpdatedAt,
	}
}

// ReadFile returns a line-range slice of a document under the
// agent's directory. fromLine is 1-based; lineCount <= 0 reads to
// the end. Paths that resolve outside the agent directory are
// rejected.
func (m *Manager) ReadFile(agentID, relPath string, fromLine, lineCount int) (string, error) {
	idx, err := m.agent(context.Background(), agentID)
	if err != nil {
		return "", err
	}

	full, err := resolveUnder(idx.dir, relPath)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}

	if fromLine <= 0 && lineCount <= 0 {
		return string(content), nil
	}
	lines := strings.Split(string(content), "\n")
	start := fromLine - 1
	if start < 0 {
		start = 0
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if lineCount > 0 && start+lineCount < end {
		end = start + lineCount
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// resolveUnder joins rel to root and verifies the result stays
// inside root.
func resolveUnder(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	full := filepath.Clean(filepath.Join(absRoot, rel))
	if full != absRoot && !strings.HasPrefix(full, absRoot+string(filepath.Separator)) {
		return "", &ErrAccessDenied{Path: rel}
	}
	return full, nil
}

// Watch starts a filesystem watch on the agent's directory and
// re-syncs after a quiet period whenever a document changes.
func (m *Manager) Watch(ctx context.Context, agentID string) error {
	idx, err := m.agent(ctx, agentID)
	if err != nil {
		return err
	}

	var werr error
	m.watchOnce.Do(func() {
		m.watcher, werr = fsnotify.NewWatcher()
		if werr != nil {
			return
		}
		go m.watchLoop(ctx)
	})
	if werr != nil {
		return fmt.Errorf("start watcher: %w", werr)
	}
	if m.watcher == nil {
		return fmt.Errorf("watcher unavailable")
	}
	return m.watcher.Add(idx.dir)
}

func (m *Manager) watchLoop(ctx context.Context) {
	pending := make(map[string]bool)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".md") {
				continue
			}
			// Rename/replace saves arrive as Create+Rename pairs;
			// any mutating op schedules a sync for the owning agent.
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if agentID := m.agentForPath(ev.Name); agentID != "" {
				pending[agentID] = true
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				resetDebounce(timer, debounceWindow)
			}
			fire = timer.C
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("filesystem watch error", "error", err)
		case <-fire:
			fire = nil
			for agentID := range pending {
				delete(pending, agentID)
				if err := m.Sync(ctx, agentID, false); err != nil {
					m.logger.Error("watch-triggered sync failed", "agent", agentID, "error", err)
				}
			}
		}
	}
}

// resetDebounce restarts t for a full window. If t already fired with
// its tick unconsumed, the tick is drained first; otherwise the stale
// tick would end the new window immediately.
func resetDebounce(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (m *Manager) agentForPath(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, idx := range m.agents {
		if strings.HasPrefix(path, idx.dir+string(filepath.Separator)) {
			return id
		}
	}
	return ""
}

// Close stops the watcher and closes every open index.
func (m *Manager) Close() error {
	close(m.done)
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, idx := range m.agents {
		if err := idx.store.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.agents = make(map[string]*agentIndex)
	return firstErr
}
