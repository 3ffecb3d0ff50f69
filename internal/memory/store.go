package memory

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sibylgw/sibyl/internal/embeddings"
)

// store is the sqlite-backed chunk index for one agent.
type store struct {
	db     *sql.DB
	path   string
	fts    bool
	logger *slog.Logger
}

// openStore opens (or creates) the index database. If the file is
// corrupt it is deleted and recreated; rebuilt reports that case so
// the caller can force a full resync.
func openStore(dbPath string, logger *slog.Logger) (st *store, rebuilt bool, err error) {
	db, err := openAndMigrate(dbPath)
	if err != nil {
		if !isCorruption(err) {
			return nil, false, err
		}
		logger.Error("memory index corrupt, rebuilding from scratch",
			"path", dbPath, "error", err)
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(dbPath + suffix)
		}
		db, err = openAndMigrate(dbPath)
		if err != nil {
			return nil, false, fmt.Errorf("rebuild memory index: %w", err)
		}
		rebuilt = true
	}

	st = &store{db: db, path: dbPath, logger: logger}
	st.fts = st.tryEnableFTS()
	if !st.fts {
		logger.Warn("FTS5 not available, memory search will use slower LIKE fallback",
			"path", dbPath)
	}
	return st, rebuilt, nil
}

func openAndMigrate(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			heading TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			hash TEXT NOT NULL DEFAULT '',
			embedding BLOB,
			embedding_model TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);
		CREATE INDEX IF NOT EXISTS idx_chunks_updated ON chunks(updated_at);

		CREATE TABLE IF NOT EXISTS file_sync (
			path TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			mtime TIMESTAMP,
			size INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// isCorruption reports whether err indicates an unreadable or
// malformed database file rather than an ordinary query failure.
func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "corrupt")
}

func (s *store) tryEnableFTS() bool {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			text,
			chunk_id UNINDEXED,
			path UNINDEXED
		)
	`)
	return err == nil
}

func (s *store) close() error {
	return s.db.Close()
}

// contentHash returns the stored hash for path, or "" if path has
// never been synced.
func (s *store) contentHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT content_hash FROM file_sync WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup sync record: %w", err)
	}
	return hash, nil
}

// replaceChunks atomically swaps all chunks for one document and
// upserts its sync record. There is no incremental diffing: the
// document's rows are deleted and reinserted wholesale.
func (s *store) replaceChunks(path, hash string, mtime time.Time, size int64, chunks []Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if s.fts {
		if _, err := tx.Exec(`DELETE FROM chunks_fts WHERE path = ?`, path); err != nil {
			return fmt.Errorf("delete fts rows: %w", err)
		}
	}

	now := time.Now().UTC()
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generate chunk id: %w", err)
			}
			c.ID = id.String()
		}
		c.UpdatedAt = now
		if c.Hash == "" {
			c.Hash = chunkHash(c.Text)
		}

		var blob []byte
		if len(c.Embedding) > 0 {
			blob = embeddings.EncodeVector(c.Embedding)
		}
		_, err := tx.Exec(`
			INSERT INTO chunks (id, path, start_line, end_line, heading, text, hash, embedding, embedding_model, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Path, c.StartLine, c.EndLine, c.Heading, c.Text, c.Hash, blob, c.EmbeddingModel, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
		if s.fts {
			if _, err := tx.Exec(`INSERT INTO chunks_fts (text, chunk_id, path) VALUES (?, ?, ?)`,
				c.Text, c.ID, c.Path); err != nil {
				return fmt.Errorf("insert fts row: %w", err)
			}
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO file_sync (path, content_hash, mtime, size) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash,
			mtime = excluded.mtime, size = excluded.size`,
		path, hash, mtime, size); err != nil {
		return fmt.Errorf("upsert sync record: %w", err)
	}

	return tx.Commit()
}

// chunkHash identifies a chunk by its text, independent of position,
// so rows can be correlated across re-syncs of the same document.
func chunkHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// removeDocument drops all rows belonging to a document that no
// longer exists on disk.
func (s *store) removeDocument(path string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM chunks WHERE path = ?`, path); err != nil {
		return err
	}
	if s.fts {
		if _, err := tx.Exec(`DELETE FROM chunks_fts WHERE path = ?`, path); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM file_sync WHERE path = ?`, path); err != nil {
		return err
	}
	return tx.Commit()
}

// syncedPaths returns every document path with a sync record.
func (s *store) syncedPaths() ([]string, error) {
	rows, err := s.db.Query(`SELECT path FROM file_sync`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// sanitizeFTSQuery turns free text into an FTS5 OR-of-phrases query,
// escaping embedded double quotes so user input cannot break the
// match expression.
func sanitizeFTSQuery(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		w = strings.ReplaceAll(w, `"`, `""`)
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " OR ")
}

// searchKeyword runs the full-text path. Failures degrade to zero
// results; with FTS unavailable it falls back to LIKE matching.
func (s *store) searchKeyword(query string, limit int) []Chunk {
	if s.fts {
		match := sanitizeFTSQuery(query)
		if match == "" {
			return nil
		}
		rows, err := s.db.Query(`
			SELECT c.id, c.path, c.start_line, c.end_line, c.heading, c.text, c.updated_at
			FROM chunks_fts f JOIN chunks c ON c.id = f.chunk_id
			WHERE chunks_fts MATCH ?
			ORDER BY rank LIMIT ?`, match, limit)
		if err != nil {
			s.logger.Warn("full-text search failed", "error", err)
			return nil
		}
		defer rows.Close()
		return scanChunks(rows, s.logger)
	}

	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := s.db.Query(`
		SELECT id, path, start_line, end_line, heading, text, updated_at
		FROM chunks WHERE lower(text) LIKE ?
		ORDER BY updated_at DESC LIMIT ?`, pattern, limit)
	if err != nil {
		s.logger.Warn("LIKE search failed", "error", err)
		return nil
	}
	defer rows.Close()
	return scanChunks(rows, s.logger)
}

// embeddedChunks returns every chunk that carries an embedding.
func (s *store) embeddedChunks() ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, path, start_line, end_line, heading, text, embedding, updated_at
		FROM chunks WHERE embedding IS NOT NULL AND length(embedding) > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Path, &c.StartLine, &c.EndLine, &c.Heading, &c.Text, &blob, &c.UpdatedAt); err != nil {
			return nil, err
		}
		vec, err := embeddings.DecodeVector(blob)
		if err != nil {
			// Malformed embedding: skip the chunk, keep searching.
			s.logger.Warn("skipping chunk with malformed embedding", "chunk", c.ID, "error", err)
			continue
		}
		c.Embedding = vec
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// recentChunks returns the n most recently updated chunks.
func (s *store) recentChunks(n int) []Chunk {
	rows, err := s.db.Query(`
		SELECT id, path, start_line, end_line, heading, text, updated_at
		FROM chunks ORDER BY updated_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		s.logger.Warn("recent-chunk query failed", "error", err)
		return nil
	}
	defer rows.Close()
	return scanChunks(rows, s.logger)
}

func scanChunks(rows *sql.Rows, logger *slog.Logger) []Chunk {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.Path, &c.StartLine, &c.EndLine, &c.Heading, &c.Text, &c.UpdatedAt); err != nil {
			logger.Warn("scan chunk row failed", "error", err)
			return chunks
		}
		chunks = append(chunks, c)
	}
	return chunks
}
