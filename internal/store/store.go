// Package store implements the persistence collaborator on SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"wagate/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.MessageStore, domain.KnowledgeStore,
// domain.SettingsStore and domain.ReplyLog on a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id            TEXT PRIMARY KEY,
		direction     TEXT NOT NULL,
		counterparty  TEXT NOT NULL,
		body          TEXT,
		media_url     TEXT,
		kind          TEXT NOT NULL,
		created_at    DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_party ON messages(counterparty, created_at);

	CREATE TABLE IF NOT EXISTS documents (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		mime_type     TEXT NOT NULL,
		size          INTEGER DEFAULT 0,
		path          TEXT,
		status        TEXT NOT NULL,
		error         TEXT,
		created_at    DATETIME NOT NULL,
		processed_at  DATETIME
	);

	CREATE TABLE IF NOT EXISTS fragments (
		id                  TEXT PRIMARY KEY,
		source_document_id  TEXT NOT NULL REFERENCES documents(id),
		content             TEXT NOT NULL,
		created_at          DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_source ON fragments(source_document_id);

	CREATE TABLE IF NOT EXISTS settings (
		category    TEXT PRIMARY KEY,
		data        TEXT NOT NULL,
		updated_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reply_log (
		id            TEXT PRIMARY KEY,
		counterparty  TEXT NOT NULL,
		message       TEXT,
		response      TEXT,
		model         TEXT,
		fallback      INTEGER DEFAULT 0,
		created_at    DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reply_log_party ON reply_log(counterparty, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Messages ---

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, direction, counterparty, body, media_url, kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Direction, msg.Counterparty, msg.Body, msg.MediaURL, msg.Kind, msg.CreatedAt,
	)
	if err != nil {
		return domain.E(domain.KindPersistence, "store.SaveMessage", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.E(domain.KindPersistence, "store.SaveMessage", domain.ErrDuplicateMessage)
	}
	return nil
}

func (s *SQLiteStore) QueryMessages(ctx context.Context, f domain.MessageFilter) ([]domain.Message, error) {
	query := `SELECT id, direction, counterparty, body, media_url, kind, created_at FROM messages WHERE 1=1`
	args := []any{}
	if f.Counterparty != "" {
		query += ` AND counterparty = ?`
		args = append(args, f.Counterparty)
	}
	if f.Direction != "" {
		query += ` AND direction = ?`
		args = append(args, f.Direction)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.E(domain.KindPersistence, "store.QueryMessages", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var mediaURL sql.NullString
		if err := rows.Scan(&m.ID, &m.Direction, &m.Counterparty, &m.Body, &mediaURL, &m.Kind, &m.CreatedAt); err != nil {
			return nil, domain.E(domain.KindPersistence, "store.QueryMessages", err)
		}
		m.MediaURL = mediaURL.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Documents and fragments ---

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc domain.Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, name, mime_type, size, path, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Name, doc.MimeType, doc.Size, doc.Path, doc.Status, doc.Error, doc.CreatedAt,
	)
	if err != nil {
		return domain.E(domain.KindPersistence, "store.CreateDocument", err)
	}
	return nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	var d domain.Document
	var errMsg, path sql.NullString
	var processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, mime_type, size, path, status, error, created_at, processed_at
		 FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &d.MimeType, &d.Size, &path, &d.Status, &errMsg, &d.CreatedAt, &processedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.E(domain.KindPersistence, "store.GetDocument", err)
	}
	d.Path = path.String
	d.Error = errMsg.String
	if processedAt.Valid {
		d.ProcessedAt = processedAt.Time
	}
	return &d, nil
}

func (s *SQLiteStore) UpdateDocumentStatus(ctx context.Context, id string, status domain.DocumentStatus, errMsg string, processedAt time.Time) error {
	var pa any
	if !processedAt.IsZero() {
		pa = processedAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, error = ?, processed_at = ? WHERE id = ?`,
		status, errMsg, pa, id,
	)
	if err != nil {
		return domain.E(domain.KindPersistence, "store.UpdateDocumentStatus", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.KindPersistence, "store.UpdateDocumentStatus", "document %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, limit, offset int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, mime_type, size, path, status, error, created_at, processed_at
		 FROM documents ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, domain.E(domain.KindPersistence, "store.ListDocuments", err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		var d domain.Document
		var errMsg, path sql.NullString
		var processedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.Name, &d.MimeType, &d.Size, &path, &d.Status, &errMsg, &d.CreatedAt, &processedAt); err != nil {
			return nil, domain.E(domain.KindPersistence, "store.ListDocuments", err)
		}
		d.Path = path.String
		d.Error = errMsg.String
		if processedAt.Valid {
			d.ProcessedAt = processedAt.Time
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) AddFragment(ctx context.Context, frag domain.Fragment) error {
	if frag.CreatedAt.IsZero() {
		frag.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fragments (id, source_document_id, content, created_at) VALUES (?, ?, ?, ?)`,
		frag.ID, frag.SourceDocumentID, frag.Content, frag.CreatedAt,
	)
	if err != nil {
		return domain.E(domain.KindPersistence, "store.AddFragment", err)
	}
	return nil
}

func (s *SQLiteStore) ListFragments(ctx context.Context, sourceDocumentID string) ([]domain.Fragment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_document_id, content, created_at FROM fragments
		 WHERE source_document_id = ? ORDER BY created_at ASC`, sourceDocumentID)
	if err != nil {
		return nil, domain.E(domain.KindPersistence, "store.ListFragments", err)
	}
	defer rows.Close()
	return scanFragments(rows)
}

// ProcessedFragments returns every fragment whose source document completed
// extraction. Ordered newest first so retrieval ties break toward recency.
func (s *SQLiteStore) ProcessedFragments(ctx context.Context) ([]domain.Fragment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.source_document_id, f.content, f.created_at
		 FROM fragments f
		 JOIN documents d ON d.id = f.source_document_id
		 WHERE d.status = ?
		 ORDER BY f.created_at DESC`, domain.DocumentCompleted)
	if err != nil {
		return nil, domain.E(domain.KindPersistence, "store.ProcessedFragments", err)
	}
	defer rows.Close()
	return scanFragments(rows)
}

func scanFragments(rows *sql.Rows) ([]domain.Fragment, error) {
	var frags []domain.Fragment
	for rows.Next() {
		var f domain.Fragment
		if err := rows.Scan(&f.ID, &f.SourceDocumentID, &f.Content, &f.CreatedAt); err != nil {
			return nil, domain.E(domain.KindPersistence, "store.scanFragments", err)
		}
		frags = append(frags, f)
	}
	return frags, rows.Err()
}

// DeleteDocumentCascade removes the document and its fragments in one
// transaction: either both are gone afterward or neither is.
func (s *SQLiteStore) DeleteDocumentCascade(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.E(domain.KindPersistence, "store.DeleteDocumentCascade", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE source_document_id = ?`, id); err != nil {
		return domain.E(domain.KindPersistence, "store.DeleteDocumentCascade", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return domain.E(domain.KindPersistence, "store.DeleteDocumentCascade", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.KindPersistence, "store.DeleteDocumentCascade", "document %s not found", id)
	}

	if err := tx.Commit(); err != nil {
		return domain.E(domain.KindPersistence, "store.DeleteDocumentCascade", err)
	}
	return nil
}

// --- Settings ---

func (s *SQLiteStore) GetSettings(ctx context.Context, category string, out any) error {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM settings WHERE category = ?`, category).Scan(&data)
	if err == sql.ErrNoRows {
		return nil // leave out at its defaults
	}
	if err != nil {
		return domain.E(domain.KindPersistence, "store.GetSettings", err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return domain.E(domain.KindPersistence, "store.GetSettings", err)
	}
	return nil
}

func (s *SQLiteStore) SetSettings(ctx context.Context, category string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return domain.E(domain.KindPersistence, "store.SetSettings", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (category, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(category) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		category, string(data), time.Now(),
	)
	if err != nil {
		return domain.E(domain.KindPersistence, "store.SetSettings", err)
	}
	return nil
}

func (s *SQLiteStore) ListSettingsCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category FROM settings ORDER BY category`)
	if err != nil {
		return nil, domain.E(domain.KindPersistence, "store.ListSettingsCategories", err)
	}
	defer rows.Close()

	var cats []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, domain.E(domain.KindPersistence, "store.ListSettingsCategories", err)
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

// --- Reply log ---

func (s *SQLiteStore) LogReply(ctx context.Context, entry domain.ReplyLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reply_log (id, counterparty, message, response, model, fallback, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Counterparty, entry.Message, entry.Response, entry.Model, entry.Fallback, entry.CreatedAt,
	)
	if err != nil {
		return domain.E(domain.KindPersistence, "store.LogReply", err)
	}
	return nil
}

func (s *SQLiteStore) ListReplies(ctx context.Context, counterparty string, limit int) ([]domain.ReplyLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, counterparty, message, response, model, fallback, created_at FROM reply_log`
	args := []any{}
	if counterparty != "" {
		query += ` WHERE counterparty = ?`
		args = append(args, counterparty)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.E(domain.KindPersistence, "store.ListReplies", err)
	}
	defer rows.Close()

	var entries []domain.ReplyLogEntry
	for rows.Next() {
		var e domain.ReplyLogEntry
		if err := rows.Scan(&e.ID, &e.Counterparty, &e.Message, &e.Response, &e.Model, &e.Fallback, &e.CreatedAt); err != nil {
			return nil, domain.E(domain.KindPersistence, "store.ListReplies", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
