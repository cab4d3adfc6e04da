// Package memory persists chat sessions, conversation turns and document
// records in sqlite. Turns form an append-only log with a gapless,
// strictly increasing index per chat.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jortega/docagent/pkg/types"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the sqlite-backed conversation and document store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			chat_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS turns (
			chat_id TEXT NOT NULL,
			turn_index INTEGER NOT NULL,
			role TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			intent TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (chat_id, turn_index)
		);

		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			source_uri TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_documents_chat_id ON documents(chat_id);
	`)
	return err
}

// EnsureSession creates the session if it does not exist and returns it.
func (s *Store) EnsureSession(ctx context.Context, chatID string) (*types.ChatSession, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (chat_id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO NOTHING
	`, chatID, now, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	return s.Session(ctx, chatID)
}

// Session returns the chat session, or ErrNotFound.
func (s *Store) Session(ctx context.Context, chatID string) (*types.ChatSession, error) {
	var sess types.ChatSession
	err := s.db.QueryRowContext(ctx, `
		SELECT s.chat_id, s.document_id, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM turns t WHERE t.chat_id = s.chat_id)
		FROM sessions s WHERE s.chat_id = ?
	`, chatID).Scan(&sess.ChatID, &sess.DocumentID, &sess.CreatedAt, &sess.UpdatedAt, &sess.TurnCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chat %s", types.ErrNotFound, chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	return &sess, nil
}

// SetSessionDocument points the session at a document.
func (s *Store) SetSessionDocument(ctx context.Context, chatID, documentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET document_id = ?, updated_at = ? WHERE chat_id = ?
	`, documentID, time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: chat %s", types.ErrNotFound, chatID)
	}
	return nil
}

// AppendExchange appends the user turn and the agent turn in a single
// transaction. Either both land or neither does. Indexes continue the
// chat's sequence with no gaps. The user ID is recorded on the user
// turn only.
func (s *Store) AppendExchange(ctx context.Context, chatID, userID, userText, agentText string, intent types.Intent) ([]types.Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(turn_index), -1) + 1 FROM turns WHERE chat_id = ?", chatID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	now := time.Now().UTC()
	turns := []types.Turn{
		{ChatID: chatID, Index: next, Role: types.RoleUser, UserID: userID, Text: userText, Intent: intent, CreatedAt: now},
		{ChatID: chatID, Index: next + 1, Role: types.RoleAgent, Text: agentText, Intent: intent, CreatedAt: now},
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO turns (chat_id, turn_index, role, user_id, text, intent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	defer stmt.Close()

	for _, turn := range turns {
		if _, err := stmt.ExecContext(ctx, turn.ChatID, turn.Index, turn.Role, turn.UserID, turn.Text, turn.Intent, turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: appending turn %d: %v", types.ErrPersistence, turn.Index, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE chat_id = ?", now, chatID); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	return turns, nil
}

// Recent returns the last n turns in chronological order.
func (s *Store) Recent(ctx context.Context, chatID string, n int) ([]types.Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, turn_index, role, user_id, text, intent, created_at
		FROM (
			SELECT * FROM turns WHERE chat_id = ?
			ORDER BY turn_index DESC LIMIT ?
		) ORDER BY turn_index ASC
	`, chatID, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// History returns all turns for the chat in order.
func (s *Store) History(ctx context.Context, chatID string) ([]types.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, turn_index, role, user_id, text, intent, created_at
		FROM turns WHERE chat_id = ? ORDER BY turn_index ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// IntentCounts returns how many agent turns each intent produced.
func (s *Store) IntentCounts(ctx context.Context, chatID string) (map[types.Intent]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT intent, COUNT(*) FROM turns
		WHERE chat_id = ? AND role = ? AND intent != ''
		GROUP BY intent
	`, chatID, types.RoleAgent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	defer rows.Close()

	counts := make(map[types.Intent]int)
	for rows.Next() {
		var intent types.Intent
		var n int
		if err := rows.Scan(&intent, &n); err != nil {
			return nil, err
		}
		counts[intent] = n
	}
	return counts, rows.Err()
}

// DeleteChat removes the session, its turns and its document records.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM turns WHERE chat_id = ?",
		"DELETE FROM documents WHERE chat_id = ?",
		"DELETE FROM sessions WHERE chat_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
			return fmt.Errorf("%w: %v", types.ErrPersistence, err)
		}
	}
	return tx.Commit()
}

// SaveDocument inserts or replaces a document record.
func (s *Store) SaveDocument(ctx context.Context, doc *types.Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, chat_id, source_uri, title, status, error_detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			error_detail = excluded.error_detail,
			updated_at = excluded.updated_at
	`, doc.ID, doc.ChatID, doc.SourceURI, doc.Title, doc.Status, doc.ErrorDetail, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	return nil
}

// UpdateDocument changes a document's status and error detail.
func (s *Store) UpdateDocument(ctx context.Context, docID string, status types.DocumentStatus, errorDetail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, error_detail = ?, updated_at = ? WHERE id = ?
	`, status, errorDetail, time.Now().UTC(), docID)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: document %s", types.ErrNotFound, docID)
	}
	return nil
}

// SetDocumentTitle records the title extracted during fetch.
func (s *Store) SetDocumentTitle(ctx context.Context, docID, title string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET title = ?, updated_at = ? WHERE id = ?", title, time.Now().UTC(), docID)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	return nil
}

// Document returns a document record by ID, or ErrNotFound.
func (s *Store) Document(ctx context.Context, docID string) (*types.Document, error) {
	return s.queryDocument(ctx, "SELECT id, chat_id, source_uri, title, status, error_detail, created_at, updated_at FROM documents WHERE id = ?", docID)
}

// DocumentByChat returns the chat's most recent document record.
func (s *Store) DocumentByChat(ctx context.Context, chatID string) (*types.Document, error) {
	return s.queryDocument(ctx, `
		SELECT id, chat_id, source_uri, title, status, error_detail, created_at, updated_at
		FROM documents WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`, chatID)
}

func (s *Store) queryDocument(ctx context.Context, query string, arg string) (*types.Document, error) {
	var doc types.Document
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&doc.ID, &doc.ChatID, &doc.SourceURI, &doc.Title, &doc.Status,
		&doc.ErrorDetail, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document for %s", types.ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	return &doc, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanTurns(rows *sql.Rows) ([]types.Turn, error) {
	var turns []types.Turn
	for rows.Next() {
		var turn types.Turn
		if err := rows.Scan(&turn.ChatID, &turn.Index, &turn.Role, &turn.UserID, &turn.Text, &turn.Intent, &turn.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}
