package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/assistd/internal/domain"
	"github.com/tjfontaine/assistd/internal/storage"
)

// Store is a SQLite implementation of InteractionStore.
type Store struct {
	db *sql.DB
}

var _ storage.InteractionStore = (*Store)(nil)

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; concurrent handlers queue on the pool instead of
	// failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			request_id TEXT,
			model TEXT NOT NULL,
			family TEXT NOT NULL,
			streaming INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			content_chars INTEGER NOT NULL DEFAULT 0,
			reasoning_blocks INTEGER NOT NULL DEFAULT 0,
			usage TEXT,
			error_message TEXT,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			created_at_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_status ON interactions(status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) Record(ctx context.Context, it *storage.Interaction) error {
	storage.Prepare(it)

	var usage sql.NullString
	if it.Usage != nil {
		b, err := json.Marshal(it.Usage)
		if err != nil {
			return fmt.Errorf("failed to marshal usage: %w", err)
		}
		usage = sql.NullString{String: string(b), Valid: true}
	}

	query := `INSERT INTO interactions (
		id, request_id, model, family, streaming, status,
		content_chars, reasoning_blocks, usage, error_message,
		duration_ns, created_at_ns
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		it.ID, it.RequestID, it.Model, it.Family, it.Streaming, string(it.Status),
		it.ContentChars, it.ReasoningBlocks, usage, nullString(it.Error),
		int64(it.Duration), it.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}
	return nil
}

const selectColumns = `id, request_id, model, family, streaming, status,
	content_chars, reasoning_blocks, usage, error_message,
	duration_ns, created_at_ns`

func (s *Store) Get(ctx context.Context, id string) (*storage.Interaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM interactions WHERE id = ?`, id)
	it, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}
	return it, nil
}

func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]*storage.Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM interactions ORDER BY created_at_ns DESC, id DESC LIMIT ?`,
		opts.EffectiveLimit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	defer rows.Close()

	result := []*storage.Interaction{}
	for rows.Next() {
		it, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row scanner) (*storage.Interaction, error) {
	var (
		it         storage.Interaction
		requestID  sql.NullString
		status     string
		usage      sql.NullString
		errMessage sql.NullString
		durationNS int64
		createdNS  int64
	)

	err := row.Scan(
		&it.ID, &requestID, &it.Model, &it.Family, &it.Streaming, &status,
		&it.ContentChars, &it.ReasoningBlocks, &usage, &errMessage,
		&durationNS, &createdNS,
	)
	if err != nil {
		return nil, err
	}

	it.RequestID = requestID.String
	it.Status = storage.InteractionStatus(status)
	it.Error = errMessage.String
	it.Duration = time.Duration(durationNS)
	it.CreatedAt = time.Unix(0, createdNS).UTC()

	if usage.Valid && usage.String != "" {
		var u domain.Usage
		if err := json.Unmarshal([]byte(usage.String), &u); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
		}
		it.Usage = &u
	}

	return &it, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
