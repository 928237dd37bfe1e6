package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clipforge/internal/models"
)

const videosSchema = `
CREATE TABLE IF NOT EXISTS videos (
    id             TEXT PRIMARY KEY,
    owner_id       TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    storage_path   TEXT NOT NULL,
    product_id     TEXT,
    asin           TEXT,
    upload_status  TEXT NOT NULL DEFAULT 'processing',
    transcoded_url TEXT,
    error_message  TEXT,
    file_size      BIGINT NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT videos_terminal_state CHECK (
        (upload_status = 'completed' AND transcoded_url IS NOT NULL AND error_message IS NULL)
        OR (upload_status = 'failed' AND error_message IS NOT NULL)
        OR (upload_status = 'processing')
    )
)`

// PostgresStore persists video records to a Postgres table, allowing job
// outcomes to be recovered after the process restarts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresOption adjusts the connection pool configuration.
type PostgresOption func(*pgxpool.Config)

func WithPoolLimits(maxConns, minConns int32) PostgresOption {
	return func(cfg *pgxpool.Config) {
		if maxConns > 0 {
			cfg.MaxConns = maxConns
		}
		if minConns > 0 {
			cfg.MinConns = minConns
		}
	}
}

func WithApplicationName(name string) PostgresOption {
	return func(cfg *pgxpool.Config) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if cfg.ConnConfig.RuntimeParams == nil {
			cfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		cfg.ConnConfig.RuntimeParams["application_name"] = name
	}
}

// NewPostgresStore opens a Postgres-backed video store using the provided DSN
// and ensures the videos table exists.
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, videosSchema); err != nil {
		return fmt.Errorf("ensure videos schema: %w", err)
	}
	return nil
}

// Close releases the connection pool resources.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateVideo(ctx context.Context, params CreateVideoParams) (models.VideoRecord, error) {
	if err := params.validate(); err != nil {
		return models.VideoRecord{}, err
	}
	id := uuid.NewString()
	row := s.pool.QueryRow(ctx, `
INSERT INTO videos (id, owner_id, title, storage_path, product_id, asin, upload_status)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), 'processing')
RETURNING id, owner_id, title, storage_path, COALESCE(product_id, ''), COALESCE(asin, ''),
          upload_status, transcoded_url, error_message, file_size, created_at, updated_at
`, id, params.OwnerID, params.Title, params.StoragePath, params.ProductID, params.ASIN)
	record, err := scanVideo(row)
	if err != nil {
		return models.VideoRecord{}, fmt.Errorf("insert video: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) GetVideo(ctx context.Context, id string) (models.VideoRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, owner_id, title, storage_path, COALESCE(product_id, ''), COALESCE(asin, ''),
       upload_status, transcoded_url, error_message, file_size, created_at, updated_at
FROM videos
WHERE id = $1
`, id)
	record, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.VideoRecord{}, false, nil
		}
		return models.VideoRecord{}, false, fmt.Errorf("select video: %w", err)
	}
	return record, true, nil
}

func (s *PostgresStore) ListProcessing(ctx context.Context) ([]models.VideoRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, owner_id, title, storage_path, COALESCE(product_id, ''), COALESCE(asin, ''),
       upload_status, transcoded_url, error_message, file_size, created_at, updated_at
FROM videos
WHERE upload_status = 'processing'
ORDER BY created_at
`)
	if err != nil {
		return nil, fmt.Errorf("list processing videos: %w", err)
	}
	defer rows.Close()
	var records []models.VideoRecord
	for rows.Next() {
		record, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan processing video: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list processing videos: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) MarkVideoCompleted(ctx context.Context, id, transcodedURL string, fileSize int64) (models.VideoRecord, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE videos
SET upload_status = 'completed', transcoded_url = $2, error_message = NULL, file_size = $3, updated_at = now()
WHERE id = $1
RETURNING id, owner_id, title, storage_path, COALESCE(product_id, ''), COALESCE(asin, ''),
          upload_status, transcoded_url, error_message, file_size, created_at, updated_at
`, id, transcodedURL, fileSize)
	record, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.VideoRecord{}, ErrVideoNotFound
		}
		return models.VideoRecord{}, fmt.Errorf("mark video completed: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) MarkVideoFailed(ctx context.Context, id, message string) (models.VideoRecord, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE videos
SET upload_status = 'failed', error_message = $2, transcoded_url = NULL, updated_at = now()
WHERE id = $1
RETURNING id, owner_id, title, storage_path, COALESCE(product_id, ''), COALESCE(asin, ''),
          upload_status, transcoded_url, error_message, file_size, created_at, updated_at
`, id, message)
	record, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.VideoRecord{}, ErrVideoNotFound
		}
		return models.VideoRecord{}, fmt.Errorf("mark video failed: %w", err)
	}
	return record, nil
}

func scanVideo(row pgx.Row) (models.VideoRecord, error) {
	var (
		record    models.VideoRecord
		status    string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(
		&record.ID,
		&record.OwnerID,
		&record.Title,
		&record.StoragePath,
		&record.ProductID,
		&record.ASIN,
		&status,
		&record.TranscodedURL,
		&record.ErrorMessage,
		&record.FileSize,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.VideoRecord{}, err
	}
	record.UploadStatus = models.UploadStatus(status)
	record.CreatedAt = createdAt.UTC()
	record.UpdatedAt = updatedAt.UTC()
	return record, nil
}

var _ VideoStore = (*PostgresStore)(nil)
