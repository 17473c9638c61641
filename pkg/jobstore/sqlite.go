package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/pulsedeck/realtime/pkg/wire"
)

// SQLiteStore persists jobs in a single table. Platform results ride along
// as a JSON payload column; the scalar columns exist for filtering.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite job store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite job store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS publish_jobs (
			id TEXT PRIMARY KEY,
			content_id TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL,
			started_ms INTEGER NOT NULL,
			completed_ms INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS publish_jobs_by_content ON publish_jobs(content_id, started_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS publish_jobs_by_status ON publish_jobs(status, started_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite job store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, job wire.Job) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite job store: db is nil")
	}
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("sqlite job store: job id is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "sqlite job store: marshal job")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO publish_jobs(id, content_id, status, progress, started_ms, completed_ms, payload)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_id = excluded.content_id,
			status = excluded.status,
			progress = excluded.progress,
			started_ms = excluded.started_ms,
			completed_ms = excluded.completed_ms,
			payload = excluded.payload
	`, job.ID, job.ContentID, string(job.Status), job.Progress, job.StartedMs, job.CompletedMs, string(payload))
	if err != nil {
		return errors.Wrap(err, "sqlite job store: upsert")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (wire.Job, bool, error) {
	if s == nil || s.db == nil {
		return wire.Job{}, false, errors.New("sqlite job store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM publish_jobs WHERE id = ?`, jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.Job{}, false, nil
	}
	if err != nil {
		return wire.Job{}, false, errors.Wrap(err, "sqlite job store: get")
	}
	var job wire.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return wire.Job{}, false, errors.Wrap(err, "sqlite job store: unmarshal job")
	}
	return job, true, nil
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]wire.Job, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite job store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	clauses := []string{}
	args := []any{}
	if v := strings.TrimSpace(q.ContentID); v != "" {
		clauses = append(clauses, "content_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(string(q.Status)); v != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, v)
	}
	if q.SinceMs > 0 {
		clauses = append(clauses, "started_ms >= ?")
		args = append(args, q.SinceMs)
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT payload
		FROM publish_jobs
		%s
		ORDER BY started_ms DESC
		LIMIT ?
	`, where)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite job store: query")
	}
	defer func() { _ = rows.Close() }()

	items := []wire.Job{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var job wire.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return nil, errors.Wrap(err, "sqlite job store: unmarshal job")
		}
		items = append(items, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, jobID string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite job store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM publish_jobs WHERE id = ?`, jobID)
	return errors.Wrap(err, "sqlite job store: delete")
}

// SQLiteDSNForFile builds a file DSN with WAL and a busy timeout.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite job store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
