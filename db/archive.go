package db

import (
	"context"
	"database/sql"
	"time"
)

const (
	archiveRunning = "running"
	archiveDone    = "done"
	archiveFailed  = "failed"
)

func (q *Queries) ArchiveStart(ctx context.Context, table, key string, start, end time.Time) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO archive_jobs (table_name, ts_start, ts_end, s3_key, status, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (table_name, ts_start)
DO UPDATE SET ts_end = EXCLUDED.ts_end, s3_key = EXCLUDED.s3_key, status = EXCLUDED.status, updated_at = now()`,
		table, start, end, key, archiveRunning)
	return err
}

func (q *Queries) ArchiveDone(ctx context.Context, table, key string, start, end time.Time, rows, bytes int64) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO archive_jobs (table_name, ts_start, ts_end, s3_key, status, row_count, bytes_written, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (table_name, ts_start)
DO UPDATE SET status = EXCLUDED.status, s3_key = EXCLUDED.s3_key, row_count = EXCLUDED.row_count,
              bytes_written = EXCLUDED.bytes_written, updated_at = now()`,
		table, start, end, key, archiveDone, rows, bytes)
	return err
}

func (q *Queries) ArchiveFail(ctx context.Context, table, key string, start, end time.Time) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE archive_jobs SET status = $4, s3_key = $3, updated_at = now()
WHERE table_name = $1 AND ts_start = $2`, table, start, key, archiveFailed)
	return err
}

func (q *Queries) ArchiveRecordedDone(ctx context.Context, table string, start time.Time) (bool, error) {
	var done bool
	err := q.db.QueryRowContext(ctx, `
SELECT EXISTS (
  SELECT 1 FROM archive_jobs WHERE table_name = $1 AND ts_start = $2 AND status = $3
)`, table, start, archiveDone).Scan(&done)
	return done, err
}

// OldestUnarchivedEventsHour is the earliest closed journal hour with no
// finished archive job.
func (q *Queries) OldestUnarchivedEventsHour(ctx context.Context) (sql.NullTime, error) {
	var t sql.NullTime
	err := q.db.QueryRowContext(ctx, `
SELECT min(date_trunc('hour', e.ts))
FROM vault_events e
WHERE e.ts < date_trunc('hour', now())
  AND NOT EXISTS (
    SELECT 1 FROM archive_jobs j
    WHERE j.table_name = 'vault_events'
      AND j.status = $1
      AND e.ts >= j.ts_start AND e.ts < j.ts_end
  )`, archiveDone).Scan(&t)
	return t, err
}
