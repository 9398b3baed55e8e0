package archiver

import (
	"context"
	"time"

	"github.com/OldEphraim/strategy-vault/db"
)

// JobLog records archive progress per table hour.
type JobLog interface {
	Start(ctx context.Context, table, key string, w Window) error
	Done(ctx context.Context, table, key string, w Window, rows, bytes int64) error
	Fail(ctx context.Context, table, key string, w Window) error
	RecordedDone(ctx context.Context, table string, w Window) (bool, error)
	OldestUnarchived(ctx context.Context, table string) (*time.Time, error)
}

type JobStore struct{ Q *db.Queries }

var _ JobLog = (*JobStore)(nil)

func (s *JobStore) Start(ctx context.Context, table, key string, w Window) error {
	return s.Q.ArchiveStart(ctx, table, key, w.Start, w.End)
}

func (s *JobStore) Done(ctx context.Context, table, key string, w Window, rows, bytes int64) error {
	return s.Q.ArchiveDone(ctx, table, key, w.Start, w.End, rows, bytes)
}

func (s *JobStore) Fail(ctx context.Context, table, key string, w Window) error {
	return s.Q.ArchiveFail(ctx, table, key, w.Start, w.End)
}

func (s *JobStore) RecordedDone(ctx context.Context, table string, w Window) (bool, error) {
	return s.Q.ArchiveRecordedDone(ctx, table, w.Start)
}

// OldestUnarchived returns nil when the table is caught up.
func (s *JobStore) OldestUnarchived(ctx context.Context, table string) (*time.Time, error) {
	if table != EventsTable {
		return nil, nil
	}
	nt, err := s.Q.OldestUnarchivedEventsHour(ctx)
	if err != nil {
		return nil, err
	}
	if !nt.Valid {
		return nil, nil
	}
	return &nt.Time, nil
}
