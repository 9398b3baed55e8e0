package archiver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"
)

// DefaultSettle must exceed the longest ledger transaction: an event is
// stamped before its transaction commits.
const DefaultSettle = time.Minute

// Runner archives one table hour per RunOnce call. An hour is picked only once
// Settle has passed since it closed.
type Runner struct {
	Sink   Sink
	Jobs   JobLog
	Dumper Dumper
	Table  string
	Prefix string
	Settle time.Duration
	Log    *slog.Logger
}

// LastSettledHour is the newest hour that no in-flight transaction can still
// write into.
func (r *Runner) LastSettledHour(now time.Time) Window {
	settle := r.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	return LastClosedHourUTC(now.Add(-settle))
}

// Keys returns the data object key and the success marker key for w.
func (r *Runner) Keys(w Window) (key, marker string) {
	prefix := r.Prefix
	if prefix == "" {
		prefix = r.Table
	}
	dir := fmt.Sprintf("%s/dt=%s/hour=%s",
		strings.TrimSuffix(prefix, "/"), w.Start.Format("2006-01-02"), w.Start.Format("15"))
	return path.Join(dir, "part-00000.json.gz"), path.Join(dir, "_SUCCESS")
}

// RunOnce reports true when the hour is archived, either now or earlier.
func (r *Runner) RunOnce(ctx context.Context, w Window) (bool, error) {
	key, marker := r.Keys(w)
	log := r.Log.With("table", r.Table, "hour", w.Start.Format("2006-01-02T15"))

	// idempotency
	exists, err := r.Sink.Exists(ctx, key)
	if err == nil && exists {
		rec, err2 := r.Jobs.RecordedDone(ctx, r.Table, w)
		if err2 != nil || !rec {
			_ = r.Jobs.Done(ctx, r.Table, key, w, 0, 0)
		}
		log.Info("skip: already archived")
		return true, nil
	} else if err != nil {
		log.Warn("head failed, continuing", "err", err)
	}

	if err := r.Jobs.Start(ctx, r.Table, key, w); err != nil {
		log.Warn("mark start failed", "err", err)
	}

	rows, bytes, err := GzipStream(ctx, r.Dumper, w, func(body io.Reader) error {
		return r.Sink.Put(ctx, key, body)
	})
	if err != nil {
		_ = r.Jobs.Fail(ctx, r.Table, key, w)
		return false, fmt.Errorf("stream put failed: %w", err)
	}

	if err := r.Jobs.Done(ctx, r.Table, key, w, rows, bytes); err != nil {
		return false, fmt.Errorf("mark done failed: %w", err)
	}
	if err := r.Sink.PutEmpty(ctx, marker); err != nil {
		log.Warn("success marker failed", "err", err)
	}
	log.Info("archived", "rows", rows, "bytes", bytes, "uri", r.Sink.URI(key))
	return true, nil
}

// SelectWindow picks an explicit hour, the oldest unarchived hour when
// backfilling, or the last closed hour.
func (r *Runner) SelectWindow(ctx context.Context, explicit *time.Time, backfill bool, now time.Time) (Window, error) {
	switch {
	case explicit != nil:
		return HourOf(*explicit), nil
	case backfill:
		oldest, err := r.Jobs.OldestUnarchived(ctx, r.Table)
		if err != nil {
			return Window{}, err
		}
		last := r.LastSettledHour(now)
		if oldest != nil && !HourOf(*oldest).End.After(last.End) {
			return HourOf(*oldest), nil
		}
		return last, nil
	}
	return r.LastSettledHour(now), nil
}
