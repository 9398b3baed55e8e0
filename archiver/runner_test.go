package archiver

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OldEphraim/strategy-vault/utils/logging"
	"github.com/OldEphraim/strategy-vault/vault"
)

type memSink struct {
	objects map[string][]byte
	putErr  error
}

func newMemSink() *memSink { return &memSink{objects: map[string][]byte{}} }

func (s *memSink) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memSink) Put(_ context.Context, key string, body io.Reader) error {
	if s.putErr != nil {
		return s.putErr
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.objects[key] = b
	return nil
}

func (s *memSink) PutEmpty(_ context.Context, key string) error {
	s.objects[key] = nil
	return nil
}

func (s *memSink) URI(key string) string { return "mem://" + key }

type jobRecord struct {
	status string
	rows   int64
	bytes  int64
}

type memJobs struct {
	jobs   map[time.Time]jobRecord
	oldest *time.Time
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[time.Time]jobRecord{}} }

func (j *memJobs) Start(_ context.Context, _, _ string, w Window) error {
	j.jobs[w.Start] = jobRecord{status: "running"}
	return nil
}

func (j *memJobs) Done(_ context.Context, _, _ string, w Window, rows, bytes int64) error {
	j.jobs[w.Start] = jobRecord{status: "done", rows: rows, bytes: bytes}
	return nil
}

func (j *memJobs) Fail(_ context.Context, _, _ string, w Window) error {
	j.jobs[w.Start] = jobRecord{status: "failed"}
	return nil
}

func (j *memJobs) RecordedDone(_ context.Context, _ string, w Window) (bool, error) {
	return j.jobs[w.Start].status == "done", nil
}

func (j *memJobs) OldestUnarchived(context.Context, string) (*time.Time, error) {
	return j.oldest, nil
}

type fakeEvents struct {
	events []vault.Event
	err    error
}

func (f *fakeEvents) DumpEventsHour(_ context.Context, start, end time.Time) ([]vault.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []vault.Event
	for _, ev := range f.events {
		if !ev.Timestamp.Before(start) && ev.Timestamp.Before(end) {
			out = append(out, ev)
		}
	}
	return out, nil
}

var hour = time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)

func newRunner(src *fakeEvents) (*Runner, *memSink, *memJobs) {
	sink, jobs := newMemSink(), newMemJobs()
	return &Runner{
		Sink:   sink,
		Jobs:   jobs,
		Dumper: &EventsDumper{Q: src},
		Table:  EventsTable,
		Prefix: "vault-events/",
		Log:    logging.Discard(),
	}, sink, jobs
}

func readNDJSON(t *testing.T, gz []byte) []vault.Event {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(gz))
	require.NoError(t, err)
	var out []vault.Event
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		var ev vault.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		out = append(out, ev)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRunOnceArchivesHour(t *testing.T) {
	src := &fakeEvents{events: []vault.Event{
		{Seq: 1, Type: vault.EventStrategyCreated, Timestamp: hour.Add(5 * time.Minute)},
		{Seq: 2, Type: vault.EventUserSubscribed, Timestamp: hour.Add(59 * time.Minute)},
		{Seq: 3, Type: vault.EventTradeExecuted, Timestamp: hour.Add(time.Hour)},
	}}
	r, sink, jobs := newRunner(src)
	w := HourOf(hour.Add(30 * time.Minute))

	ok, err := r.RunOnce(context.Background(), w)
	require.NoError(t, err)
	require.True(t, ok)

	key, marker := r.Keys(w)
	require.Equal(t, "vault-events/dt=2025-03-01/hour=14/part-00000.json.gz", key)
	require.Contains(t, sink.objects, marker)

	got := readNDJSON(t, sink.objects[key])
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].Seq)
	require.Equal(t, int64(2), got[1].Seq)

	rec := jobs.jobs[w.Start]
	require.Equal(t, "done", rec.status)
	require.Equal(t, int64(2), rec.rows)
	require.Equal(t, int64(len(sink.objects[key])), rec.bytes)
}

func TestRunOnceSkipsExistingObject(t *testing.T) {
	r, sink, jobs := newRunner(&fakeEvents{err: errors.New("must not be read")})
	w := HourOf(hour)
	key, _ := r.Keys(w)
	sink.objects[key] = []byte("already there")

	ok, err := r.RunOnce(context.Background(), w)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "done", jobs.jobs[w.Start].status)
	require.Equal(t, []byte("already there"), sink.objects[key])
}

func TestRunOnceMarksFailure(t *testing.T) {
	broken := errors.New("db gone")
	r, sink, jobs := newRunner(&fakeEvents{err: broken})
	w := HourOf(hour)

	ok, err := r.RunOnce(context.Background(), w)
	require.ErrorIs(t, err, broken)
	require.False(t, ok)
	require.Equal(t, "failed", jobs.jobs[w.Start].status)
	_, marker := r.Keys(w)
	require.NotContains(t, sink.objects, marker)

	r, sink, jobs = newRunner(&fakeEvents{})
	sink.putErr = errors.New("s3 denied")
	_, err = r.RunOnce(context.Background(), w)
	require.ErrorIs(t, err, sink.putErr)
	require.Equal(t, "failed", jobs.jobs[w.Start].status)
}

func TestSelectWindow(t *testing.T) {
	ctx := context.Background()
	r, _, jobs := newRunner(&fakeEvents{})
	now := time.Date(2025, 3, 2, 9, 17, 0, 0, time.UTC)

	explicit := time.Date(2025, 2, 1, 3, 45, 0, 0, time.UTC)
	w, err := r.SelectWindow(ctx, &explicit, true, now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC), w.Start)

	w, err = r.SelectWindow(ctx, nil, true, now)
	require.NoError(t, err)
	require.Equal(t, LastClosedHourUTC(now), w)

	oldest := time.Date(2025, 2, 28, 22, 10, 0, 0, time.UTC)
	jobs.oldest = &oldest
	w, err = r.SelectWindow(ctx, nil, true, now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 2, 28, 22, 0, 0, 0, time.UTC), w.Start)
	require.Equal(t, time.Hour, w.End.Sub(w.Start))

	w, err = r.SelectWindow(ctx, nil, false, now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC), w.Start)
}

func TestSelectWindowWaitsForSettle(t *testing.T) {
	ctx := context.Background()
	r, _, jobs := newRunner(&fakeEvents{})
	justClosed := time.Date(2025, 3, 2, 9, 0, 30, 0, time.UTC)

	w, err := r.SelectWindow(ctx, nil, false, justClosed)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 2, 7, 0, 0, 0, time.UTC), w.Start)

	// The 08:00 hour may still receive commits, so backfill holds off too.
	oldest := time.Date(2025, 3, 2, 8, 10, 0, 0, time.UTC)
	jobs.oldest = &oldest
	w, err = r.SelectWindow(ctx, nil, true, justClosed)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 2, 7, 0, 0, 0, time.UTC), w.Start)

	w, err = r.SelectWindow(ctx, nil, true, justClosed.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC), w.Start)

	r.Settle = 5 * time.Minute
	require.Equal(t, time.Date(2025, 3, 2, 7, 0, 0, 0, time.UTC), r.LastSettledHour(justClosed.Add(time.Minute)).Start)
}
