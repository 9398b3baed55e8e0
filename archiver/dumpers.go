package archiver

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/OldEphraim/strategy-vault/vault"
)

type Dumper interface {
	DumpHour(ctx context.Context, w Window, out io.Writer) (rows int64, err error)
}

type eventSource interface {
	DumpEventsHour(ctx context.Context, start, end time.Time) ([]vault.Event, error)
}

// EventsDumper writes one journal hour as NDJSON, one event per line.
type EventsDumper struct{ Q eventSource }

func (d *EventsDumper) DumpHour(ctx context.Context, w Window, out io.Writer) (int64, error) {
	evs, err := d.Q.DumpEventsHour(ctx, w.Start, w.End)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(out)
	var n int64
	for _, ev := range evs {
		ev.Timestamp = ev.Timestamp.UTC()
		if err := enc.Encode(ev); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// GzipStream pipes a Dumper through gzip into put and reports rows and
// compressed bytes.
func GzipStream(ctx context.Context, d Dumper, w Window, put func(r io.Reader) error) (rows int64, bytes int64, err error) {
	pr, pw := io.Pipe()
	cw := &countingWriter{w: pw}
	gw := gzip.NewWriter(cw)

	type res struct {
		rows int64
		err  error
	}
	ch := make(chan res, 1)

	go func() {
		rows, derr := d.DumpHour(ctx, w, gw)
		if cerr := gw.Close(); derr == nil {
			derr = cerr
		}
		_ = pw.CloseWithError(derr)
		ch <- res{rows, derr}
	}()

	if err = put(pr); err != nil {
		_ = pr.CloseWithError(err)
		<-ch
		return 0, 0, err
	}
	r := <-ch
	return r.rows, cw.n, r.err
}
