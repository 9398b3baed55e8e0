package archiver

import "time"

const EventsTable = "vault_events"

type Window struct {
	Start time.Time
	End   time.Time
}

func LastClosedHourUTC(now time.Time) Window {
	end := now.UTC().Truncate(time.Hour)
	return Window{Start: end.Add(-time.Hour), End: end}
}

// HourOf is the UTC hour containing t.
func HourOf(t time.Time) Window {
	start := t.UTC().Truncate(time.Hour)
	return Window{Start: start, End: start.Add(time.Hour)}
}
