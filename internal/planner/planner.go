package planner

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/adsync-lab/geminisync/internal/catalog"
)

// Range is a closed interval of calendar days in the advertiser's time zone.
type Range struct {
	Start Day
	End   Day
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", r.Start, r.End)
}

// Days returns the inclusive span of r in days.
func (r Range) Days() int {
	return int(r.End.Time(time.UTC).Sub(r.Start.Time(time.UTC))/(24*time.Hour)) + 1
}

// Planner turns persisted bookmarks into bounded, ordered query ranges.
// It is stateless apart from the global historical start date; all other
// inputs arrive per call.
type Planner struct {
	globalStart Day
}

// New creates a planner with the configured global historical floor. Streams
// without a lookback limit never reach further back than globalStart.
func New(globalStart Day) *Planner {
	return &Planner{globalStart: globalStart}
}

// Plan computes the ordered, non-overlapping ranges to query for one
// (stream, advertiser) pair. bookmark is the zero Day when the pair has no
// prior state. now is interpreted in loc, the advertiser's time zone.
//
// Object streams always get a single current-snapshot range. Daily cubes are
// clamped to the cube's lookback window, then split into chunks no longer
// than the cube's per-request span. An empty result means the stream is
// fully caught up (or its lookback window has advanced past all requested
// history).
func (p *Planner) Plan(stream *catalog.StreamDescriptor, loc *time.Location, bookmark Day, now time.Time) []Range {
	today := DayOf(now.In(loc))

	if stream.Kind == catalog.KindObjectCube {
		return []Range{{Start: today, End: today}}
	}

	floor := p.globalStart
	if stream.MaxLookbackDays > 0 {
		floor = today.AddDays(-stream.MaxLookbackDays)
	}

	lower := p.globalStart
	if !bookmark.IsZero() {
		lower = bookmark
	}
	if floor.After(lower) {
		slog.Warn("[Planner] Lookback window clamps start date",
			"stream", stream.Name,
			"requested_start", lower,
			"clamped_start", floor,
			"max_lookback_days", stream.MaxLookbackDays,
		)
		lower = floor
	}

	if lower.After(today) {
		return nil
	}

	if stream.MaxWindowDays <= 0 {
		return []Range{{Start: lower, End: today}}
	}

	var ranges []Range
	for start := lower; !start.After(today); {
		end := start.AddDays(stream.MaxWindowDays - 1)
		if end.After(today) {
			end = today
		}
		ranges = append(ranges, Range{Start: start, End: end})
		start = end.AddDays(1)
	}
	return ranges
}
