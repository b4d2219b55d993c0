package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adsync-lab/geminisync/internal/catalog"
	"github.com/adsync-lab/geminisync/internal/gemini"
	"github.com/adsync-lab/geminisync/internal/governor"
	"github.com/adsync-lab/geminisync/internal/planner"
	"github.com/adsync-lab/geminisync/internal/state"
)

// testNow pins the clock: plans always end on 2024-01-20.
var testNow = time.Date(2024, time.January, 20, 12, 0, 0, 0, time.UTC)

func cubeStream(name string, lookback, window int) *catalog.StreamDescriptor {
	return &catalog.StreamDescriptor{
		Name: name,
		Kind: catalog.KindDailyCube,
		Fields: []catalog.Field{
			{Name: "Advertiser ID", Type: catalog.FieldInteger},
			{Name: "Day", Type: catalog.FieldDate},
		},
		PrimaryKey:      []string{"Advertiser ID", "Day"},
		BookmarkField:   "Day",
		MaxLookbackDays: lookback,
		MaxWindowDays:   window,
	}
}

func objectStream() *catalog.StreamDescriptor {
	return &catalog.StreamDescriptor{
		Name:       "campaign",
		Kind:       catalog.KindObjectCube,
		Fields:     []catalog.Field{{Name: "id", Type: catalog.FieldInteger}},
		PrimaryKey: []string{"id"},
		Edge:       "campaign",
	}
}

func dayRecord(day planner.Day) catalog.Record {
	return catalog.Record{"Advertiser ID": int64(12345), "Day": day}
}

// fakeRunner scripts report job outcomes. The run function receives the
// 1-based call number so tests can fail specific chunks.
type fakeRunner struct {
	mu     sync.Mutex
	ranges []planner.Range
	runFn  func(call int, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) ([]catalog.Record, error)
	listFn func(stream *catalog.StreamDescriptor, advertiserID string) ([]catalog.Record, error)
	final  func(rng planner.Range) planner.Day
}

func (f *fakeRunner) Run(ctx context.Context, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range, loc *time.Location) ([]catalog.Record, error) {
	f.mu.Lock()
	f.ranges = append(f.ranges, rng)
	call := len(f.ranges)
	f.mu.Unlock()
	return f.runFn(call, stream, advertiserID, rng)
}

func (f *fakeRunner) ListObjects(ctx context.Context, stream *catalog.StreamDescriptor, advertiserID string, loc *time.Location) ([]catalog.Record, error) {
	if f.listFn == nil {
		return nil, fmt.Errorf("unexpected ListObjects call for %s", stream.Name)
	}
	return f.listFn(stream, advertiserID)
}

func (f *fakeRunner) FinalizedThrough(ctx context.Context, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range, now time.Time, loc *time.Location) planner.Day {
	if f.final != nil {
		return f.final(rng)
	}
	return rng.End
}

func (f *fakeRunner) calls() []planner.Range {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]planner.Range(nil), f.ranges...)
}

// fakeEmitter records the message sequence.
type fakeEmitter struct {
	mu      sync.Mutex
	events  []string
	records map[string][]catalog.Record
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{records: make(map[string][]catalog.Record)}
}

func (e *fakeEmitter) EmitSchema(stream *catalog.StreamDescriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "SCHEMA "+stream.Name)
	return nil
}

func (e *fakeEmitter) EmitRecord(stream *catalog.StreamDescriptor, rec catalog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "RECORD "+stream.Name)
	e.records[stream.Name] = append(e.records[stream.Name], rec)
	return nil
}

func (e *fakeEmitter) EmitState(s *state.State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "STATE")
	return nil
}

func (e *fakeEmitter) sequence() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func (e *fakeEmitter) count(prefix string) int {
	n := 0
	for _, ev := range e.sequence() {
		if ev == prefix || len(ev) > len(prefix) && ev[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func newTestOrchestrator(runner *fakeRunner, emitter *fakeEmitter, st *state.State, opts ...Option) *Orchestrator {
	gov := governor.New(governor.WithSubmitRate(10000, 10000), governor.WithCooldown(time.Millisecond))
	p := planner.New(planner.NewDay(2023, time.January, 1))
	opts = append([]Option{WithClock(func() time.Time { return testNow }), WithWorkers(1)}, opts...)
	return New(p, runner, gov, emitter, st, opts...)
}

func TestSyncAllAdvancesBookmarkAfterEmission(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(call int, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) ([]catalog.Record, error) {
			return []catalog.Record{dayRecord(rng.Start), dayRecord(rng.End)}, nil
		},
	}
	emitter := newFakeEmitter()
	st := state.NewState()
	o := newTestOrchestrator(runner, emitter, st)

	stream := cubeStream("performance_stats", 15, 0)
	err := o.SyncAll(context.Background(), []Advertiser{{ID: "12345"}}, []*catalog.StreamDescriptor{stream})
	require.NoError(t, err)

	// One chunk: the 15-day lookback floor through today.
	calls := runner.calls()
	require.Len(t, calls, 1)
	require.Equal(t, planner.NewDay(2024, time.January, 5), calls[0].Start)
	require.Equal(t, planner.NewDay(2024, time.January, 20), calls[0].End)

	// Schema precedes records; state follows the last record.
	seq := emitter.sequence()
	require.Equal(t, []string{
		"SCHEMA performance_stats",
		"RECORD performance_stats",
		"RECORD performance_stats",
		"STATE",
	}, seq)

	// Bookmark is one past the last confirmed-final day.
	bm, ok, err := st.Bookmark("performance_stats", "12345")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, planner.NewDay(2024, time.January, 21), bm)
}

func TestSecondRunIsIdempotent(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(call int, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) ([]catalog.Record, error) {
			return []catalog.Record{dayRecord(rng.End)}, nil
		},
	}
	emitter := newFakeEmitter()
	st := state.NewState()
	stream := cubeStream("performance_stats", 15, 0)
	advs := []Advertiser{{ID: "12345"}}

	o := newTestOrchestrator(runner, emitter, st)
	require.NoError(t, o.SyncAll(context.Background(), advs, []*catalog.StreamDescriptor{stream}))
	require.Len(t, runner.calls(), 1)

	// Everything through today is confirmed final: a second run at the same
	// clock has nothing to do.
	o2 := newTestOrchestrator(runner, emitter, st)
	require.NoError(t, o2.SyncAll(context.Background(), advs, []*catalog.StreamDescriptor{stream}))
	require.Len(t, runner.calls(), 1, "no new jobs on a caught-up run")
	require.Equal(t, 1, emitter.count("SCHEMA"), "no schema for an empty plan")
}

func TestTransientFailureAbandonsPairKeepsBookmark(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(call int, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) ([]catalog.Record, error) {
			if call == 2 {
				return nil, &gemini.JobTimeoutError{Stream: stream.Name, JobID: "job-2", Attempts: 10}
			}
			return []catalog.Record{dayRecord(rng.End)}, nil
		},
	}
	emitter := newFakeEmitter()
	st := state.NewState()
	o := newTestOrchestrator(runner, emitter, st)

	// 5-day windows over Jan 5..20: four chunks planned.
	stream := cubeStream("performance_stats", 15, 5)
	err := o.SyncAll(context.Background(), []Advertiser{{ID: "12345"}}, []*catalog.StreamDescriptor{stream})
	require.NoError(t, err, "a timed-out chunk is not a run failure")

	// The failing chunk stops the pair: chunks three and four never run.
	require.Len(t, runner.calls(), 2)

	// Only the first chunk's records and bookmark landed.
	require.Len(t, emitter.records["performance_stats"], 1)
	bm, ok, err := st.Bookmark("performance_stats", "12345")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, planner.NewDay(2024, time.January, 10), bm)
}

func TestChunksRunInOrder(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(call int, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) ([]catalog.Record, error) {
			return []catalog.Record{dayRecord(rng.End)}, nil
		},
	}
	emitter := newFakeEmitter()
	o := newTestOrchestrator(runner, emitter, state.NewState())

	stream := cubeStream("performance_stats", 15, 5)
	require.NoError(t, o.SyncAll(context.Background(), []Advertiser{{ID: "12345"}}, []*catalog.StreamDescriptor{stream}))

	calls := runner.calls()
	require.Len(t, calls, 4)
	for i := 1; i < len(calls); i++ {
		require.Equal(t, calls[i-1].End.AddDays(1), calls[i].Start, "chunks must run oldest first, contiguously")
	}
}

func TestStructuralFailureIsolatesStream(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(call int, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) ([]catalog.Record, error) {
			if stream.Name == "search_stats" {
				return nil, &gemini.APIError{Status: 400, Code: "E40000_INVALID_INPUT", Message: "bad cube"}
			}
			return []catalog.Record{dayRecord(rng.End)}, nil
		},
	}
	emitter := newFakeEmitter()
	st := state.NewState()
	o := newTestOrchestrator(runner, emitter, st)

	streams := []*catalog.StreamDescriptor{
		cubeStream("performance_stats", 15, 0),
		cubeStream("search_stats", 15, 0),
	}
	err := o.SyncAll(context.Background(), []Advertiser{{ID: "12345"}}, streams)
	require.Error(t, err)
	require.Contains(t, err.Error(), "search_stats")

	// The healthy stream finished and bookmarked despite the failure.
	require.NotEmpty(t, emitter.records["performance_stats"])
	_, ok, bmErr := st.Bookmark("performance_stats", "12345")
	require.NoError(t, bmErr)
	require.True(t, ok)

	_, ok, bmErr = st.Bookmark("search_stats", "12345")
	require.NoError(t, bmErr)
	require.False(t, ok, "failed stream must not bookmark")
}

func TestAuthErrorAbortsRun(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(call int, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) ([]catalog.Record, error) {
			return nil, &gemini.AuthError{Status: 401, Message: "token revoked"}
		},
	}
	emitter := newFakeEmitter()
	st := state.NewState()
	o := newTestOrchestrator(runner, emitter, st)

	stream := cubeStream("performance_stats", 15, 0)
	err := o.SyncAll(context.Background(), []Advertiser{{ID: "12345"}}, []*catalog.StreamDescriptor{stream})

	var authErr *gemini.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Empty(t, emitter.records["performance_stats"])
}

func TestRateLimitRetriesAfterCooldown(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(call int, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) ([]catalog.Record, error) {
			if call == 1 {
				return nil, &gemini.RateLimitError{Status: 429, Message: "quota exceeded"}
			}
			return []catalog.Record{dayRecord(rng.End)}, nil
		},
	}
	emitter := newFakeEmitter()
	st := state.NewState()
	o := newTestOrchestrator(runner, emitter, st)

	stream := cubeStream("performance_stats", 15, 0)
	err := o.SyncAll(context.Background(), []Advertiser{{ID: "12345"}}, []*catalog.StreamDescriptor{stream})
	require.NoError(t, err)

	require.Len(t, runner.calls(), 2, "one retry after the cooldown")
	require.NotEmpty(t, emitter.records["performance_stats"])
	_, ok, bmErr := st.Bookmark("performance_stats", "12345")
	require.NoError(t, bmErr)
	require.True(t, ok)
}

func TestPersistentRateLimitAbandonsChunk(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(call int, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) ([]catalog.Record, error) {
			return nil, &gemini.RateLimitError{Status: 429, Message: "quota exceeded"}
		},
	}
	emitter := newFakeEmitter()
	st := state.NewState()
	o := newTestOrchestrator(runner, emitter, st)

	stream := cubeStream("performance_stats", 15, 0)
	err := o.SyncAll(context.Background(), []Advertiser{{ID: "12345"}}, []*catalog.StreamDescriptor{stream})
	require.NoError(t, err, "persistent throttling abandons the chunk, not the run")

	require.Len(t, runner.calls(), 2)
	require.Empty(t, emitter.records["performance_stats"])
	_, ok, bmErr := st.Bookmark("performance_stats", "12345")
	require.NoError(t, bmErr)
	require.False(t, ok)
}

func TestCancellationStopsFurtherChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &fakeRunner{}
	runner.runFn = func(call int, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) ([]catalog.Record, error) {
		if call == 2 {
			cancel()
			return nil, ctx.Err()
		}
		return []catalog.Record{dayRecord(rng.End)}, nil
	}
	emitter := newFakeEmitter()
	st := state.NewState()
	o := newTestOrchestrator(runner, emitter, st)

	// 5-day windows over Jan 5..20: four chunks planned.
	stream := cubeStream("performance_stats", 15, 5)
	err := o.SyncAll(ctx, []Advertiser{{ID: "12345"}}, []*catalog.StreamDescriptor{stream})
	require.ErrorIs(t, err, context.Canceled)

	// No submissions after the cancel: chunks three and four never run.
	require.Len(t, runner.calls(), 2)

	// The cancelled chunk emitted nothing; only the first chunk's records
	// and bookmark landed.
	require.Len(t, emitter.records["performance_stats"], 1)
	bm, ok, bmErr := st.Bookmark("performance_stats", "12345")
	require.NoError(t, bmErr)
	require.True(t, ok)
	require.Equal(t, planner.NewDay(2024, time.January, 10), bm)
}

func TestAccountGlobalSnapshotPulledOncePerRun(t *testing.T) {
	var listCalls []string
	var mu sync.Mutex
	runner := &fakeRunner{
		listFn: func(stream *catalog.StreamDescriptor, advertiserID string) ([]catalog.Record, error) {
			mu.Lock()
			listCalls = append(listCalls, stream.Name)
			mu.Unlock()
			return []catalog.Record{{"id": int64(111)}, {"id": int64(222)}}, nil
		},
	}
	emitter := newFakeEmitter()
	o := newTestOrchestrator(runner, emitter, state.NewState())

	advertiserList := &catalog.StreamDescriptor{
		Name:       "advertiser",
		Kind:       catalog.KindObjectCube,
		Fields:     []catalog.Field{{Name: "id", Type: catalog.FieldInteger}},
		PrimaryKey: []string{"id"},
		Edge:       "advertiser",
	}
	advs := []Advertiser{{ID: "111"}, {ID: "222"}, {ID: "333"}}
	err := o.SyncAll(context.Background(), advs, []*catalog.StreamDescriptor{advertiserList, objectStream()})
	require.NoError(t, err)

	// The advertiser edge lists every account: one pull, not one per
	// advertiser. Scoped edges still run per advertiser.
	mu.Lock()
	defer mu.Unlock()
	perStream := map[string]int{}
	for _, name := range listCalls {
		perStream[name]++
	}
	require.Equal(t, 1, perStream["advertiser"])
	require.Equal(t, 3, perStream["campaign"])
	require.Len(t, emitter.records["advertiser"], 2)
}

func TestObjectStreamSnapshots(t *testing.T) {
	runner := &fakeRunner{
		listFn: func(stream *catalog.StreamDescriptor, advertiserID string) ([]catalog.Record, error) {
			return []catalog.Record{{"id": int64(7)}, {"id": int64(8)}}, nil
		},
	}
	emitter := newFakeEmitter()
	st := state.NewState()
	o := newTestOrchestrator(runner, emitter, st)

	err := o.SyncAll(context.Background(), []Advertiser{{ID: "12345"}}, []*catalog.StreamDescriptor{objectStream()})
	require.NoError(t, err)

	require.Len(t, emitter.records["campaign"], 2)
	require.Empty(t, runner.calls(), "object streams never submit report jobs")
	require.Equal(t, 0, emitter.count("STATE"), "snapshot streams carry no bookmark")

	_, ok, bmErr := st.Bookmark("campaign", "12345")
	require.NoError(t, bmErr)
	require.False(t, ok)
}

func TestSchemaEmittedOncePerStream(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(call int, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) ([]catalog.Record, error) {
			return []catalog.Record{dayRecord(rng.End)}, nil
		},
	}
	emitter := newFakeEmitter()
	o := newTestOrchestrator(runner, emitter, state.NewState())

	advs := []Advertiser{{ID: "111"}, {ID: "222"}}
	stream := cubeStream("performance_stats", 15, 0)
	require.NoError(t, o.SyncAll(context.Background(), advs, []*catalog.StreamDescriptor{stream}))

	require.Equal(t, 1, emitter.count("SCHEMA"), "one schema message per stream, not per advertiser")
	require.Len(t, runner.calls(), 2)
}

func TestCorruptBookmarkReplansFromFloor(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(call int, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) ([]catalog.Record, error) {
			return []catalog.Record{dayRecord(rng.End)}, nil
		},
	}
	emitter := newFakeEmitter()
	st := state.NewState()
	st.Bookmarks["performance_stats"] = map[string]string{"12345": "garbage"}
	o := newTestOrchestrator(runner, emitter, st)

	stream := cubeStream("performance_stats", 15, 0)
	require.NoError(t, o.SyncAll(context.Background(), []Advertiser{{ID: "12345"}}, []*catalog.StreamDescriptor{stream}))

	calls := runner.calls()
	require.Len(t, calls, 1)
	require.Equal(t, planner.NewDay(2024, time.January, 5), calls[0].Start)
}

func TestStorePersistedOnAdvance(t *testing.T) {
	runner := &fakeRunner{
		runFn: func(call int, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) ([]catalog.Record, error) {
			return []catalog.Record{dayRecord(rng.End)}, nil
		},
	}
	emitter := newFakeEmitter()
	st := state.NewState()
	path := filepath.Join(t.TempDir(), "state.json")
	store := state.NewStore(path)
	o := newTestOrchestrator(runner, emitter, st, WithStore(store))

	stream := cubeStream("performance_stats", 15, 0)
	require.NoError(t, o.SyncAll(context.Background(), []Advertiser{{ID: "12345"}}, []*catalog.StreamDescriptor{stream}))

	loaded, err := store.Load()
	require.NoError(t, err)
	bm, ok, err := loaded.Bookmark("performance_stats", "12345")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, planner.NewDay(2024, time.January, 21), bm)
}

func TestAdvertiserLocationDefaultsToUTC(t *testing.T) {
	require.Equal(t, time.UTC, Advertiser{ID: "1"}.Location())

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	require.Equal(t, tokyo, Advertiser{ID: "1", TimeZone: tokyo}.Location())
}
