// Package sync drives the full extraction run: it fans (advertiser, stream)
// pairs out to a bounded worker pool, plans date windows per pair, pushes
// chunks through the report job client and advances bookmarks only after a
// chunk's records are fully emitted.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adsync-lab/geminisync/internal/catalog"
	"github.com/adsync-lab/geminisync/internal/gemini"
	"github.com/adsync-lab/geminisync/internal/governor"
	"github.com/adsync-lab/geminisync/internal/planner"
	"github.com/adsync-lab/geminisync/internal/state"
)

const defaultWorkers = 4

// Advertiser is one account to extract, with the time zone its calendar
// days are defined in.
type Advertiser struct {
	ID       string
	TimeZone *time.Location
}

// Location returns the advertiser's time zone, defaulting to UTC.
func (a Advertiser) Location() *time.Location {
	if a.TimeZone == nil {
		return time.UTC
	}
	return a.TimeZone
}

// Emitter is the output collaborator. EmitSchema is called once per stream
// before its first record; EmitState after every bookmark advance.
type Emitter interface {
	EmitSchema(stream *catalog.StreamDescriptor) error
	EmitRecord(stream *catalog.StreamDescriptor, rec catalog.Record) error
	EmitState(s *state.State) error
}

// JobRunner abstracts the report job client so orchestration logic is
// testable without HTTP. *gemini.ReportClient is the production
// implementation.
type JobRunner interface {
	Run(ctx context.Context, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range, loc *time.Location) ([]catalog.Record, error)
	ListObjects(ctx context.Context, stream *catalog.StreamDescriptor, advertiserID string, loc *time.Location) ([]catalog.Record, error)
	FinalizedThrough(ctx context.Context, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range, now time.Time, loc *time.Location) planner.Day
}

// Orchestrator coordinates one extraction run.
type Orchestrator struct {
	planner *planner.Planner
	jobs    JobRunner
	gov     *governor.Governor
	emitter Emitter
	st      *state.State
	store   *state.Store
	workers int
	now     func() time.Time
	runID   string

	mu             sync.Mutex
	schemasEmitted map[string]bool
	streamErrs     []error
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers sets the size of the pair worker pool.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithStore attaches a local state file persisted on every bookmark
// advance, in addition to the STATE messages on the output stream.
func WithStore(store *state.Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithClock overrides the time source. Tests pin "now".
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(p *planner.Planner, jobs JobRunner, gov *governor.Governor, emitter Emitter, st *state.State, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner:        p,
		jobs:           jobs,
		gov:            gov,
		emitter:        emitter,
		st:             st,
		workers:        defaultWorkers,
		now:            time.Now,
		runID:          uuid.NewString(),
		schemasEmitted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SyncAll extracts every (advertiser, stream) pair. Pairs run in parallel
// up to the worker bound; chunks within a pair run strictly in order.
// Returns an error when the run must be considered failed: authentication
// failures abort everything immediately, while per-stream structural
// failures are collected and surfaced after the remaining pairs finish.
func (o *Orchestrator) SyncAll(ctx context.Context, advertisers []Advertiser, streams []*catalog.StreamDescriptor) error {
	slog.Info("[Orchestrator] Starting sync run",
		"run_id", o.runID,
		"advertisers", len(advertisers),
		"streams", len(streams),
		"workers", o.workers,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	for _, stream := range streams {
		pairAdvertisers := advertisers
		if !stream.AdvertiserScoped() && len(pairAdvertisers) > 1 {
			// Account-global snapshots would repeat identically per
			// advertiser; one pull covers them all.
			pairAdvertisers = pairAdvertisers[:1]
		}
		for _, adv := range pairAdvertisers {
			adv, stream := adv, stream
			g.Go(func() error {
				return o.syncPair(gctx, adv, stream)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.streamErrs) > 0 {
		return fmt.Errorf("sync run %s finished with stream failures: %w", o.runID, errors.Join(o.streamErrs...))
	}
	slog.Info("[Orchestrator] Sync run complete", "run_id", o.runID)
	return nil
}

// syncPair runs the ordered chunk sequence for one (advertiser, stream)
// pair. Returns a non-nil error only for failures that must abort the
// whole run.
func (o *Orchestrator) syncPair(ctx context.Context, adv Advertiser, stream *catalog.StreamDescriptor) error {
	loc := adv.Location()

	bookmark, _, err := o.st.Bookmark(stream.Name, adv.ID)
	if err != nil {
		// A corrupt bookmark means re-planning from the floor; data is
		// re-fetched, never lost.
		slog.Warn("[Orchestrator] Ignoring unparseable bookmark", "stream", stream.Name, "advertiser_id", adv.ID, "error", err)
	}

	ranges := o.planner.Plan(stream, loc, bookmark, o.now())
	if len(ranges) == 0 {
		slog.Debug("[Orchestrator] Stream fully caught up", "stream", stream.Name, "advertiser_id", adv.ID)
		return nil
	}

	if err := o.emitSchemaOnce(stream); err != nil {
		return err
	}

	slog.Info("[Orchestrator] Syncing pair",
		"stream", stream.Name,
		"advertiser_id", adv.ID,
		"chunks", len(ranges),
		"first", ranges[0].String(),
		"last", ranges[len(ranges)-1].String(),
	)

	for _, rng := range ranges {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := o.syncChunk(ctx, adv, stream, rng)
		if err != nil {
			return err
		}
		if !done {
			// Transient failure: later chunks depend on this one, so the
			// pair stops here and the next run resumes from the bookmark.
			return nil
		}
	}
	return nil
}

// syncChunk runs one chunk to a terminal outcome. The bool result reports
// whether the chunk completed and the pair may continue; a non-nil error
// aborts the whole run.
func (o *Orchestrator) syncChunk(ctx context.Context, adv Advertiser, stream *catalog.StreamDescriptor, rng planner.Range) (bool, error) {
	records, err := o.runGoverned(ctx, adv, stream, rng)

	if err != nil {
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return false, err
		case isAuthError(err):
			slog.Error("[Orchestrator] Authentication failure, aborting run", "error", err)
			return false, err
		case isTransient(err):
			slog.Warn("[Orchestrator] Chunk abandoned for this run, bookmark unchanged",
				"stream", stream.Name,
				"advertiser_id", adv.ID,
				"range", rng.String(),
				"error", err,
			)
			return false, nil
		default:
			// Structural failure: bad parameters or a payload outside the
			// declared schema. The stream stops; other streams continue.
			slog.Error("[Orchestrator] Stream failed", "stream", stream.Name, "advertiser_id", adv.ID, "error", err)
			o.recordStreamError(fmt.Errorf("stream %s advertiser %s: %w", stream.Name, adv.ID, err))
			return false, nil
		}
	}

	for _, rec := range records {
		if err := o.emitter.EmitRecord(stream, rec); err != nil {
			return false, fmt.Errorf("emitting record: %w", err)
		}
	}

	if !stream.Incremental() {
		return true, nil
	}
	return true, o.advanceBookmark(ctx, adv, stream, rng, records)
}

// runGoverned acquires an admission slot and runs the chunk, retrying once
// after a throttling cooldown.
func (o *Orchestrator) runGoverned(ctx context.Context, adv Advertiser, stream *catalog.StreamDescriptor, rng planner.Range) ([]catalog.Record, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		release, err := o.gov.Acquire(ctx, adv.ID)
		if err != nil {
			return nil, err
		}

		var records []catalog.Record
		if stream.Kind == catalog.KindObjectCube {
			records, err = o.jobs.ListObjects(ctx, stream, adv.ID, adv.Location())
		} else {
			records, err = o.jobs.Run(ctx, stream, adv.ID, rng, adv.Location())
		}
		release()

		var rl *gemini.RateLimitError
		if errors.As(err, &rl) {
			o.gov.Throttled(adv.ID)
			lastErr = err
			continue // Acquire waits out the cooldown
		}
		return records, err
	}
	// Still throttled after a cooldown: abandon the chunk like any other
	// transient failure.
	return nil, &gemini.TransientError{Message: "persistently rate limited", Cause: lastErr}
}

// advanceBookmark computes and persists the next bookmark after a fully
// emitted chunk. The stored value is the first day the next run must query:
// one past the last day confirmed final.
func (o *Orchestrator) advanceBookmark(ctx context.Context, adv Advertiser, stream *catalog.StreamDescriptor, rng planner.Range, records []catalog.Record) error {
	observed := rng.End
	if len(records) > 0 {
		if maxDay, ok := maxObservedDay(stream, records); ok {
			observed = maxDay
		}
	}

	confirmed := observed
	if finalized := o.jobs.FinalizedThrough(ctx, stream, adv.ID, rng, o.now(), adv.Location()); finalized.Before(confirmed) {
		confirmed = finalized
	}

	next := confirmed.AddDays(1)
	if !o.st.Advance(stream.Name, adv.ID, next) {
		return nil
	}

	slog.Info("[Orchestrator] Bookmark advanced",
		"stream", stream.Name,
		"advertiser_id", adv.ID,
		"bookmark", next.String(),
	)

	if err := o.emitter.EmitState(o.st); err != nil {
		return fmt.Errorf("emitting state: %w", err)
	}
	if o.store != nil {
		if err := o.store.Save(o.st); err != nil {
			return fmt.Errorf("persisting state: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) emitSchemaOnce(stream *catalog.StreamDescriptor) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.schemasEmitted[stream.Name] {
		return nil
	}
	if err := o.emitter.EmitSchema(stream); err != nil {
		return fmt.Errorf("emitting schema for %s: %w", stream.Name, err)
	}
	o.schemasEmitted[stream.Name] = true
	return nil
}

func (o *Orchestrator) recordStreamError(err error) {
	o.mu.Lock()
	o.streamErrs = append(o.streamErrs, err)
	o.mu.Unlock()
}

// maxObservedDay scans the chunk's rows for the latest bookmark-field
// value.
func maxObservedDay(stream *catalog.StreamDescriptor, records []catalog.Record) (planner.Day, bool) {
	var best planner.Day
	found := false
	for _, rec := range records {
		day, ok := rec[stream.BookmarkField].(planner.Day)
		if !ok {
			continue
		}
		if !found || day.After(best) {
			best = day
			found = true
		}
	}
	return best, found
}

func isAuthError(err error) bool {
	var ae *gemini.AuthError
	return errors.As(err, &ae)
}

func isTransient(err error) bool {
	var te *gemini.TransientError
	var jte *gemini.JobTimeoutError
	return errors.As(err, &te) || errors.As(err, &jte)
}
