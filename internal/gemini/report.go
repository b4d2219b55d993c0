package gemini

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	json "github.com/goccy/go-json"

	"github.com/adsync-lab/geminisync/internal/catalog"
	"github.com/adsync-lab/geminisync/internal/metrics"
	"github.com/adsync-lab/geminisync/internal/planner"
)

const (
	reportEndpoint       = "reports/custom"
	closeOfBusinessPath  = "reports/cob"
	defaultPollInterval  = time.Second
	defaultMaxPollTries  = 10
	defaultPollTimeout   = 10 * time.Minute
	maxPollDelay         = time.Minute
	finalizationMaxProbe = 7
)

// JobStatus is the extraction-side state of one report job.
type JobStatus string

const (
	StatusSubmitted  JobStatus = "submitted"
	StatusPolling    JobStatus = "polling"
	StatusReady      JobStatus = "ready"
	StatusDownloaded JobStatus = "downloaded"
	StatusFailed     JobStatus = "failed"
	StatusTimedOut   JobStatus = "timed_out"
)

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool {
	return s == StatusDownloaded || s == StatusFailed || s == StatusTimedOut
}

// Job tracks one (stream, advertiser, range) report request through the
// submit/poll/download machine. A job reaches at most one terminal status
// and no transition ever leaves a terminal status.
type Job struct {
	Stream       string
	AdvertiserID string
	Range        planner.Range

	id        string
	status    JobStatus
	resultURL string
}

// ID returns the server-assigned job id, empty before submission succeeds.
func (j *Job) ID() string { return j.id }

// Status returns the current job status.
func (j *Job) Status() JobStatus { return j.status }

func (j *Job) transition(to JobStatus) error {
	if j.status.Terminal() {
		return fmt.Errorf("job %s: illegal transition %s -> %s (terminal)", j.id, j.status, to)
	}
	j.status = to
	return nil
}

// BackoffPolicy maps a poll attempt number (1-based) to the delay before
// that attempt.
type BackoffPolicy func(attempt int) time.Duration

// ExponentialPoll doubles the delay each attempt, starting at base (floored
// at one second) and capped at maxPollDelay.
func ExponentialPoll(base time.Duration) BackoffPolicy {
	if base < time.Second {
		base = time.Second
	}
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxPollDelay {
				return maxPollDelay
			}
		}
		return d
	}
}

// ReportClient drives report jobs for daily cubes and object listings for
// object streams. One client is shared by all orchestrator workers.
type ReportClient struct {
	session         *Session
	backoff         BackoffPolicy
	maxPollAttempts int
	pollTimeout     time.Duration

	// sleep is swapped out by tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// ReportOption customizes a ReportClient.
type ReportOption func(*ReportClient)

// WithPollInterval sets the base poll interval (minimum one second).
func WithPollInterval(d time.Duration) ReportOption {
	return func(c *ReportClient) { c.backoff = ExponentialPoll(d) }
}

// WithMaxPollAttempts bounds the number of status polls per job.
func WithMaxPollAttempts(n int) ReportOption {
	return func(c *ReportClient) { c.maxPollAttempts = n }
}

// WithPollTimeout bounds the wall-clock time spent polling one job.
func WithPollTimeout(d time.Duration) ReportOption {
	return func(c *ReportClient) { c.pollTimeout = d }
}

// NewReportClient creates a report client on the given session.
func NewReportClient(session *Session, opts ...ReportOption) *ReportClient {
	c := &ReportClient{
		session:         session,
		backoff:         ExponentialPoll(defaultPollInterval),
		maxPollAttempts: defaultMaxPollTries,
		pollTimeout:     defaultPollTimeout,
		sleep:           sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type reportField struct {
	Field string `json:"field"`
}

type reportFilter struct {
	Field    string   `json:"field"`
	Operator string   `json:"operator"`
	Values   []string `json:"values,omitempty"`
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
}

type reportDefinition struct {
	Cube    string         `json:"cube"`
	Fields  []reportField  `json:"fields"`
	Filters []reportFilter `json:"filters"`
}

func buildDefinition(stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) reportDefinition {
	fields := make([]reportField, 0, len(stream.Fields))
	for _, f := range stream.Fields {
		fields = append(fields, reportField{Field: f.Name})
	}
	return reportDefinition{
		Cube:   stream.Name,
		Fields: fields,
		Filters: []reportFilter{
			{Field: "Advertiser ID", Operator: "IN", Values: []string{advertiserID}},
			{Field: "Day", Operator: "between", From: rng.Start.String(), To: rng.End.String()},
		},
	}
}

type submitResponse struct {
	Status string `json:"status"`
	JobID  string `json:"jobId"`
}

type pollResponse struct {
	Status      string `json:"status"`
	JobResponse string `json:"jobResponse"`
}

// Run executes the full submit/poll/download machine for one chunk and
// returns the typed records. Terminal outcomes map onto the taxonomy:
// Downloaded returns records, Failed returns JobFailedError (or a schema
// error), TimedOut returns JobTimeoutError or the transient error that
// exhausted its retries.
func (c *ReportClient) Run(ctx context.Context, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range, loc *time.Location) ([]catalog.Record, error) {
	job := &Job{Stream: stream.Name, AdvertiserID: advertiserID, Range: rng, status: StatusSubmitted}

	timer := metrics.StartTimer("job_timer", "stream", stream.Name, "advertiser_id", advertiserID)
	defer timer.Stop()

	if err := c.submit(ctx, job, stream, advertiserID, rng); err != nil {
		job.transition(StatusFailed)
		return nil, err
	}

	if err := c.poll(ctx, job, advertiserID); err != nil {
		return nil, err
	}

	records, err := c.download(ctx, job, stream, loc)
	if err != nil {
		return nil, err
	}
	job.transition(StatusDownloaded)

	slog.Info("[Report] Chunk downloaded",
		"stream", stream.Name,
		"advertiser_id", advertiserID,
		"range", rng.String(),
		"job_id", job.ID(),
		"records", len(records),
	)
	return records, nil
}

func (c *ReportClient) submit(ctx context.Context, job *Job, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range) error {
	raw, err := c.session.Call(ctx, "POST", reportEndpoint, nil, buildDefinition(stream, advertiserID, rng))
	if err != nil {
		return fmt.Errorf("submitting report for %s %s: %w", stream.Name, rng, err)
	}

	var resp submitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parsing submit response: %w", err)
	}
	if resp.Status != "submitted" || resp.JobID == "" {
		return &JobFailedError{Stream: stream.Name, Status: resp.Status, Detail: "submission not accepted"}
	}

	job.id = resp.JobID
	job.transition(StatusPolling)
	slog.Debug("[Report] Job submitted", "stream", stream.Name, "job_id", job.id, "range", rng.String())
	return nil
}

// poll drives the Polling state until the job is ready, fails, or the poll
// budget (attempts or wall clock) runs out.
func (c *ReportClient) poll(ctx context.Context, job *Job, advertiserID string) error {
	endpoint := reportEndpoint + "/" + job.id
	params := url.Values{"advertiserId": {advertiserID}}
	start := time.Now()

	for attempt := 1; ; attempt++ {
		if attempt > c.maxPollAttempts || time.Since(start) > c.pollTimeout {
			job.transition(StatusTimedOut)
			return &JobTimeoutError{Stream: job.Stream, JobID: job.id, Attempts: attempt - 1, Elapsed: time.Since(start)}
		}

		if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
			job.transition(StatusTimedOut)
			return err
		}

		raw, err := c.session.Call(ctx, "GET", endpoint, params, nil)
		if err != nil {
			var te *TransientError
			if errors.As(err, &te) {
				job.transition(StatusTimedOut)
			} else {
				job.transition(StatusFailed)
			}
			return fmt.Errorf("polling job %s: %w", job.id, err)
		}

		var resp pollResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			job.transition(StatusFailed)
			return fmt.Errorf("parsing poll response for job %s: %w", job.id, err)
		}

		switch resp.Status {
		case "completed":
			job.resultURL = resp.JobResponse
			job.transition(StatusReady)
			return nil
		case "submitted", "running":
			slog.Debug("[Report] Job pending",
				"stream", job.Stream,
				"job_id", job.id,
				"poll_attempt", attempt,
				"status", resp.Status,
			)
		default:
			job.transition(StatusFailed)
			return &JobFailedError{Stream: job.Stream, JobID: job.id, Status: resp.Status, Detail: "server reported job failure"}
		}
	}
}

// download fetches the prepared CSV and coerces every row.
func (c *ReportClient) download(ctx context.Context, job *Job, stream *catalog.StreamDescriptor, loc *time.Location) ([]catalog.Record, error) {
	body, err := c.session.Download(ctx, job.resultURL)
	if err != nil {
		job.transition(StatusTimedOut)
		return nil, fmt.Errorf("downloading job %s: %w", job.id, err)
	}
	defer body.Close()

	reader := csv.NewReader(body)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil // empty result set
	}
	if err != nil {
		job.transition(StatusTimedOut)
		return nil, &TransientError{Message: fmt.Sprintf("reading report header for job %s", job.id), Cause: err}
	}

	coercer := newRowCoercer(stream, loc, header)
	var records []catalog.Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			job.transition(StatusTimedOut)
			return nil, &TransientError{Message: fmt.Sprintf("reading report rows for job %s", job.id), Cause: err}
		}
		rec, err := coercer.coerce(row)
		if err != nil {
			job.transition(StatusFailed)
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

type closeOfBusinessResponse struct {
	IsDayClosed        bool     `json:"isDayClosed"`
	IsMonthClosed      bool     `json:"isMonthClosed"`
	DayProgressPercent *float64 `json:"dayProgressPercent"`
}

// FinalizedThrough returns the most recent day within the chunk for which
// the API confirms the books are closed (no further adjustments will
// arrive). It walks back from the chunk end a bounded number of days. When
// the close-of-business endpoint is unavailable or unsupported for the
// cube, the chunk end is assumed final: availability beats re-pulling the
// whole window forever.
func (c *ReportClient) FinalizedThrough(ctx context.Context, stream *catalog.StreamDescriptor, advertiserID string, rng planner.Range, now time.Time, loc *time.Location) planner.Day {
	day := rng.End
	// Today's books are never closed; start from yesterday.
	if today := planner.DayOf(now.In(loc)); !day.Before(today) {
		day = today.AddDays(-1)
	}

	for probe := 0; probe < finalizationMaxProbe && !day.Before(rng.Start); probe++ {
		closed, err := c.dayClosed(ctx, stream, advertiserID, day)
		if err != nil {
			slog.Debug("[Report] Close-of-business unavailable, assuming chunk end is final",
				"stream", stream.Name, "advertiser_id", advertiserID, "error", err)
			return rng.End
		}
		if closed {
			return day
		}
		day = day.AddDays(-1)
	}
	return day
}

func (c *ReportClient) dayClosed(ctx context.Context, stream *catalog.StreamDescriptor, advertiserID string, day planner.Day) (bool, error) {
	params := url.Values{
		"advertiserId": {advertiserID},
		"date":         {day.Time(time.UTC).Format("20060102")},
		"cubeName":     {stream.Name},
	}
	raw, err := c.session.Call(ctx, "GET", closeOfBusinessPath, params, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// Some cubes are not covered by close-of-business; retry without
		// naming the cube.
		params.Del("cubeName")
		raw, err = c.session.Call(ctx, "GET", closeOfBusinessPath, params, nil)
	}
	if err != nil {
		return false, err
	}

	var resp closeOfBusinessResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, fmt.Errorf("parsing close-of-business response: %w", err)
	}

	progress := 0.0
	if resp.IsDayClosed || resp.IsMonthClosed {
		progress = 100.0
	}
	if resp.DayProgressPercent != nil {
		progress = *resp.DayProgressPercent
	}
	slog.Debug("[Report] Close-of-business probe",
		"stream", stream.Name,
		"advertiser_id", advertiserID,
		"date", day.String(),
		"day_closed", resp.IsDayClosed,
		"month_closed", resp.IsMonthClosed,
		"day_progress_percent", progress,
	)
	return resp.IsDayClosed || resp.IsMonthClosed, nil
}
