package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

var ingestTestNow = time.Date(2025, 7, 8, 9, 30, 0, 0, time.UTC)

type stubFetcher struct {
	fetchFn  func(ctx context.Context, req core.FetchRequest) (*core.FetchResult, error)
	requests []core.FetchRequest
}

var _ core.Fetcher = (*stubFetcher)(nil)

func (s *stubFetcher) Fetch(ctx context.Context, req core.FetchRequest) (*core.FetchResult, error) {
	s.requests = append(s.requests, req)
	if s.fetchFn != nil {
		return s.fetchFn(ctx, req)
	}
	return &core.FetchResult{Payload: []byte(`{"items": []}`), StatusCode: 200}, nil
}

// stubExtractor decodes items as flat JSON objects by default, one candidate
// per key at full confidence.
type stubExtractor struct {
	extractFn func(ctx context.Context, payload []byte, selectors model.SelectorSet) ([]model.FieldCandidate, error)
	calls     int
}

var _ core.Extractor = (*stubExtractor)(nil)

func (s *stubExtractor) Extract(ctx context.Context, payload []byte, selectors model.SelectorSet) ([]model.FieldCandidate, error) {
	s.calls++
	if s.extractFn != nil {
		return s.extractFn(ctx, payload, selectors)
	}
	var fields map[string]string
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	out := make([]model.FieldCandidate, 0, len(fields))
	for k, v := range fields {
		out = append(out, model.FieldCandidate{Field: k, Value: v, Confidence: 1})
	}
	return out, nil
}

type stubHeaderResolver struct {
	resolveFn func(ctx context.Context, headers model.HeaderSet) (model.HeaderSet, error)
}

var _ HeaderResolver = (*stubHeaderResolver)(nil)

func (s *stubHeaderResolver) ResolveHeaders(ctx context.Context, headers model.HeaderSet) (model.HeaderSet, error) {
	if s.resolveFn != nil {
		return s.resolveFn(ctx, headers)
	}
	return headers, nil
}

// ingestHarness wires an IngestService over stubbed infrastructure so tests
// can drive whole runs and inspect every side effect.
type ingestHarness struct {
	jobRepo    *stubJobRepo
	control    *stubJobControlRepo
	jobSources *stubJobSourceRepo
	sourceRepo *stubSourceRepo
	limitStore *stubLimitStore
	dedupRepo  *stubDedupRepo
	records    *stubRecordRepo
	fetcher    *stubFetcher
	extractor  *stubExtractor

	svc      *IngestService
	progress []core.UpdateProgressParams
	sleeps   []time.Duration
}

func newIngestHarness(t *testing.T) *ingestHarness {
	t.Helper()
	h := &ingestHarness{
		jobRepo:    &stubJobRepo{},
		control:    &stubJobControlRepo{},
		jobSources: &stubJobSourceRepo{},
		sourceRepo: &stubSourceRepo{},
		limitStore: &stubLimitStore{},
		dedupRepo:  &stubDedupRepo{},
		records:    &stubRecordRepo{},
		fetcher:    &stubFetcher{},
		extractor:  &stubExtractor{},
	}
	h.jobRepo.updateProgressFn = func(ctx context.Context, params core.UpdateProgressParams) (bool, error) {
		h.progress = append(h.progress, params)
		return true, nil
	}

	jobs := MustNewJobService(JobServiceOptions{
		Repo:         h.jobRepo,
		Control:      h.control,
		Sources:      h.jobSources,
		DefaultLease: 30 * time.Second,
		Notifier:     &stubJobNotifier{},
	})
	svc, err := NewIngestService(IngestServiceOptions{
		Jobs:         jobs,
		Sources:      h.jobSources,
		Registry:     newTestRegistry(t, h.sourceRepo, ingestTestNow),
		Limiter:      newTestRateLimiter(t, h.limitStore, ingestTestNow),
		Dedup:        newTestDedupEngine(t, h.dedupRepo),
		Scorer:       newTestScorer(ingestTestNow),
		Records:      h.records,
		Fetcher:      h.fetcher,
		Extractor:    h.extractor,
		TimeProvider: data.NewFixedTimeProvider(ingestTestNow),
	})
	require.NoError(t, err)
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.svc = svc
	return h
}

// useSources serves the given sources from the registry and echoes each back
// from outcome accounting, so proxy and health state stay stable across
// fetch attempts.
func (h *ingestHarness) useSources(srcs ...*model.Source) {
	byID := make(map[string]*model.Source, len(srcs))
	for _, s := range srcs {
		byID[s.ID] = s
	}
	h.sourceRepo.getByIDFn = func(ctx context.Context, id string) (*model.Source, error) {
		src, ok := byID[id]
		if !ok {
			return nil, data.ErrSourceNotFound
		}
		return src, nil
	}
	h.sourceRepo.recordOutcomeFn = func(ctx context.Context, params core.RecordOutcomeParams) (*core.RecordOutcomeResult, error) {
		return &core.RecordOutcomeResult{Source: byID[params.SourceID]}, nil
	}
}

// seedJobSources backs the job-source stub with an in-memory row set so the
// run sees its own status writes, the way the real repository behaves.
func (h *ingestHarness) seedJobSources(rows ...model.JobSource) *[]model.JobSource {
	state := make([]model.JobSource, len(rows))
	copy(state, rows)

	h.jobSources.listJobSourcesFn = func(ctx context.Context, jobID string) ([]model.JobSource, error) {
		out := make([]model.JobSource, len(state))
		copy(out, state)
		return out, nil
	}
	h.jobSources.startSourceFn = func(ctx context.Context, jobID, sourceID string) (bool, error) {
		for i := range state {
			if state[i].SourceID == sourceID && state[i].Status == model.SubStatusPending {
				state[i].Status = model.SubStatusRunning
				return true, nil
			}
		}
		return false, nil
	}
	h.jobSources.checkpointFn = func(ctx context.Context, params core.CheckpointSourceParams) (bool, error) {
		for i := range state {
			if state[i].SourceID == params.SourceID && state[i].Status == model.SubStatusRunning {
				state[i].PagesDone = params.PagesDone
				state[i].TotalPages = params.TotalPages
				state[i].Cursor = params.Cursor
				state[i].RecordsIngested = params.RecordsIngested
				state[i].RecordsFailed = params.RecordsFailed
				state[i].DuplicatesFound = params.DuplicatesFound
				return true, nil
			}
		}
		return false, nil
	}
	h.jobSources.finishSourceFn = func(ctx context.Context, params core.FinishSourceParams) (bool, error) {
		for i := range state {
			if state[i].SourceID == params.SourceID && !state[i].Status.Terminal() {
				state[i].Status = params.Status
				state[i].LastError = params.LastError
				return true, nil
			}
		}
		return false, nil
	}
	h.jobSources.resetFailedFn = func(ctx context.Context, jobID string) (int64, error) {
		var n int64
		for i := range state {
			if state[i].Status == model.SubStatusFailed {
				state[i].Status = model.SubStatusPending
				state[i].LastError = nil
				n++
			}
		}
		return n, nil
	}
	return &state
}

// trackRecords makes inserts behave like the real repository, assigning ids
// and creation stamps, and returns a log of everything stored.
func (h *ingestHarness) trackRecords() *[]model.CVRecord {
	inserted := &[]model.CVRecord{}
	h.records.insertFn = func(ctx context.Context, rec *model.CVRecord) (*model.CVRecord, error) {
		stored := *rec
		stored.ID = fmt.Sprintf("rec-%d", len(*inserted)+1)
		stored.CreatedAt = ingestTestNow
		*inserted = append(*inserted, stored)
		return &stored, nil
	}
	return inserted
}

// servePage makes every fetch return the same single page of items.
func (h *ingestHarness) servePage(t *testing.T, items ...map[string]string) {
	t.Helper()
	body := pageBody(t, items...)
	h.fetcher.fetchFn = func(ctx context.Context, req core.FetchRequest) (*core.FetchResult, error) {
		return &core.FetchResult{Payload: body, StatusCode: 200}, nil
	}
}

func ingestTestSource(id string) *model.Source {
	return &model.Source{
		ID:          id,
		Name:        "board-" + id,
		BaseURL:     "https://boards.example.com/" + id + "/candidates",
		Active:      true,
		Status:      model.SourceStatusOK,
		AllowDirect: true,
	}
}

func ingestTestJob(t *testing.T, payload model.IngestPayload) *model.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &model.Job{
		ID:      "job-1",
		Type:    model.JobTypeIngest,
		Status:  model.JobStatusRunning,
		Payload: raw,
	}
}

func pendingSource(jobID, sourceID string) model.JobSource {
	return model.JobSource{JobID: jobID, SourceID: sourceID, Status: model.SubStatusPending}
}

func cvItem(name, email, externalID string) map[string]string {
	return map[string]string{"full_name": name, "email": email, "external_id": externalID}
}

func pageBody(t *testing.T, items ...map[string]string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{"items": items})
	require.NoError(t, err)
	return body
}

func reqQuery(t *testing.T, rawURL string) url.Values {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Query()
}

// queryParam reads one query parameter without a testing.T, safe for use
// inside fetch stubs running on the service's worker goroutines.
func queryParam(rawURL, key string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get(key)
}

func validIngestOptions(t *testing.T) IngestServiceOptions {
	t.Helper()
	jobs, _ := newTestJobService(t, &stubJobRepo{}, &stubJobControlRepo{})
	return IngestServiceOptions{
		Jobs:      jobs,
		Sources:   &stubJobSourceRepo{},
		Registry:  newTestRegistry(t, &stubSourceRepo{}, ingestTestNow),
		Limiter:   newTestRateLimiter(t, &stubLimitStore{}, ingestTestNow),
		Dedup:     newTestDedupEngine(t, &stubDedupRepo{}),
		Scorer:    newTestScorer(ingestTestNow),
		Records:   &stubRecordRepo{},
		Fetcher:   &stubFetcher{},
		Extractor: &stubExtractor{},
	}
}

func TestNewIngestService(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc, err := NewIngestService(validIngestOptions(t))
		require.NoError(t, err)
		require.NotNil(t, svc)
		assert.NotNil(t, svc.timeProvider)
		assert.NotNil(t, svc.sleep)
		assert.Equal(t, defaultIngestRetryBase, svc.retryBase)
		assert.Equal(t, defaultIngestRetryMax, svc.retryMax)
		assert.Equal(t, defaultIngestFetchTimeout, svc.fetchTimeout)
	})

	clears := map[string]func(*IngestServiceOptions){
		"jobs":      func(o *IngestServiceOptions) { o.Jobs = nil },
		"sources":   func(o *IngestServiceOptions) { o.Sources = nil },
		"registry":  func(o *IngestServiceOptions) { o.Registry = nil },
		"limiter":   func(o *IngestServiceOptions) { o.Limiter = nil },
		"dedup":     func(o *IngestServiceOptions) { o.Dedup = nil },
		"scorer":    func(o *IngestServiceOptions) { o.Scorer = nil },
		"records":   func(o *IngestServiceOptions) { o.Records = nil },
		"fetcher":   func(o *IngestServiceOptions) { o.Fetcher = nil },
		"extractor": func(o *IngestServiceOptions) { o.Extractor = nil },
	}
	for name, clear := range clears {
		t.Run("missing "+name, func(t *testing.T) {
			opts := validIngestOptions(t)
			clear(&opts)
			_, err := NewIngestService(opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "is required")
		})
	}
}

func TestIngestExecuteValidation(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	t.Run("nil job", func(t *testing.T) {
		_, err := h.svc.Execute(ctx, nil)
		require.Error(t, err)
	})

	t.Run("wrong job type", func(t *testing.T) {
		job := ingestTestJob(t, model.IngestPayload{})
		job.Type = model.JobTypeRescore
		_, err := h.svc.Execute(ctx, job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "has type")
	})

	t.Run("malformed payload", func(t *testing.T) {
		job := ingestTestJob(t, model.IngestPayload{})
		job.Payload = []byte(`{"source_ids": nope}`)
		_, err := h.svc.Execute(ctx, job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decode ingest payload")
	})
}

func TestIngestExecuteCompletesAndCheckpoints(t *testing.T) {
	h := newIngestHarness(t)
	h.useSources(ingestTestSource("src-1"))
	rows := h.seedJobSources(pendingSource("job-1", "src-1"))
	inserted := h.trackRecords()

	page1 := pageBody(t,
		cvItem("Dana Fox", "dana@example.com", "r1"),
		cvItem("Sam Reyes", "sam@example.com", "r2"),
	)
	page2 := pageBody(t, cvItem("Ada Boone", "ada@example.com", "r3"))
	h.fetcher.fetchFn = func(ctx context.Context, req core.FetchRequest) (*core.FetchResult, error) {
		switch queryParam(req.URL, "page") {
		case "1":
			return &core.FetchResult{Payload: page1, StatusCode: 200}, nil
		case "2":
			return &core.FetchResult{Payload: page2, StatusCode: 200}, nil
		default:
			return &core.FetchResult{StatusCode: 404}, nil
		}
	}

	job := ingestTestJob(t, model.IngestPayload{
		SourceIDs: []string{"src-1"},
		Filters: model.IngestFilters{
			Keywords:      []string{"go", "postgres"},
			Location:      "berlin",
			PostedWithinD: 14,
		},
		Config: model.IngestConfig{MaxPages: 5, PageSize: 2},
	})

	outcome, err := h.svc.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, outcome.Status)
	assert.False(t, outcome.Lost)
	assert.Equal(t, int64(3), outcome.RecordsIngested)
	assert.Equal(t, int64(0), outcome.RecordsFailed)
	assert.Equal(t, int64(0), outcome.DuplicatesFound)
	assert.Equal(t, 0, outcome.FailedSources)
	assert.Empty(t, outcome.Reason)

	// Filters ride along as query parameters, so the source narrows
	// server-side.
	require.Len(t, h.fetcher.requests, 2)
	q := reqQuery(t, h.fetcher.requests[0].URL)
	assert.Equal(t, "1", q.Get("page"))
	assert.Equal(t, "2", q.Get("per_page"))
	assert.Equal(t, "go,postgres", q.Get("keywords"))
	assert.Equal(t, "berlin", q.Get("location"))
	assert.Equal(t, "14", q.Get("posted_within_days"))
	assert.Equal(t, "2", reqQuery(t, h.fetcher.requests[1].URL).Get("page"))

	final := *rows
	require.Len(t, final, 1)
	assert.Equal(t, model.SubStatusCompleted, final[0].Status)
	assert.Equal(t, 2, final[0].PagesDone)
	assert.Equal(t, 2, final[0].TotalPages)
	assert.Equal(t, int64(3), final[0].RecordsIngested)

	require.NotEmpty(t, h.jobSources.checkpoints)
	last := h.jobSources.checkpoints[len(h.jobSources.checkpoints)-1]
	assert.Equal(t, 2, last.PagesDone)
	assert.Equal(t, int64(3), last.RecordsIngested)

	// Each page boundary also rolls the job's page-time average forward.
	require.NotEmpty(t, h.progress)
	assert.Equal(t, int64(2), h.progress[len(h.progress)-1].PagesSampled)

	require.Len(t, *inserted, 3)
	first := (*inserted)[0]
	assert.Equal(t, "Dana Fox", first.FullName)
	assert.Equal(t, "dana@example.com", first.NormalizedEmail)
	assert.Equal(t, "src-1", first.SourceID)
	assert.Equal(t, "r1", first.ExternalID)
	assert.Equal(t, ingestTestNow, first.ScrapedAt)
	assert.Equal(t, model.RecordStatusProcessed, first.Status)
	assert.NotNil(t, first.Fingerprint)
	assert.Greater(t, first.Completeness, float64(0))
	assert.Greater(t, first.Overall, float64(0))

	// Every stored record went through a dedup pass.
	assert.Len(t, h.dedupRepo.checks, 3)
}

func TestIngestExecuteResumesFromCheckpoint(t *testing.T) {
	h := newIngestHarness(t)
	h.useSources(ingestTestSource("src-1"))
	rows := h.seedJobSources(model.JobSource{
		JobID:           "job-1",
		SourceID:        "src-1",
		Status:          model.SubStatusRunning,
		PagesDone:       2,
		TotalPages:      5,
		RecordsIngested: 10,
	})
	h.trackRecords()

	page3 := pageBody(t, cvItem("Dana Fox", "dana@example.com", "r11"))
	h.fetcher.fetchFn = func(ctx context.Context, req core.FetchRequest) (*core.FetchResult, error) {
		return &core.FetchResult{Payload: page3, StatusCode: 200}, nil
	}

	job := ingestTestJob(t, model.IngestPayload{
		SourceIDs: []string{"src-1"},
		Config:    model.IngestConfig{MaxPages: 5, PageSize: 2},
	})

	outcome, err := h.svc.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, outcome.Status)
	assert.Equal(t, int64(11), outcome.RecordsIngested)

	// The run picked up at the page after the checkpoint, not page one.
	require.Len(t, h.fetcher.requests, 1)
	assert.Equal(t, "3", reqQuery(t, h.fetcher.requests[0].URL).Get("page"))
	assert.Equal(t, 3, (*rows)[0].PagesDone)
}

func TestIngestExecuteCursorPagination(t *testing.T) {
	h := newIngestHarness(t)
	src := ingestTestSource("src-1")
	src.Selectors = model.SelectorSet{
		"__next__":  "next",
		"__total__": "total_pages",
	}
	h.useSources(src)
	rows := h.seedJobSources(pendingSource("job-1", "src-1"))
	h.trackRecords()

	first, err := json.Marshal(map[string]any{
		"items":       []map[string]string{cvItem("Dana Fox", "dana@example.com", "r1")},
		"next":        "c2",
		"total_pages": 2,
	})
	require.NoError(t, err)
	second, err := json.Marshal(map[string]any{
		"items": []map[string]string{cvItem("Sam Reyes", "sam@example.com", "r2")},
		"next":  "",
	})
	require.NoError(t, err)
	h.fetcher.fetchFn = func(ctx context.Context, req core.FetchRequest) (*core.FetchResult, error) {
		if queryParam(req.URL, "cursor") == "" {
			return &core.FetchResult{Payload: first, StatusCode: 200}, nil
		}
		return &core.FetchResult{Payload: second, StatusCode: 200}, nil
	}

	job := ingestTestJob(t, model.IngestPayload{
		SourceIDs: []string{"src-1"},
		Config:    model.IngestConfig{MaxPages: 10, PageSize: 1},
	})

	outcome, err := h.svc.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, outcome.Status)
	assert.Equal(t, int64(2), outcome.RecordsIngested)

	// The cursor from page one replaces page numbering on page two, and the
	// empty cursor on page two ends the walk despite the full page.
	require.Len(t, h.fetcher.requests, 2)
	q := reqQuery(t, h.fetcher.requests[1].URL)
	assert.Equal(t, "c2", q.Get("cursor"))
	assert.Empty(t, q.Get("page"))

	require.NotEmpty(t, h.jobSources.checkpoints)
	cp := h.jobSources.checkpoints[0]
	require.NotNil(t, cp.Cursor)
	assert.Equal(t, "c2", *cp.Cursor)
	assert.Equal(t, 2, (*rows)[0].PagesDone)
}

func TestIngestExecuteSettledJobShortCircuits(t *testing.T) {
	h := newIngestHarness(t)
	h.jobSources.listJobSourcesFn = func(ctx context.Context, jobID string) ([]model.JobSource, error) {
		return []model.JobSource{
			{JobID: jobID, SourceID: "src-1", Status: model.SubStatusCompleted, RecordsIngested: 7},
			{JobID: jobID, SourceID: "src-2", Status: model.SubStatusSkipped},
		}, nil
	}

	job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1", "src-2"}})
	outcome, err := h.svc.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, outcome.Status)
	assert.Equal(t, int64(7), outcome.RecordsIngested)
	assert.Equal(t, 1, outcome.SkippedSources)

	// A crash between the last source and the job transition must not redo
	// work or reopen anything on the rerun.
	assert.Empty(t, h.fetcher.requests)
	assert.Empty(t, h.jobSources.resets)
}

func TestIngestExecuteRequeueReopensFailedSources(t *testing.T) {
	h := newIngestHarness(t)
	h.useSources(ingestTestSource("src-a"))
	bErr := "boom"
	rows := h.seedJobSources(
		model.JobSource{
			JobID:           "job-1",
			SourceID:        "src-a",
			Status:          model.SubStatusFailed,
			PagesDone:       2,
			TotalPages:      5,
			RecordsIngested: 5,
			LastError:       &bErr,
		},
		model.JobSource{
			JobID:           "job-1",
			SourceID:        "src-b",
			Status:          model.SubStatusCompleted,
			RecordsIngested: 7,
		},
	)
	h.trackRecords()

	retryPage := pageBody(t, cvItem("Dana Fox", "dana@example.com", "r6"))
	h.fetcher.fetchFn = func(ctx context.Context, req core.FetchRequest) (*core.FetchResult, error) {
		return &core.FetchResult{Payload: retryPage, StatusCode: 200}, nil
	}

	job := ingestTestJob(t, model.IngestPayload{
		SourceIDs: []string{"src-a", "src-b"},
		Config:    model.IngestConfig{MaxPages: 5, PageSize: 2},
	})

	outcome, err := h.svc.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, outcome.Status)
	assert.Equal(t, int64(13), outcome.RecordsIngested)
	assert.Equal(t, 0, outcome.FailedSources)

	// Only the failed source reopened, and it resumed from its checkpoint
	// rather than page one.
	assert.Equal(t, []string{"job-1"}, h.jobSources.resets)
	require.Len(t, h.fetcher.requests, 1)
	assert.Equal(t, "3", reqQuery(t, h.fetcher.requests[0].URL).Get("page"))

	final := *rows
	assert.Equal(t, model.SubStatusCompleted, final[0].Status)
	assert.Nil(t, final[0].LastError)
	assert.Equal(t, model.SubStatusCompleted, final[1].Status)
	assert.Equal(t, int64(7), final[1].RecordsIngested)
}

func TestIngestExecutePause(t *testing.T) {
	t.Run("parks at page boundary", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		h.seedJobSources(pendingSource("job-1", "src-1"))

		pauses := 0
		h.control.controlStateFn = func(ctx context.Context, id string) (*model.JobControl, error) {
			return &model.JobControl{Status: model.JobStatusRunning, PauseRequested: true}, nil
		}
		h.control.markPausedFn = func(ctx context.Context, id string) (bool, error) {
			pauses++
			return true, nil
		}

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPaused, outcome.Status)
		assert.False(t, outcome.Lost)
		assert.Equal(t, 1, pauses)
		assert.Empty(t, h.fetcher.requests)
		assert.Empty(t, h.jobSources.finishes)
	})

	t.Run("withdrawn pause continues the run", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		h.seedJobSources(pendingSource("job-1", "src-1"))
		h.trackRecords()

		// A resume lands between the poll and the park: MarkPaused reports
		// no flag left, and the fresh control state is clean.
		states := 0
		h.control.controlStateFn = func(ctx context.Context, id string) (*model.JobControl, error) {
			states++
			if states == 1 {
				return &model.JobControl{Status: model.JobStatusRunning, PauseRequested: true}, nil
			}
			return &model.JobControl{Status: model.JobStatusRunning}, nil
		}
		pauses := 0
		h.control.markPausedFn = func(ctx context.Context, id string) (bool, error) {
			pauses++
			return false, nil
		}
		h.servePage(t, cvItem("Dana Fox", "dana@example.com", "r1"))

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, outcome.Status)
		assert.Equal(t, int64(1), outcome.RecordsIngested)
		assert.Equal(t, 1, pauses)
		assert.GreaterOrEqual(t, states, 2)
		assert.Len(t, h.fetcher.requests, 1)
	})
}

func TestIngestExecuteCancel(t *testing.T) {
	t.Run("before the first page", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		h.seedJobSources(pendingSource("job-1", "src-1"))

		finalized := 0
		h.control.controlStateFn = func(ctx context.Context, id string) (*model.JobControl, error) {
			return &model.JobControl{Status: model.JobStatusRunning, CancelRequested: true}, nil
		}
		h.control.finalizeCancelFn = func(ctx context.Context, id string) (bool, error) {
			finalized++
			return true, nil
		}

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, outcome.Status)
		assert.False(t, outcome.Lost)
		assert.Equal(t, 1, finalized)
		assert.Empty(t, h.fetcher.requests)
	})

	t.Run("between pages keeps finished work", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		h.seedJobSources(pendingSource("job-1", "src-1"))
		h.trackRecords()

		states := 0
		h.control.controlStateFn = func(ctx context.Context, id string) (*model.JobControl, error) {
			states++
			if states == 1 {
				return &model.JobControl{Status: model.JobStatusRunning}, nil
			}
			return &model.JobControl{Status: model.JobStatusRunning, CancelRequested: true}, nil
		}
		h.servePage(t, cvItem("Dana Fox", "dana@example.com", "r1"))

		job := ingestTestJob(t, model.IngestPayload{
			SourceIDs: []string{"src-1"},
			Config:    model.IngestConfig{MaxPages: 3, PageSize: 1},
		})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, outcome.Status)

		// Page one was checkpointed before the cancel landed, so its work
		// survives for any later inspection.
		assert.Len(t, h.fetcher.requests, 1)
		require.NotEmpty(t, h.jobSources.checkpoints)
		assert.Equal(t, 1, h.jobSources.checkpoints[len(h.jobSources.checkpoints)-1].PagesDone)
	})

	t.Run("finalize refused means the job moved", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		h.seedJobSources(pendingSource("job-1", "src-1"))

		h.control.controlStateFn = func(ctx context.Context, id string) (*model.JobControl, error) {
			return &model.JobControl{Status: model.JobStatusRunning, CancelRequested: true}, nil
		}
		h.control.finalizeCancelFn = func(ctx context.Context, id string) (bool, error) {
			return false, nil
		}

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.True(t, outcome.Lost)
	})
}

func TestIngestExecuteLostOwnership(t *testing.T) {
	t.Run("job no longer running", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		h.seedJobSources(pendingSource("job-1", "src-1"))

		// Lease reclaim put the job back in the queue for another worker.
		h.control.controlStateFn = func(ctx context.Context, id string) (*model.JobControl, error) {
			return &model.JobControl{Status: model.JobStatusQueued}, nil
		}

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.True(t, outcome.Lost)
		assert.Empty(t, h.fetcher.requests)
		assert.Empty(t, h.jobSources.finishes)
	})

	t.Run("checkpoint refused", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		h.jobSources.listJobSourcesFn = func(ctx context.Context, jobID string) ([]model.JobSource, error) {
			return []model.JobSource{pendingSource(jobID, "src-1")}, nil
		}
		h.jobSources.checkpointFn = func(ctx context.Context, params core.CheckpointSourceParams) (bool, error) {
			return false, nil
		}
		h.trackRecords()
		h.servePage(t, cvItem("Dana Fox", "dana@example.com", "r1"))

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.True(t, outcome.Lost)
	})
}

func TestIngestExecuteRateLimitExhaustionSkips(t *testing.T) {
	h := newIngestHarness(t)
	src := ingestTestSource("src-1")
	src.RateLimit = model.RateLimitPolicy{OnLimit: model.LimitActionReject}
	h.useSources(src)
	rows := h.seedJobSources(pendingSource("job-1", "src-1"))

	h.limitStore.incrementWindowsFn = func(ctx context.Context, sourceID string, at time.Time) (core.WindowCounts, error) {
		return core.WindowCounts{Minute: 11, Hour: 11, Day: 11}, nil
	}

	job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
	outcome, err := h.svc.Execute(context.Background(), job)
	require.NoError(t, err)

	// An exhausted allowance is not a broken source: the source skips and
	// the job still completes.
	assert.Equal(t, model.JobStatusCompleted, outcome.Status)
	assert.Equal(t, 1, outcome.SkippedSources)
	assert.Empty(t, h.fetcher.requests)

	final := *rows
	assert.Equal(t, model.SubStatusSkipped, final[0].Status)
	require.NotNil(t, final[0].LastError)
	assert.Contains(t, *final[0].LastError, "request budget exhausted")

	require.NotEmpty(t, h.progress)
	errs := h.progress[len(h.progress)-1].Errors
	assert.Equal(t, int64(1), errs["rate_limit"].Count)
}

func TestIngestExecuteFetchRetries(t *testing.T) {
	t.Run("transient status then success", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		h.seedJobSources(pendingSource("job-1", "src-1"))
		h.trackRecords()

		okPage := pageBody(t, cvItem("Dana Fox", "dana@example.com", "r1"))
		calls := 0
		h.fetcher.fetchFn = func(ctx context.Context, req core.FetchRequest) (*core.FetchResult, error) {
			calls++
			if calls == 1 {
				return &core.FetchResult{StatusCode: 503}, nil
			}
			return &core.FetchResult{Payload: okPage, StatusCode: 200}, nil
		}

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, outcome.Status)
		assert.Equal(t, int64(1), outcome.RecordsIngested)
		assert.Len(t, h.sleeps, 1)

		// Both attempts fed the source's health accounting.
		require.Len(t, h.sourceRepo.outcomes, 2)
		assert.False(t, h.sourceRepo.outcomes[0].Success)
		assert.True(t, h.sourceRepo.outcomes[1].Success)
	})

	t.Run("transport errors exhaust the attempts", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		rows := h.seedJobSources(pendingSource("job-1", "src-1"))

		h.fetcher.fetchFn = func(ctx context.Context, req core.FetchRequest) (*core.FetchResult, error) {
			return nil, errors.New("connection reset")
		}

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, outcome.Status)
		assert.Equal(t, "1 of 1 sources failed", outcome.Reason)
		assert.Len(t, h.fetcher.requests, 3)
		assert.Len(t, h.sleeps, 2)

		final := *rows
		assert.Equal(t, model.SubStatusFailed, final[0].Status)
		require.NotNil(t, final[0].LastError)
		assert.Contains(t, *final[0].LastError, "connection reset")

		require.NotEmpty(t, h.progress)
		errs := h.progress[len(h.progress)-1].Errors
		assert.Equal(t, int64(1), errs["fetch"].Count)
	})

	t.Run("permanent status fails without retrying", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		rows := h.seedJobSources(pendingSource("job-1", "src-1"))

		h.fetcher.fetchFn = func(ctx context.Context, req core.FetchRequest) (*core.FetchResult, error) {
			return &core.FetchResult{StatusCode: 404}, nil
		}

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, outcome.Status)
		assert.Len(t, h.fetcher.requests, 1)
		assert.Empty(t, h.sleeps)

		final := *rows
		require.NotNil(t, final[0].LastError)
		assert.Contains(t, *final[0].LastError, "status 404")
	})
}

func TestIngestExecuteProxySelection(t *testing.T) {
	t.Run("requests ride the source's proxy", func(t *testing.T) {
		h := newIngestHarness(t)
		src := ingestTestSource("src-1")
		src.AllowDirect = false
		src.ProxyStrategy = model.StrategyRoundRobin
		src.Proxies = []model.Proxy{{URL: "http://p1:8080", Active: true}}
		src.RequestTimeoutMS = 5000
		h.useSources(src)
		h.seedJobSources(pendingSource("job-1", "src-1"))
		h.trackRecords()

		h.servePage(t, cvItem("Dana Fox", "dana@example.com", "r1"))

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, outcome.Status)

		require.Len(t, h.fetcher.requests, 1)
		assert.Equal(t, "http://p1:8080", h.fetcher.requests[0].ProxyURL)
		assert.Equal(t, 5*time.Second, h.fetcher.requests[0].Timeout)
		require.Len(t, h.sourceRepo.outcomes, 1)
		assert.Equal(t, "http://p1:8080", h.sourceRepo.outcomes[0].ProxyURL)
	})

	t.Run("cooling pool without direct fallback fails the source", func(t *testing.T) {
		h := newIngestHarness(t)
		src := ingestTestSource("src-1")
		src.AllowDirect = false
		src.ProxyStrategy = model.StrategyRoundRobin
		cooling := ingestTestNow.Add(time.Hour)
		src.Proxies = []model.Proxy{{URL: "http://p1:8080", Active: true, CooldownUntil: &cooling}}
		h.useSources(src)
		rows := h.seedJobSources(pendingSource("job-1", "src-1"))

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, outcome.Status)

		// Every attempt waited for the pool and never reached the wire.
		assert.Empty(t, h.fetcher.requests)
		assert.Len(t, h.sleeps, 2)

		final := *rows
		require.NotNil(t, final[0].LastError)
		assert.Contains(t, *final[0].LastError, "no proxy available")
	})
}

func TestIngestExecuteSourceGatekeeping(t *testing.T) {
	t.Run("vanished source fails", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources() // registry knows nothing
		rows := h.seedJobSources(pendingSource("job-1", "src-1"))

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, outcome.Status)

		final := *rows
		assert.Equal(t, model.SubStatusFailed, final[0].Status)
		require.NotNil(t, final[0].LastError)
		assert.Contains(t, *final[0].LastError, "source no longer exists")
	})

	t.Run("unavailable source skips", func(t *testing.T) {
		h := newIngestHarness(t)
		src := ingestTestSource("src-1")
		src.Active = false
		h.useSources(src)
		rows := h.seedJobSources(pendingSource("job-1", "src-1"))

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, outcome.Status)
		assert.Equal(t, 1, outcome.SkippedSources)
		assert.Empty(t, h.fetcher.requests)

		final := *rows
		assert.Equal(t, model.SubStatusSkipped, final[0].Status)
		require.NotNil(t, final[0].LastError)
		assert.Contains(t, *final[0].LastError, "source unavailable")
	})

	t.Run("resolved headers reach the wire", func(t *testing.T) {
		h := newIngestHarness(t)
		src := ingestTestSource("src-1")
		src.RequestHeaders = model.HeaderSet{"Authorization": "Bearer __API_TOKEN__"}
		h.useSources(src)
		h.seedJobSources(pendingSource("job-1", "src-1"))
		h.trackRecords()

		h.svc.headers = &stubHeaderResolver{
			resolveFn: func(ctx context.Context, headers model.HeaderSet) (model.HeaderSet, error) {
				resolved := headers.Clone()
				resolved["Authorization"] = "Bearer secret-token"
				return resolved, nil
			},
		}
		h.servePage(t, cvItem("Dana Fox", "dana@example.com", "r1"))

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		_, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)

		require.Len(t, h.fetcher.requests, 1)
		assert.Equal(t, "Bearer secret-token", h.fetcher.requests[0].Headers["Authorization"])
		// The source's own header set stays untouched.
		assert.Equal(t, "Bearer __API_TOKEN__", src.RequestHeaders["Authorization"])
	})

	t.Run("resolver failure fails the source", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		rows := h.seedJobSources(pendingSource("job-1", "src-1"))

		h.svc.headers = &stubHeaderResolver{
			resolveFn: func(ctx context.Context, headers model.HeaderSet) (model.HeaderSet, error) {
				return nil, errors.New("credential missing")
			},
		}

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, outcome.Status)

		final := *rows
		require.NotNil(t, final[0].LastError)
		assert.Contains(t, *final[0].LastError, "resolve headers")
	})
}

func TestIngestExecuteFailureTolerance(t *testing.T) {
	run := func(t *testing.T, tolerance float64) *IngestOutcome {
		t.Helper()
		h := newIngestHarness(t)
		srcA := ingestTestSource("src-a")
		srcB := ingestTestSource("src-b")
		h.useSources(srcA, srcB)
		h.seedJobSources(
			pendingSource("job-1", "src-a"),
			pendingSource("job-1", "src-b"),
		)
		h.trackRecords()

		okPage := pageBody(t, cvItem("Dana Fox", "dana@example.com", "r1"))
		h.fetcher.fetchFn = func(ctx context.Context, req core.FetchRequest) (*core.FetchResult, error) {
			if strings.Contains(req.URL, "/src-b/") {
				return &core.FetchResult{StatusCode: 404}, nil
			}
			return &core.FetchResult{Payload: okPage, StatusCode: 200}, nil
		}

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-a", "src-b"}})
		job.FailureTolerance = tolerance
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		return outcome
	}

	t.Run("failures within tolerance complete the job", func(t *testing.T) {
		outcome := run(t, 0.5)
		assert.Equal(t, model.JobStatusCompleted, outcome.Status)
		assert.Equal(t, 1, outcome.FailedSources)
		assert.Empty(t, outcome.Reason)
	})

	t.Run("zero tolerance fails the job", func(t *testing.T) {
		outcome := run(t, 0)
		assert.Equal(t, model.JobStatusFailed, outcome.Status)
		assert.Equal(t, "1 of 2 sources failed", outcome.Reason)
	})
}

func TestIngestExecuteInvalidItemsAreCounted(t *testing.T) {
	h := newIngestHarness(t)
	h.useSources(ingestTestSource("src-1"))
	rows := h.seedJobSources(pendingSource("job-1", "src-1"))
	inserted := h.trackRecords()

	h.servePage(t,
		cvItem("Dana Fox", "dana@example.com", "r1"),
		map[string]string{"email": "anon@example.com"}, // no name
	)

	job := ingestTestJob(t, model.IngestPayload{
		SourceIDs: []string{"src-1"},
		Config:    model.IngestConfig{MaxPages: 3, PageSize: 5},
	})
	outcome, err := h.svc.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, outcome.Status)
	assert.Equal(t, int64(1), outcome.RecordsIngested)
	assert.Equal(t, int64(1), outcome.RecordsFailed)
	assert.Len(t, *inserted, 1)

	final := *rows
	assert.Equal(t, int64(1), final[0].RecordsFailed)

	require.NotEmpty(t, h.progress)
	errs := h.progress[len(h.progress)-1].Errors
	assert.Equal(t, int64(1), errs["validation"].Count)
}

func TestIngestExecuteDedupReconciliation(t *testing.T) {
	t.Run("fingerprint match merges and counts", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		h.seedJobSources(pendingSource("job-1", "src-1"))
		h.trackRecords()

		canonical := dedupTestRecord("canon", ingestTestNow.Add(-24*time.Hour))
		h.dedupRepo.findByFingerprintFn = func(ctx context.Context, fingerprint string) (*model.CVRecord, error) {
			return canonical, nil
		}

		h.servePage(t, cvItem("Dana Smith", "dana@example.com", "x9"))

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, int64(1), outcome.RecordsIngested)
		assert.Equal(t, int64(1), outcome.DuplicatesFound)

		require.Len(t, h.dedupRepo.merges, 1)
		assert.Equal(t, "rec-1", h.dedupRepo.merges[0].DuplicateID)
		assert.Equal(t, "canon", h.dedupRepo.merges[0].Canonical.ID)
	})

	t.Run("known provenance refreshes in place", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		h.seedJobSources(pendingSource("job-1", "src-1"))

		h.records.insertFn = func(ctx context.Context, rec *model.CVRecord) (*model.CVRecord, error) {
			return nil, data.ErrRecordAlreadyExists
		}
		refreshed := 0
		h.records.updateScrapedFn = func(ctx context.Context, rec *model.CVRecord) (*model.CVRecord, error) {
			refreshed++
			stored := *rec
			stored.ID = "rec-existing"
			return &stored, nil
		}
		h.servePage(t, cvItem("Dana Fox", "dana@example.com", "r1"))

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, int64(1), outcome.RecordsIngested)
		assert.Equal(t, int64(0), outcome.DuplicatesFound)
		assert.Equal(t, 1, refreshed)
	})

	t.Run("fingerprint collision parks behind the canonical", func(t *testing.T) {
		h := newIngestHarness(t)
		h.useSources(ingestTestSource("src-1"))
		h.seedJobSources(pendingSource("job-1", "src-1"))

		canonical := dedupTestRecord("canon", ingestTestNow.Add(-24*time.Hour))
		h.dedupRepo.findByFingerprintFn = func(ctx context.Context, fingerprint string) (*model.CVRecord, error) {
			return canonical, nil
		}

		var parked *model.CVRecord
		inserts := 0
		h.records.insertFn = func(ctx context.Context, rec *model.CVRecord) (*model.CVRecord, error) {
			inserts++
			if inserts == 1 {
				return nil, data.ErrFingerprintTaken
			}
			stored := *rec
			stored.ID = "rec-parked"
			stored.CreatedAt = ingestTestNow
			parked = &stored
			return &stored, nil
		}
		h.servePage(t, cvItem("Dana Smith", "dana@example.com", "x9"))

		job := ingestTestJob(t, model.IngestPayload{SourceIDs: []string{"src-1"}})
		outcome, err := h.svc.Execute(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, int64(1), outcome.RecordsIngested)
		assert.Equal(t, int64(1), outcome.DuplicatesFound)

		assert.Equal(t, 2, inserts)
		require.NotNil(t, parked)
		require.NotNil(t, parked.DuplicateOf)
		assert.Equal(t, "canon", *parked.DuplicateOf)
		assert.Equal(t, model.RecordStatusDuplicate, parked.Status)
	})
}

func TestSplitPage(t *testing.T) {
	t.Run("bare array", func(t *testing.T) {
		pd, err := splitPage([]byte(`[{"a":1},{"b":2}]`), nil)
		require.NoError(t, err)
		assert.Len(t, pd.items, 2)
		assert.Empty(t, pd.nextCursor)
	})

	t.Run("default envelope key", func(t *testing.T) {
		pd, err := splitPage([]byte(`{"items":[{"a":1}]}`), nil)
		require.NoError(t, err)
		assert.Len(t, pd.items, 1)
	})

	t.Run("custom envelope selectors", func(t *testing.T) {
		selectors := model.SelectorSet{
			"__items__": "results",
			"__next__":  "next_cursor",
			"__total__": "pages",
		}
		pd, err := splitPage([]byte(`{"results":[{"a":1}],"next_cursor":"abc","pages":7}`), selectors)
		require.NoError(t, err)
		assert.Len(t, pd.items, 1)
		assert.Equal(t, "abc", pd.nextCursor)
		assert.Equal(t, 7, pd.totalPages)
	})

	t.Run("malformed hints read as absent", func(t *testing.T) {
		selectors := model.SelectorSet{"__next__": "next", "__total__": "pages"}
		pd, err := splitPage([]byte(`{"items":[],"next":42,"pages":"many"}`), selectors)
		require.NoError(t, err)
		assert.Empty(t, pd.nextCursor)
		assert.Zero(t, pd.totalPages)
	})

	t.Run("missing items key", func(t *testing.T) {
		_, err := splitPage([]byte(`{"data":[]}`), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"items"`)
	})

	t.Run("empty payload", func(t *testing.T) {
		pd, err := splitPage([]byte("  "), nil)
		require.NoError(t, err)
		assert.Empty(t, pd.items)
	})
}

func TestFieldSelectors(t *testing.T) {
	fields := fieldSelectors(model.SelectorSet{
		"__items__": "results",
		"__next__":  "cursor",
		"full_name": "profile.name",
		"email":     "contact.email",
	})
	assert.Equal(t, model.SelectorSet{
		"full_name": "profile.name",
		"email":     "contact.email",
	}, fields)
}

func TestBestCandidates(t *testing.T) {
	fields := bestCandidates([]model.FieldCandidate{
		{Field: "email", Value: "low@example.com", Confidence: 0.4},
		{Field: "email", Value: "high@example.com", Confidence: 0.9},
		{Field: "phone", Value: "   ", Confidence: 1},
		{Field: "full_name", Value: "  Dana Fox  ", Confidence: 0.7},
	})
	assert.Equal(t, map[string]string{
		"email":     "high@example.com",
		"full_name": "Dana Fox",
	}, fields)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"go", "postgres", "redis"}, splitList("go, postgres; redis"))
	assert.Empty(t, splitList(" ,; "))
}

func TestSanitizeIngestConfig(t *testing.T) {
	t.Run("zero values get defaults", func(t *testing.T) {
		cfg := sanitizeIngestConfig(model.IngestConfig{}, model.IngestConfig{})
		assert.Equal(t, defaultIngestMaxPages, cfg.MaxPages)
		assert.Equal(t, defaultIngestPageSize, cfg.PageSize)
		assert.Equal(t, defaultIngestSourceParallel, cfg.SourceParallel)
		assert.Equal(t, defaultIngestRequestAttempts, cfg.RequestAttempts)
	})

	t.Run("runner defaults fill unset values", func(t *testing.T) {
		cfg := sanitizeIngestConfig(model.IngestConfig{MaxPages: 3}, model.IngestConfig{
			MaxPages:        99,
			SourceParallel:  4,
			RequestAttempts: 2,
		})
		assert.Equal(t, 3, cfg.MaxPages)
		assert.Equal(t, defaultIngestPageSize, cfg.PageSize)
		assert.Equal(t, 4, cfg.SourceParallel)
		assert.Equal(t, 2, cfg.RequestAttempts)
	})

	t.Run("explicit values survive", func(t *testing.T) {
		cfg := sanitizeIngestConfig(model.IngestConfig{
			MaxPages:        3,
			PageSize:        25,
			SourceParallel:  4,
			RequestAttempts: 1,
		}, model.IngestConfig{})
		assert.Equal(t, 3, cfg.MaxPages)
		assert.Equal(t, 25, cfg.PageSize)
		assert.Equal(t, 4, cfg.SourceParallel)
		assert.Equal(t, 1, cfg.RequestAttempts)
	})
}

func TestBuildOutcome(t *testing.T) {
	rows := []model.JobSource{
		{SourceID: "a", Status: model.SubStatusCompleted, RecordsIngested: 10, RecordsFailed: 1},
		{SourceID: "b", Status: model.SubStatusFailed, RecordsIngested: 2, DuplicatesFound: 1},
		{SourceID: "c", Status: model.SubStatusSkipped},
	}

	t.Run("zero tolerance fails", func(t *testing.T) {
		out := buildOutcome(rows, 0)
		assert.Equal(t, model.JobStatusFailed, out.Status)
		assert.Equal(t, int64(12), out.RecordsIngested)
		assert.Equal(t, int64(1), out.RecordsFailed)
		assert.Equal(t, int64(1), out.DuplicatesFound)
		assert.Equal(t, 1, out.FailedSources)
		assert.Equal(t, 1, out.SkippedSources)
		assert.Equal(t, "1 of 3 sources failed", out.Reason)
	})

	t.Run("skips never count against tolerance", func(t *testing.T) {
		out := buildOutcome(rows, 0.5)
		assert.Equal(t, model.JobStatusCompleted, out.Status)
		assert.Empty(t, out.Reason)
	})
}

func TestIngestRetryDelay(t *testing.T) {
	opts := validIngestOptions(t)
	opts.RetryBaseDelay = 100 * time.Millisecond
	opts.RetryMaxDelay = time.Second
	svc, err := NewIngestService(opts)
	require.NoError(t, err)

	within := func(t *testing.T, d, base time.Duration) {
		t.Helper()
		lo := time.Duration(float64(base) * (1 - ingestRetryJitter))
		hi := time.Duration(float64(base) * (1 + ingestRetryJitter))
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}

	within(t, svc.retryDelay(1), 100*time.Millisecond)
	within(t, svc.retryDelay(2), 200*time.Millisecond)
	within(t, svc.retryDelay(3), 400*time.Millisecond)
	// Doubling stops at the cap.
	within(t, svc.retryDelay(10), time.Second)
}

func TestIngestPageURL(t *testing.T) {
	run := &sourceRun{
		src: ingestTestSource("src-1"),
		cfg: model.IngestConfig{PageSize: 20},
		filters: model.IngestFilters{
			Keywords:      []string{"go", "sre"},
			Location:      "remote",
			PostedWithinD: 7,
		},
	}

	raw, err := run.pageURL(4)
	require.NoError(t, err)
	q := reqQuery(t, raw)
	assert.Equal(t, "4", q.Get("page"))
	assert.Equal(t, "20", q.Get("per_page"))
	assert.Equal(t, "go,sre", q.Get("keywords"))
	assert.Equal(t, "remote", q.Get("location"))
	assert.Equal(t, "7", q.Get("posted_within_days"))

	cursor := "abc"
	run.cursor = &cursor
	raw, err = run.pageURL(5)
	require.NoError(t, err)
	q = reqQuery(t, raw)
	assert.Equal(t, "abc", q.Get("cursor"))
	assert.Empty(t, q.Get("page"))
}
