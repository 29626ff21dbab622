package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/progress"
	"github.com/JakeFAU/govdoc-harvester/internal/scheduler"
	"github.com/JakeFAU/govdoc-harvester/internal/source"
	"github.com/JakeFAU/govdoc-harvester/internal/state"
	"github.com/JakeFAU/govdoc-harvester/internal/state/memory"
)

const testIdentity = "A"

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type listCall struct {
	section string
	offset  int
	limit   int
}

// fakeSite is both the adapter and the list-page fetcher. List pages are
// newline-separated URLs sliced from items.
type fakeSite struct {
	mu       sync.Mutex
	sections []source.Section
	items    map[string][]string
	pageSize int
	listFail map[string]bool
	detailFn func(link crawler.LinkRecord, attempt int) source.Detail

	lists    []listCall
	details  []string
	attempts map[string]int
}

func newFakeSite(pageSize int, sections ...source.Section) *fakeSite {
	return &fakeSite{
		sections: sections,
		items:    make(map[string][]string),
		pageSize: pageSize,
		listFail: make(map[string]bool),
		attempts: make(map[string]int),
	}
}

func (s *fakeSite) Sections() []source.Section { return s.sections }

func (s *fakeSite) PageSize() int { return s.pageSize }

func (s *fakeSite) ListRequest(sec source.Section, offset, limit int) (crawler.FetchRequest, error) {
	return crawler.FetchRequest{
		URL: fmt.Sprintf("https://list.test/%s?offset=%d&limit=%d", sec.ID, offset, limit),
	}, nil
}

func (s *fakeSite) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	sec := strings.TrimPrefix(u.Path, "/")
	offset, _ := strconv.Atoi(u.Query().Get("offset"))
	limit, _ := strconv.Atoi(u.Query().Get("limit"))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists = append(s.lists, listCall{section: sec, offset: offset, limit: limit})
	if s.listFail[sec] {
		return crawler.FetchResponse{}, errors.New("connection reset by peer")
	}
	all := s.items[sec]
	start := min(offset, len(all))
	end := min(offset+limit, len(all))
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: 200,
		Body:       []byte(strings.Join(all[start:end], "\n")),
	}, nil
}

func (s *fakeSite) ExtractItems(resp crawler.FetchResponse) ([]source.RawItem, error) {
	body := strings.TrimSpace(string(resp.Body))
	if body == "" {
		return nil, nil
	}
	var items []source.RawItem
	for _, line := range strings.Split(body, "\n") {
		items = append(items, source.RawItem{URL: line, Title: path.Base(line)})
	}
	return items, nil
}

func (s *fakeSite) ToLinkRecord(raw source.RawItem, sectionName string) crawler.LinkRecord {
	return crawler.LinkRecord{URL: raw.URL, Title: raw.Title, Section: sectionName}
}

func (s *fakeSite) FetchDetail(_ context.Context, link crawler.LinkRecord) source.Detail {
	s.mu.Lock()
	s.attempts[link.URL]++
	attempt := s.attempts[link.URL]
	s.details = append(s.details, link.URL)
	fn := s.detailFn
	s.mu.Unlock()
	if fn != nil {
		return fn(link, attempt)
	}
	return source.Detail{Outcome: source.Success, Content: "body of " + link.URL}
}

func (s *fakeSite) BuildDocument(link crawler.LinkRecord, _ string, paths []string) crawler.Document {
	return crawler.Document{Title: link.Title, URL: link.URL, Data: map[string]any{"file_paths": paths}}
}

func (s *fakeSite) Lists() []listCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]listCall(nil), s.lists...)
}

func (s *fakeSite) Details() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.details...)
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []string
}

func (f *fakeSaver) Save(
	_ context.Context,
	adapter source.Adapter,
	link crawler.LinkRecord,
	detail source.Detail,
) (crawler.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, link.URL)
	doc := adapter.BuildDocument(link, detail.Content, nil)
	doc.ItemID = uint64(len(f.saved))
	return doc, nil
}

func (f *fakeSaver) Saved() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.saved...)
}

type statusWrite struct {
	status  crawler.Status
	reason  string
	version int64
}

// recordingBackend logs every status write. A non-nil popErr fails every
// queue pop.
type recordingBackend struct {
	*memory.Store
	mu     sync.Mutex
	writes []statusWrite
	popErr error
}

func (r *recordingBackend) PopLink(ctx context.Context, identity string) (crawler.LinkRecord, bool, error) {
	r.mu.Lock()
	err := r.popErr
	r.mu.Unlock()
	if err != nil {
		return crawler.LinkRecord{}, false, err
	}
	return r.Store.PopLink(ctx, identity)
}

func (r *recordingBackend) SetStatus(
	ctx context.Context,
	identity string,
	status crawler.Status,
	details crawler.StatusDetails,
	at time.Time,
) (int64, error) {
	v, err := r.Store.SetStatus(ctx, identity, status, details, at)
	r.mu.Lock()
	r.writes = append(r.writes, statusWrite{status: status, reason: details.Reason, version: v})
	r.mu.Unlock()
	return v, err
}

func (r *recordingBackend) Writes() []statusWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]statusWrite(nil), r.writes...)
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) Errors() []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []progress.Event
	for _, evt := range c.events {
		if evt.Level == progress.LevelError {
			out = append(out, evt)
		}
	}
	return out
}

type harness struct {
	engine  *Engine
	client  *state.Client
	backend *recordingBackend
	site    *fakeSite
	saver   *fakeSaver
	events  *captureEmitter
}

var testNow = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, site *fakeSite, backend *recordingBackend, opts Options) *harness {
	t.Helper()
	if backend == nil {
		backend = &recordingBackend{Store: memory.NewStore()}
	}
	clock := fixedClock{t: testNow}
	client := state.NewClient(backend, testIdentity, state.Options{Clock: clock})
	saver := &fakeSaver{}
	events := &captureEmitter{}
	opts.Once = opts.Once || opts.Schedule.IsZero()
	opts.Events = events
	opts.Clock = clock
	if opts.PausePollInterval == 0 {
		opts.PausePollInterval = 5 * time.Millisecond
	}
	e, err := New(client, site, site, saver, opts)
	require.NoError(t, err)
	return &harness{engine: e, client: client, backend: backend, site: site, saver: saver, events: events}
}

func urls(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://site.test/%s/%03d.html", prefix, i)
	}
	return out
}

func statusPath(writes []statusWrite) []crawler.Status {
	var out []crawler.Status
	for _, w := range writes {
		if len(out) > 0 && out[len(out)-1] == w.status {
			continue
		}
		out = append(out, w.status)
	}
	return out
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	client := state.NewClient(memory.NewStore(), testIdentity, state.Options{})
	site := newFakeSite(15)
	_, err := New(nil, site, site, &fakeSaver{}, Options{})
	require.Error(t, err)
	_, err = New(client, nil, site, &fakeSaver{}, Options{})
	require.Error(t, err)
	_, err = New(client, site, nil, &fakeSaver{}, Options{})
	require.Error(t, err)
	_, err = New(client, site, site, nil, Options{})
	require.Error(t, err)
	_, err = New(client, newFakeSite(0), site, &fakeSaver{}, Options{})
	require.ErrorContains(t, err, "page size")
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15,
		source.Section{ID: "s1", Name: "Section One"},
		source.Section{ID: "s2", Name: "Section Two"},
	)
	site.items["s1"] = urls("s1", 30)
	site.items["s2"] = urls("s2", 10)
	h := newHarness(t, site, nil, Options{})

	ctx := context.Background()
	require.NoError(t, h.engine.Run(ctx))

	require.Equal(t, []listCall{
		{section: "s1", offset: 0, limit: 15},
		{section: "s1", offset: 15, limit: 15},
		{section: "s1", offset: 30, limit: 15},
		{section: "s2", offset: 0, limit: 15},
	}, site.Lists())
	require.EqualValues(t, 40, h.client.VisitedCount(ctx))
	require.EqualValues(t, 40, h.client.CrawledCount(ctx))
	require.EqualValues(t, 40, h.client.DetailsCrawled(ctx))
	require.Zero(t, h.client.QueueSize(ctx))
	require.Len(t, h.saver.Saved(), 40)

	writes := h.backend.Writes()
	require.Equal(t,
		[]crawler.Status{crawler.StatusStarting, crawler.StatusRunning, crawler.StatusStopped},
		statusPath(writes),
	)
	require.Equal(t, crawler.ReasonCompleted, writes[len(writes)-1].reason)

	st := h.client.State(ctx)
	require.True(t, st.Recurring)
	require.NotNil(t, st.LastRescanAt)
	for _, cp := range h.client.Checkpoints(ctx) {
		require.True(t, cp.Complete, cp.Section)
	}
	require.Equal(t, 30, h.client.Checkpoint(ctx, "s1").LastOffset)
	require.Empty(t, h.events.Errors())
}

func TestEveryStatusWriteBumpsVersion(t *testing.T) {
	t.Parallel()

	site := newFakeSite(5, source.Section{ID: "s1", Name: "One"})
	site.items["s1"] = urls("s1", 12)
	h := newHarness(t, site, nil, Options{})
	require.NoError(t, h.engine.Run(context.Background()))

	writes := h.backend.Writes()
	require.NotEmpty(t, writes)
	for i := 1; i < len(writes); i++ {
		require.Greater(t, writes[i].version, writes[i-1].version)
	}
}

func TestSectionStopsAtSizeHint(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15, source.Section{ID: "s1", Name: "One", SizeHint: 20})
	site.items["s1"] = urls("s1", 30)
	h := newHarness(t, site, nil, Options{})

	ctx := context.Background()
	require.NoError(t, h.engine.Run(ctx))
	require.Equal(t, []listCall{
		{section: "s1", offset: 0, limit: 15},
		{section: "s1", offset: 15, limit: 5},
	}, site.Lists())
	require.EqualValues(t, 20, h.client.VisitedCount(ctx))
	require.Equal(t, crawler.Checkpoint{Section: "s1", LastOffset: 20, Complete: true}, h.client.Checkpoint(ctx, "s1"))
}

func TestCompletedSectionIsNotRequestedAgain(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15, source.Section{ID: "s1", Name: "One"})
	site.items["s1"] = urls("s1", 20)
	backend := &recordingBackend{Store: memory.NewStore()}

	first := newHarness(t, site, backend, Options{})
	require.NoError(t, first.engine.Run(context.Background()))
	calls := len(site.Lists())

	site.mu.Lock()
	site.items["s1"] = urls("s1", 40)
	site.mu.Unlock()
	second := newHarness(t, site, backend, Options{})
	require.NoError(t, second.engine.Run(context.Background()))
	require.Len(t, site.Lists(), calls)
}

func TestSectionAbortsAfterConsecutivePageFailures(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15,
		source.Section{ID: "bad", Name: "Bad"},
		source.Section{ID: "good", Name: "Good"},
	)
	site.listFail["bad"] = true
	site.items["good"] = urls("good", 3)
	h := newHarness(t, site, nil, Options{})

	ctx := context.Background()
	require.NoError(t, h.engine.Run(ctx))

	var bad int
	for _, call := range site.Lists() {
		if call.section == "bad" {
			require.Zero(t, call.offset)
			bad++
		}
	}
	require.Equal(t, DefaultMaxConsecutivePageFailures, bad)
	require.False(t, h.client.Checkpoint(ctx, "bad").Complete)
	require.True(t, h.client.Checkpoint(ctx, "good").Complete)
	require.EqualValues(t, 3, h.client.CrawledCount(ctx))

	st := h.client.State(ctx)
	require.Equal(t, crawler.StatusStopped, st.Status)
	require.Equal(t, crawler.ReasonIncomplete, st.Reason)
	require.False(t, st.Recurring)

	errs := h.events.Errors()
	require.Len(t, errs, DefaultMaxConsecutivePageFailures)
	require.Equal(t, "list_failed", errs[0].ErrType)
	require.Equal(t, "bad", errs[0].Section)
}

func TestFailedDetailIsRetriedFromTail(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15)
	site.detailFn = func(link crawler.LinkRecord, attempt int) source.Detail {
		if strings.HasSuffix(link.URL, "/B") && attempt == 1 {
			return source.Detail{Outcome: source.Fail, Err: errors.New("timeout")}
		}
		return source.Detail{Outcome: source.Success, Content: "ok"}
	}
	h := newHarness(t, site, nil, Options{})

	ctx := context.Background()
	for _, name := range []string{"A", "B", "C"} {
		require.True(t, h.client.Push(ctx, crawler.LinkRecord{URL: "https://site.test/" + name}))
	}
	require.NoError(t, h.engine.Run(ctx))

	require.Equal(t, []string{
		"https://site.test/A",
		"https://site.test/B",
		"https://site.test/C",
		"https://site.test/B",
	}, site.Details())
	require.Equal(t, []string{
		"https://site.test/A",
		"https://site.test/C",
		"https://site.test/B",
	}, h.saver.Saved())

	errs := h.events.Errors()
	require.Len(t, errs, 1)
	require.Equal(t, "detail_failed", errs[0].ErrType)
	require.Equal(t, "https://site.test/B", errs[0].URL)
	require.Zero(t, h.client.RequeueClaimed(ctx), "every popped link is acked")
}

func TestSkipCountsWithoutMarkingCrawled(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15)
	site.detailFn = func(crawler.LinkRecord, int) source.Detail {
		return source.Skipped("no content")
	}
	h := newHarness(t, site, nil, Options{})

	ctx := context.Background()
	require.True(t, h.client.Push(ctx, crawler.LinkRecord{URL: "https://site.test/empty"}))
	require.NoError(t, h.engine.Run(ctx))

	require.EqualValues(t, 1, h.client.DetailsCrawled(ctx))
	require.False(t, h.client.IsCrawled(ctx, "https://site.test/empty"))
	require.Zero(t, h.client.QueueSize(ctx))
	require.Empty(t, h.saver.Saved())
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15)
	site.detailFn = func(crawler.LinkRecord, int) source.Detail {
		return source.Detail{Outcome: source.Fail, Err: errors.New("502")}
	}
	h := newHarness(t, site, nil, Options{})

	ctx := context.Background()
	require.True(t, h.client.Push(ctx, crawler.LinkRecord{URL: "https://site.test/down"}))
	require.ErrorIs(t, h.engine.Run(ctx), ErrTooManyErrors)

	require.Len(t, site.Details(), DefaultBreakerThreshold)
	st := h.client.State(ctx)
	require.Equal(t, crawler.StatusError, st.Status)
	require.Equal(t, crawler.ReasonTooManyErrors, st.Reason)
	require.EqualValues(t, 1, h.client.QueueSize(ctx))
	require.False(t, st.Recurring)
}

func TestBreakerResetsAfterSuccess(t *testing.T) {
	t.Parallel()

	const (
		flaky  = "https://site.test/flaky"
		second = "https://site.test/second"
	)
	site := newFakeSite(15)
	h := newHarness(t, site, nil, Options{})
	ctx := context.Background()
	site.detailFn = func(link crawler.LinkRecord, attempt int) source.Detail {
		if attempt < DefaultBreakerThreshold {
			return source.Detail{Outcome: source.Fail, Err: errors.New("flaky")}
		}
		if link.URL == flaky {
			h.client.Push(ctx, crawler.LinkRecord{URL: second})
		}
		return source.Detail{Outcome: source.Success, Content: "finally"}
	}
	require.True(t, h.client.Push(ctx, crawler.LinkRecord{URL: flaky}))

	require.NoError(t, h.engine.Run(ctx))
	require.Len(t, site.Details(), 2*DefaultBreakerThreshold)
	require.Equal(t, crawler.ReasonCompleted, h.client.State(ctx).Reason)
	require.EqualValues(t, 2, h.client.CrawledCount(ctx))
}

func TestResumeNeverRefetchesCrawledLinks(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15)
	backend := &recordingBackend{Store: memory.NewStore()}
	first := newHarness(t, site, backend, Options{})
	ctx := context.Background()

	links := []string{"https://site.test/1", "https://site.test/2", "https://site.test/3"}
	for _, u := range links {
		require.True(t, first.client.Push(ctx, crawler.LinkRecord{URL: u}))
		first.client.MarkVisited(ctx, u)
	}
	site.detailFn = func(link crawler.LinkRecord, _ int) source.Detail {
		if link.URL == links[1] {
			first.engine.Stop()
			return source.Detail{Outcome: source.Fail, Err: context.Canceled}
		}
		return source.Detail{Outcome: source.Success, Content: "ok"}
	}
	require.NoError(t, first.engine.Run(ctx))
	st := first.client.State(ctx)
	require.Equal(t, crawler.StatusStopped, st.Status)
	require.Equal(t, crawler.ReasonUserStopped, st.Reason)
	require.EqualValues(t, 2, first.client.QueueSize(ctx))

	site.mu.Lock()
	site.detailFn = nil
	site.details = nil
	site.mu.Unlock()
	require.True(t, first.client.Push(ctx, crawler.LinkRecord{URL: links[0]}))

	second := newHarness(t, site, backend, Options{})
	require.NoError(t, second.engine.Run(ctx))
	require.ElementsMatch(t, links[1:], site.Details())
	require.EqualValues(t, 3, second.client.CrawledCount(ctx))
	require.Zero(t, second.client.QueueSize(ctx))
}

func TestPauseBlocksUntilResumed(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15, source.Section{ID: "s1", Name: "One"})
	site.items["s1"] = urls("s1", 3)
	h := newHarness(t, site, nil, Options{})
	ctx := context.Background()
	h.engine.Pause(ctx)
	require.Equal(t, crawler.StatusPaused, h.client.State(ctx).Status)

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Never(t, func() bool { return len(site.Lists()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	h.engine.Resume(ctx)
	require.NoError(t, <-done)
	require.EqualValues(t, 3, h.client.CrawledCount(ctx))
}

func TestStopInterruptsPauseWait(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15, source.Section{ID: "s1", Name: "One"})
	site.items["s1"] = urls("s1", 3)
	h := newHarness(t, site, nil, Options{PausePollInterval: time.Hour})
	ctx := context.Background()
	require.True(t, h.client.SetPaused(ctx, true))

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	require.Eventually(t, h.engine.running.Load, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, h.engine.Run(ctx), ErrAlreadyRunning)

	h.engine.Stop()
	h.engine.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe stop while paused")
	}
	require.Empty(t, site.Lists())
	require.Equal(t, crawler.ReasonUserStopped, h.client.State(ctx).Reason)
}

func TestContextCancellationStopsRun(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15)
	ctx, cancel := context.WithCancel(context.Background())
	site.detailFn = func(crawler.LinkRecord, int) source.Detail {
		cancel()
		return source.Detail{Outcome: source.Fail, Err: context.Canceled}
	}
	h := newHarness(t, site, nil, Options{})
	require.True(t, h.client.Push(ctx, crawler.LinkRecord{URL: "https://site.test/x"}))

	require.NoError(t, h.engine.Run(ctx))
	bg := context.Background()
	require.Equal(t, crawler.ReasonUserStopped, h.client.State(bg).Reason)
	require.EqualValues(t, 1, h.client.QueueSize(bg))
}

func TestPanicIsRecordedAsError(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15)
	site.detailFn = func(crawler.LinkRecord, int) source.Detail {
		panic("parser exploded")
	}
	h := newHarness(t, site, nil, Options{})
	ctx := context.Background()
	require.True(t, h.client.Push(ctx, crawler.LinkRecord{URL: "https://site.test/x"}))

	err := h.engine.Run(ctx)
	require.ErrorContains(t, err, "parser exploded")
	st := h.client.State(ctx)
	require.Equal(t, crawler.StatusError, st.Status)
	require.Contains(t, st.Error, "parser exploded")
	errs := h.events.Errors()
	require.NotEmpty(t, errs)
	require.Equal(t, "fatal_error", errs[len(errs)-1].ErrType)
}

func TestRescanStopsAfterConsecutiveDuplicates(t *testing.T) {
	t.Parallel()

	site := newFakeSite(120, source.Section{ID: "s1", Name: "One"})
	site.items["s1"] = urls("s1", 120)
	h := newHarness(t, site, nil, Options{})
	ctx := context.Background()
	for _, u := range site.items["s1"][:100] {
		h.client.MarkVisited(ctx, u)
	}

	added, duplicates := h.engine.rescanSection(ctx, site.sections[0])
	require.Zero(t, added)
	require.Equal(t, DefaultDuplicateStopThreshold, duplicates)
	require.Zero(t, h.client.QueueSize(ctx))
	require.Len(t, site.Lists(), 1)
	require.Empty(t, h.client.Checkpoints(ctx))
}

func TestRescanStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15, source.Section{ID: "s1", Name: "One"})
	site.items["s1"] = urls("s1", 30)
	h := newHarness(t, site, nil, Options{})
	ctx := context.Background()

	added, duplicates := h.engine.rescanSection(ctx, site.sections[0])
	require.Equal(t, 30, added)
	require.Zero(t, duplicates)
	require.Len(t, site.Lists(), 3)
	require.EqualValues(t, 30, h.client.QueueSize(ctx))
}

func TestRescanStopsOnPageWithoutNewLinks(t *testing.T) {
	t.Parallel()

	site := newFakeSite(10, source.Section{ID: "s1", Name: "One"})
	site.items["s1"] = urls("s1", 40)
	h := newHarness(t, site, nil, Options{DuplicateStopThreshold: 1000})
	ctx := context.Background()
	for _, u := range site.items["s1"][10:20] {
		h.client.MarkVisited(ctx, u)
	}

	added, duplicates := h.engine.rescanSection(ctx, site.sections[0])
	require.Equal(t, 10, added)
	require.Equal(t, 10, duplicates)
	require.Len(t, site.Lists(), 2)
}

func TestRecurringCatchesUpMissedRescan(t *testing.T) {
	t.Parallel()

	at, err := scheduler.ParseTimeOfDay("08:00", "UTC")
	require.NoError(t, err)
	site := newFakeSite(15, source.Section{ID: "s1", Name: "One"})
	site.items["s1"] = urls("s1", 3)
	h := newHarness(t, site, nil, Options{Schedule: at})

	ctx := context.Background()
	h.client.MarkComplete(ctx, "s1")
	h.client.MarkVisited(ctx, site.items["s1"][0])
	yesterday := testNow.Add(-24 * time.Hour)
	require.True(t, h.client.SetRecurring(ctx, true, yesterday))

	waiting := make(chan time.Duration, 1)
	h.engine.after = func(d time.Duration) <-chan time.Time {
		select {
		case waiting <- d:
		default:
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	select {
	case d := <-waiting:
		require.Equal(t, 23*time.Hour, d)
	case <-time.After(2 * time.Second):
		t.Fatal("engine never reached the scheduled wait")
	}
	h.engine.Stop()
	require.NoError(t, <-done)

	require.EqualValues(t, 2, h.client.CrawledCount(ctx))
	require.Len(t, site.Lists(), 2)
	st := h.client.State(ctx)
	require.NotNil(t, st.LastRescanAt)
	require.True(t, st.LastRescanAt.Equal(testNow))
	require.True(t, st.Recurring)

	var reasons []string
	for _, w := range h.backend.Writes() {
		if w.status == crawler.StatusStopped {
			reasons = append(reasons, w.reason)
		}
	}
	require.Equal(t, []string{
		crawler.ReasonCompleted,
		crawler.ReasonScheduledCompleted,
		crawler.ReasonUserStopped,
	}, reasons)
}

func TestOnceRunsDueRescanWithoutWaiting(t *testing.T) {
	t.Parallel()

	at, err := scheduler.ParseTimeOfDay("08:00", "UTC")
	require.NoError(t, err)
	site := newFakeSite(15, source.Section{ID: "s1", Name: "One"})
	site.items["s1"] = urls("s1", 3)
	h := newHarness(t, site, nil, Options{Schedule: at, Once: true})
	h.engine.after = func(time.Duration) <-chan time.Time {
		t.Error("a single pass must not wait for the next fire")
		return nil
	}

	ctx := context.Background()
	h.client.MarkComplete(ctx, "s1")
	h.client.MarkVisited(ctx, site.items["s1"][0])
	require.True(t, h.client.SetRecurring(ctx, true, testNow.Add(-24*time.Hour)))

	require.NoError(t, h.engine.Run(ctx))

	require.NotEmpty(t, site.Lists())
	require.EqualValues(t, 2, h.client.CrawledCount(ctx))
	st := h.client.State(ctx)
	require.NotNil(t, st.LastRescanAt)
	require.True(t, st.LastRescanAt.Equal(testNow))
	require.Equal(t, crawler.ReasonScheduledCompleted, st.Reason)
}

func TestOnceSkipsRescanThatIsNotDue(t *testing.T) {
	t.Parallel()

	at, err := scheduler.ParseTimeOfDay("08:00", "UTC")
	require.NoError(t, err)
	site := newFakeSite(15, source.Section{ID: "s1", Name: "One"})
	site.items["s1"] = urls("s1", 3)
	h := newHarness(t, site, nil, Options{Schedule: at, Once: true})
	h.engine.after = func(time.Duration) <-chan time.Time {
		t.Error("a single pass must not wait for the next fire")
		return nil
	}

	ctx := context.Background()
	h.client.MarkComplete(ctx, "s1")
	require.True(t, h.client.SetRecurring(ctx, true, testNow.Add(-time.Hour)))

	require.NoError(t, h.engine.Run(ctx))

	require.Empty(t, site.Lists())
	require.Equal(t, crawler.ReasonCompleted, h.client.State(ctx).Reason)
}

func TestQueueOutageEndsRunIncomplete(t *testing.T) {
	t.Parallel()

	backend := &recordingBackend{Store: memory.NewStore(), popErr: errors.New("connection refused")}
	site := newFakeSite(15)
	h := newHarness(t, site, backend, Options{})

	ctx := context.Background()
	require.True(t, h.client.Push(ctx, crawler.LinkRecord{URL: "https://site.test/A"}))
	require.NoError(t, h.engine.Run(ctx))

	require.Empty(t, site.Details())
	st := h.client.State(ctx)
	require.Equal(t, crawler.StatusStopped, st.Status)
	require.Equal(t, crawler.ReasonIncomplete, st.Reason)
	require.False(t, st.Recurring)
	require.EqualValues(t, 1, h.client.QueueSize(ctx))
}

func TestLinkClaimedByKilledRunIsRequeued(t *testing.T) {
	t.Parallel()

	site := newFakeSite(15)
	h := newHarness(t, site, nil, Options{})

	ctx := context.Background()
	for _, name := range []string{"A", "B"} {
		require.True(t, h.client.Push(ctx, crawler.LinkRecord{URL: "https://site.test/" + name}))
	}
	// A previous process popped A and died before finishing it.
	claimed, ok := h.client.Pop(ctx)
	require.True(t, ok)
	require.EqualValues(t, 1, h.client.QueueSize(ctx))

	require.NoError(t, h.engine.Run(ctx))

	require.Equal(t, []string{"https://site.test/A", "https://site.test/B"}, h.saver.Saved())
	require.True(t, h.client.IsCrawled(ctx, claimed.URL))
	require.EqualValues(t, 2, h.client.CrawledCount(ctx))
	require.Zero(t, h.client.QueueSize(ctx))
}
