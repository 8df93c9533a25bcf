package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"dogwatch/internal/filter"
	"dogwatch/internal/metrics"
	"dogwatch/internal/model"
	"dogwatch/internal/storage"
)

const destination = "+15555550100"

var now = time.Date(2021, 10, 18, 9, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	items []model.RawItem
	err   error
	calls int
}

func (f *fakeFetcher) FetchRecent(_ context.Context, _ string, maxResults int) ([]model.RawItem, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.items) > maxResults {
		return f.items[:maxResults], nil
	}
	return f.items, nil
}

type sentMessage struct {
	Destination string
	Body        string
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []sentMessage
	err      error
}

func (n *fakeNotifier) Send(_ context.Context, destination, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.messages = append(n.messages, sentMessage{Destination: destination, Body: body})
	return nil
}

func (n *fakeNotifier) getMessages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]sentMessage, len(n.messages))
	copy(cp, n.messages)
	return cp
}

// spyStore counts mutations and injects failures in front of a real store.
type spyStore struct {
	storage.Storage

	puts, marks int

	getErr, putErr, queryErr, markErr error
}

func (s *spyStore) Put(ctx context.Context, item model.Item) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.puts++
	return s.Storage.Put(ctx, item)
}

func (s *spyStore) Get(ctx context.Context, id string, createdAt time.Time) (*model.Item, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.Storage.Get(ctx, id, createdAt)
}

func (s *spyStore) MarkNotified(ctx context.Context, id string, createdAt time.Time) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.marks++
	return s.Storage.MarkNotified(ctx, id, createdAt)
}

func (s *spyStore) QueryNewerThan(ctx context.Context, t time.Time) ([]model.Item, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.Storage.QueryNewerThan(ctx, t)
}

func newTestStore(t *testing.T) *spyStore {
	t.Helper()
	s, err := storage.NewSQLite(":memory:", false)
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return &spyStore{Storage: s}
}

type harness struct {
	fetcher  *fakeFetcher
	notifier *fakeNotifier
	store    *spyStore
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, items ...model.RawItem) *harness {
	t.Helper()
	return &harness{
		fetcher:  &fakeFetcher{items: items},
		notifier: &fakeNotifier{},
		store:    newTestStore(t),
		metrics:  metrics.New(),
	}
}

func (h *harness) pipeline(rule filter.StalenessRule, dryRun bool) *Pipeline {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(Deps{
		Fetcher:  h.fetcher,
		Filter:   filter.New(rule),
		Store:    h.store,
		Notifier: h.notifier,
		Metrics:  h.metrics,
	}, Options{
		Account:     "846137120209190912",
		PageSize:    20,
		Destination: destination,
		Signature:   "- Dog",
		Lookback:    7 * 24 * time.Hour,
		DryRun:      dryRun,
	}, log)
	p.SetClock(func() time.Time { return now })
	return p
}

func (h *harness) stored(t *testing.T) []model.Item {
	t.Helper()
	items, err := h.store.Storage.QueryNewerThan(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return items
}

func raw(id, text, created string) model.RawItem {
	return model.RawItem{ID: id, Text: text, CreatedAt: created}
}

var earlyCutoff = filter.Cutoff{Before: time.Date(2021, 10, 1, 0, 0, 0, 0, time.UTC)}

func TestAdoptMeScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, raw("1", "Adopt me!", "2021-10-15T12:00:00Z"))
	p := h.pipeline(earlyCutoff, false)

	ingest, err := p.Ingest(ctx)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if diff := cmp.Diff(1, ingest.Stored); diff != "" {
		t.Errorf("stored mismatch (-want +got):\n%s", diff)
	}

	want := []model.Item{{ID: "1", Text: "Adopt me!", CreatedAt: time.Date(2021, 10, 15, 12, 0, 0, 0, time.UTC)}}
	if diff := cmp.Diff(want, h.stored(t)); diff != "" {
		t.Fatalf("stored items mismatch (-want +got):\n%s", diff)
	}

	notify, err := p.Notify(ctx)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if !notify.Sent {
		t.Error("expected report to mark the item as sent")
	}

	wantMsgs := []sentMessage{{Destination: destination, Body: "Adopt me!\n\n- Dog"}}
	if diff := cmp.Diff(wantMsgs, h.notifier.getMessages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}

	want[0].Notified = true
	if diff := cmp.Diff(want, h.stored(t)); diff != "" {
		t.Errorf("stored items after notify mismatch (-want +got):\n%s", diff)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		raw("1", "Adopt me!", "2021-10-15T12:00:00Z"),
		raw("2", "Walk time", "2021-10-16T07:30:00.000Z"),
	)
	p := h.pipeline(earlyCutoff, false)

	first, err := p.Ingest(ctx)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := p.Ingest(ctx)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	if diff := cmp.Diff(Report{Fetched: 2, Candidates: 2, Stored: 2}, first); diff != "" {
		t.Errorf("first report mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Report{Fetched: 2, Candidates: 2, Duplicates: 2}, second); diff != "" {
		t.Errorf("second report mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(2, len(h.stored(t))); diff != "" {
		t.Errorf("row count mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(2, h.store.puts); diff != "" {
		t.Errorf("put count mismatch (-want +got):\n%s", diff)
	}
}

func TestIngestSkipsRejectedItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		raw("1", "RT check this out", "2021-10-15T12:00:00Z"),
		raw("2", "new toy https://t.co/x", "2021-10-15T12:00:00Z"),
		raw("3", "thanks @shelter", "2021-10-15T12:00:00Z"),
		raw("4", "old news", "2021-09-01T12:00:00Z"),
		raw("5", "Good dog", "2021-10-15T12:00:00Z"),
	)
	p := h.pipeline(earlyCutoff, false)

	report, err := p.Ingest(ctx)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if diff := cmp.Diff(Report{Fetched: 5, Candidates: 1, Stored: 1}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	stored := h.stored(t)
	if len(stored) != 1 || stored[0].ID != "5" {
		t.Errorf("expected only item 5 stored, got %+v", stored)
	}
	for reason, want := range map[string]float64{"repost": 1, "link": 1, "mention": 1, "stale": 1} {
		if got := testutil.ToFloat64(h.metrics.ItemsRejected.WithLabelValues(reason)); got != want {
			t.Errorf("rejected[%s] = %v, want %v", reason, got, want)
		}
	}
}

func TestNotifySendsAtMostOne(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		raw("3", "Third", "2021-10-17T12:00:00Z"),
		raw("2", "Second", "2021-10-16T12:00:00Z"),
		raw("1", "First", "2021-10-15T12:00:00Z"),
	)
	p := h.pipeline(earlyCutoff, false)

	if _, err := p.Ingest(ctx); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	report, err := p.Notify(ctx)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	msgs := h.notifier.getMessages()
	if diff := cmp.Diff(1, len(msgs)); diff != "" {
		t.Fatalf("message count mismatch (-want +got):\n%s", diff)
	}
	if report.Selected == nil {
		t.Fatal("expected a selected item")
	}

	unsent := 0
	for _, it := range h.stored(t) {
		switch {
		case it.ID == report.Selected.ID:
			if !it.Notified {
				t.Errorf("selected item %s not marked", it.ID)
			}
		case it.Notified:
			t.Errorf("item %s marked without being sent", it.ID)
		default:
			unsent++
		}
	}
	if diff := cmp.Diff(2, unsent); diff != "" {
		t.Errorf("unsent count mismatch (-want +got):\n%s", diff)
	}

	// Each following run drains one more item.
	for i := 0; i < 3; i++ {
		if _, err := p.Notify(ctx); err != nil {
			t.Fatalf("notify run %d: %v", i, err)
		}
	}
	var bodies []string
	for _, m := range h.notifier.getMessages() {
		bodies = append(bodies, m.Body)
	}
	want := []string{"First\n\n- Dog", "Second\n\n- Dog", "Third\n\n- Dog"}
	if diff := cmp.Diff(want, bodies); diff != "" {
		t.Errorf("bodies mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifyNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.pipeline(earlyCutoff, false)

	already := model.Item{ID: "1", Text: "done", CreatedAt: now.Add(-time.Hour), Notified: true}
	if err := h.store.Storage.Put(ctx, already); err != nil {
		t.Fatalf("put: %v", err)
	}

	report, err := p.Notify(ctx)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if report.Selected != nil {
		t.Errorf("expected no selection, got %+v", report.Selected)
	}
	if diff := cmp.Diff(0, len(h.notifier.getMessages())); diff != "" {
		t.Errorf("message count mismatch (-want +got):\n%s", diff)
	}
	if h.store.puts != 0 || h.store.marks != 0 {
		t.Errorf("expected no mutations, got %d puts and %d marks", h.store.puts, h.store.marks)
	}
}

func TestNotifyIgnoresItemsOutsideLookback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.pipeline(earlyCutoff, false)

	old := model.Item{ID: "old", Text: "ancient", CreatedAt: now.Add(-8 * 24 * time.Hour)}
	if err := h.store.Storage.Put(ctx, old); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := p.Notify(ctx); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if diff := cmp.Diff(0, len(h.notifier.getMessages())); diff != "" {
		t.Errorf("message count mismatch (-want +got):\n%s", diff)
	}
}

func TestFailedDeliveryKeepsItemUnsent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, raw("1", "Adopt me!", "2021-10-15T12:00:00Z"))
	h.notifier.err = errors.New("twilio down")
	p := h.pipeline(earlyCutoff, false)

	_, err := p.Run(ctx)
	var delivery *DeliveryError
	if !errors.As(err, &delivery) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if diff := cmp.Diff("1", delivery.ItemID); diff != "" {
		t.Errorf("item id mismatch (-want +got):\n%s", diff)
	}

	stored := h.stored(t)
	if len(stored) != 1 || stored[0].Notified {
		t.Errorf("expected one unsent item, got %+v", stored)
	}
	if h.store.marks != 0 {
		t.Errorf("expected no marks, got %d", h.store.marks)
	}
	if got := testutil.ToFloat64(h.metrics.Notifications.WithLabelValues(metrics.StatusFailed)); got != 1 {
		t.Errorf("failed notifications = %v, want 1", got)
	}

	// The next run retries the same item.
	h.notifier.err = nil
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if diff := cmp.Diff(1, len(h.notifier.getMessages())); diff != "" {
		t.Errorf("message count mismatch (-want +got):\n%s", diff)
	}
}

func TestDryRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, raw("1", "Adopt me!", "2021-10-15T12:00:00Z"))

	pending := model.Item{ID: "0", Text: "Pending", CreatedAt: now.Add(-time.Hour)}
	if err := h.store.Storage.Put(ctx, pending); err != nil {
		t.Fatalf("put: %v", err)
	}

	p := h.pipeline(earlyCutoff, true)
	report, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if diff := cmp.Diff(1, report.Candidates); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
	if report.Selected == nil || report.Selected.ID != "0" {
		t.Errorf("expected pending item to be selected, got %+v", report.Selected)
	}
	if report.Sent {
		t.Error("dry run reported a send")
	}
	if h.store.puts != 0 || h.store.marks != 0 {
		t.Errorf("expected no mutations, got %d puts and %d marks", h.store.puts, h.store.marks)
	}
	if diff := cmp.Diff(0, len(h.notifier.getMessages())); diff != "" {
		t.Errorf("message count mismatch (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(h.metrics.Notifications.WithLabelValues(metrics.StatusDryRun)); got != 1 {
		t.Errorf("dry run notifications = %v, want 1", got)
	}
}

func TestFetchErrorAbortsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.err = errors.New("connection refused")

	pending := model.Item{ID: "0", Text: "Pending", CreatedAt: now.Add(-time.Hour)}
	if err := h.store.Storage.Put(ctx, pending); err != nil {
		t.Fatalf("put: %v", err)
	}

	_, err := h.pipeline(earlyCutoff, false).Run(ctx)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if len(h.notifier.getMessages()) != 0 {
		t.Error("notification phase ran after a fetch error")
	}
	if got := testutil.ToFloat64(h.metrics.LastSuccess); got != 0 {
		t.Errorf("last success = %v, want 0", got)
	}
}

func TestMalformedItemIsFetchError(t *testing.T) {
	h := newHarness(t,
		raw("1", "Good dog", "2021-10-15T12:00:00Z"),
		raw("2", "Broken", "not a date"),
	)
	_, err := h.pipeline(earlyCutoff, false).Ingest(context.Background())

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
}

func TestStorageErrors(t *testing.T) {
	boom := errors.New("database is locked")

	tests := []struct {
		name   string
		setup  func(s *spyStore)
		wantOp string
	}{
		{name: "get", setup: func(s *spyStore) { s.getErr = boom }, wantOp: "get"},
		{name: "put", setup: func(s *spyStore) { s.putErr = boom }, wantOp: "put"},
		{name: "query", setup: func(s *spyStore) { s.queryErr = boom }, wantOp: "query"},
		{name: "mark", setup: func(s *spyStore) { s.markErr = boom }, wantOp: "mark_notified"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, raw("1", "Adopt me!", "2021-10-15T12:00:00Z"))
			tt.setup(h.store)

			_, err := h.pipeline(earlyCutoff, false).Run(context.Background())
			var storageErr *StorageError
			if !errors.As(err, &storageErr) {
				t.Fatalf("expected StorageError, got %v", err)
			}
			if diff := cmp.Diff(tt.wantOp, storageErr.Op); diff != "" {
				t.Errorf("op mismatch (-want +got):\n%s", diff)
			}
			if !errors.Is(err, boom) {
				t.Errorf("expected wrapped cause, got %v", err)
			}
		})
	}
}

func TestMarkNotifiedMissingKeySurfaces(t *testing.T) {
	h := newHarness(t, raw("1", "Adopt me!", "2021-10-15T12:00:00Z"))
	h.store.markErr = storage.ErrNotFound

	_, err := h.pipeline(earlyCutoff, false).Run(context.Background())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPageSizeIsPassedToFetcher(t *testing.T) {
	var items []model.RawItem
	for i := 0; i < 30; i++ {
		items = append(items, raw(string(rune('a'+i)), "Good dog", "2021-10-15T12:00:00Z"))
	}
	h := newHarness(t, items...)

	report, err := h.pipeline(earlyCutoff, false).Ingest(context.Background())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if diff := cmp.Diff(20, report.Fetched); diff != "" {
		t.Errorf("fetched mismatch (-want +got):\n%s", diff)
	}
}
