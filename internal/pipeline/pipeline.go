// Package pipeline synchronizes the upstream feed into storage and sends
// notifications for stored items.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dogwatch/internal/fetcher"
	"dogwatch/internal/filter"
	"dogwatch/internal/metrics"
	"dogwatch/internal/model"
	"dogwatch/internal/notifier"
	"dogwatch/internal/storage"
)

// DefaultLookback is how far back the notification phase looks for unsent items.
const DefaultLookback = 7 * 24 * time.Hour

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Fetcher  fetcher.Fetcher
	Filter   *filter.Filter
	Store    storage.Storage
	Notifier notifier.Notifier
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Options control a run.
type Options struct {
	Account     string
	PageSize    int
	Destination string
	Signature   string
	Lookback    time.Duration
	// DryRun performs every read and decision but skips writes and sends.
	DryRun bool
}

// Report summarizes a run.
type Report struct {
	Fetched    int
	Candidates int
	Stored     int
	Duplicates int
	// Selected is the item picked by the notification phase, if any.
	Selected *model.Item
	// Sent is false for dry runs and failed deliveries.
	Sent bool
}

// Pipeline runs the ingestion and notification phases.
type Pipeline struct {
	deps Deps
	opts Options
	log  *slog.Logger
	now  func() time.Time
}

// New creates a Pipeline.
func New(deps Deps, opts Options, log *slog.Logger) *Pipeline {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Filter == nil {
		deps.Filter = filter.New(nil)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = fetcher.DefaultPageSize
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	return &Pipeline{deps: deps, opts: opts, log: log, now: time.Now}
}

// SetClock overrides the time source used for the lookback window.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Run executes ingestion and then notification. A failed ingestion skips
// the notification phase.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	var report Report
	start := time.Now()

	err := p.ingest(ctx, &report)
	if err == nil {
		err = p.notify(ctx, &report)
	}
	p.deps.Metrics.Finish(start, err)

	attrs := []any{
		"fetched", report.Fetched,
		"candidates", report.Candidates,
		"stored", report.Stored,
		"duplicates", report.Duplicates,
		"sent", report.Sent,
		"dry_run", p.opts.DryRun,
	}
	if err != nil {
		p.log.Error("run failed", append(attrs, "error", err)...)
		return report, err
	}
	p.log.Info("run complete", attrs...)
	return report, nil
}

// Ingest fetches the latest page and stores new candidate items.
func (p *Pipeline) Ingest(ctx context.Context) (Report, error) {
	var report Report
	err := p.ingest(ctx, &report)
	return report, err
}

// Notify sends at most one notification for an unsent item.
func (p *Pipeline) Notify(ctx context.Context) (Report, error) {
	var report Report
	err := p.notify(ctx, &report)
	return report, err
}

func (p *Pipeline) ingest(ctx context.Context, report *Report) error {
	p.log.Debug("fetching feed", "account", p.opts.Account, "max_results", p.opts.PageSize)

	raws, err := p.deps.Fetcher.FetchRecent(ctx, p.opts.Account, p.opts.PageSize)
	if err != nil {
		return &FetchError{Account: p.opts.Account, Err: err}
	}
	report.Fetched = len(raws)
	p.deps.Metrics.ItemsFetched.Add(float64(len(raws)))

	for _, raw := range raws {
		item, err := model.NewItem(raw)
		if err != nil {
			return &FetchError{Account: p.opts.Account, Err: fmt.Errorf("malformed item: %w", err)}
		}
		if err := p.ingestItem(ctx, item, report); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) ingestItem(ctx context.Context, item model.Item, report *Report) error {
	log := p.log.With("item_id", item.ID, "created_at", model.FormatTimestamp(item.CreatedAt))

	verdict := p.deps.Filter.Evaluate(item)
	log.Debug("evaluated item",
		"stale", verdict.Stale,
		"repost", verdict.Repost,
		"link", verdict.Link,
		"mention", verdict.Mention,
	)
	if !verdict.Candidate() {
		p.deps.Metrics.ItemsRejected.WithLabelValues(rejectReason(verdict)).Inc()
		return nil
	}
	report.Candidates++

	existing, err := p.deps.Store.Get(ctx, item.ID, item.CreatedAt)
	if err != nil {
		return &StorageError{Op: "get", ItemID: item.ID, CreatedAt: item.CreatedAt, Err: err}
	}
	if existing != nil {
		report.Duplicates++
		p.deps.Metrics.Duplicates.Inc()
		log.Debug("item already stored")
		return nil
	}

	if p.opts.DryRun {
		log.Info("dry run, not storing item")
		return nil
	}

	item.Notified = false
	if err := p.deps.Store.Put(ctx, item); err != nil {
		return &StorageError{Op: "put", ItemID: item.ID, CreatedAt: item.CreatedAt, Err: err}
	}
	report.Stored++
	p.deps.Metrics.ItemsStored.Inc()
	log.Info("stored item")
	return nil
}

func (p *Pipeline) notify(ctx context.Context, report *Report) error {
	since := p.now().Add(-p.opts.Lookback)
	items, err := p.deps.Store.QueryNewerThan(ctx, since)
	if err != nil {
		return &StorageError{Op: "query", Err: err}
	}

	item, ok := firstUnsent(items)
	if !ok {
		p.log.Debug("no unsent items", "since", model.FormatTimestamp(since), "scanned", len(items))
		return nil
	}
	report.Selected = &item

	log := p.log.With("item_id", item.ID, "created_at", model.FormatTimestamp(item.CreatedAt))
	body := notifier.Compose(item.Text, p.opts.Signature)

	if p.opts.DryRun {
		p.deps.Metrics.Notifications.WithLabelValues(metrics.StatusDryRun).Inc()
		log.Info("dry run, not sending notification", "body", body)
		return nil
	}

	log.Info("sending notification")
	if err := p.deps.Notifier.Send(ctx, p.opts.Destination, body); err != nil {
		p.deps.Metrics.Notifications.WithLabelValues(metrics.StatusFailed).Inc()
		return &DeliveryError{ItemID: item.ID, CreatedAt: item.CreatedAt, Err: err}
	}
	p.deps.Metrics.Notifications.WithLabelValues(metrics.StatusSent).Inc()

	if err := p.deps.Store.MarkNotified(ctx, item.ID, item.CreatedAt); err != nil {
		log.Error("notification sent but not marked, it will be sent again", "error", err)
		return &StorageError{Op: "mark_notified", ItemID: item.ID, CreatedAt: item.CreatedAt, Err: err}
	}
	report.Sent = true
	return nil
}

// firstUnsent picks the single item a run may notify about. Only one
// notification leaves per run; the rest wait for later invocations.
func firstUnsent(items []model.Item) (model.Item, bool) {
	for _, item := range items {
		if !item.Notified {
			return item, true
		}
	}
	return model.Item{}, false
}

func rejectReason(v filter.Verdict) string {
	switch {
	case v.Stale:
		return "stale"
	case v.Repost:
		return "repost"
	case v.Link:
		return "link"
	default:
		return "mention"
	}
}
