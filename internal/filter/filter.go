// Package filter implements the candidate predicate applied to fetched items.
package filter

import (
	"strings"
	"time"

	"dogwatch/internal/model"
)

// RepostPrefix marks an item as a repost of someone else's post.
const RepostPrefix = "RT"

var linkMarkers = []string{".com", ".org", "http"}

// StalenessRule decides whether an item is too old to be worth a notification.
type StalenessRule interface {
	Stale(createdAt time.Time) bool
}

// Cutoff rejects items created strictly before Before.
type Cutoff struct {
	Before time.Time
}

// Stale implements StalenessRule.
func (c Cutoff) Stale(createdAt time.Time) bool {
	return createdAt.Before(c.Before)
}

// RollingWindow rejects items older than MaxAge relative to Now.
type RollingWindow struct {
	MaxAge time.Duration
	Now    func() time.Time
}

// Stale implements StalenessRule.
func (w RollingWindow) Stale(createdAt time.Time) bool {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	return createdAt.Before(now().Add(-w.MaxAge))
}

// Never treats every item as fresh.
type Never struct{}

// Stale implements StalenessRule.
func (Never) Stale(time.Time) bool { return false }

// Verdict records which rejection rules fired for an item.
type Verdict struct {
	Stale   bool
	Repost  bool
	Link    bool
	Mention bool
}

// Candidate reports whether no rule fired.
func (v Verdict) Candidate() bool {
	return !v.Stale && !v.Repost && !v.Link && !v.Mention
}

// Filter applies the content heuristics and a staleness rule.
type Filter struct {
	staleness StalenessRule
}

// New creates a Filter. A nil rule disables the staleness check.
func New(rule StalenessRule) *Filter {
	if rule == nil {
		rule = Never{}
	}
	return &Filter{staleness: rule}
}

// Evaluate runs every rule against item. The rules are independent of each other.
func (f *Filter) Evaluate(item model.Item) Verdict {
	return Verdict{
		Stale:   f.staleness.Stale(item.CreatedAt),
		Repost:  strings.HasPrefix(item.Text, RepostPrefix),
		Link:    containsAny(item.Text, linkMarkers),
		Mention: strings.Contains(item.Text, "@"),
	}
}

// IsCandidate reports whether item may be stored and notified.
func (f *Filter) IsCandidate(item model.Item) bool {
	return f.Evaluate(item).Candidate()
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
