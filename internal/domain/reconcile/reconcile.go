// Package reconcile merges the snapshot and live message sources into one view.
package reconcile

import (
	"fmt"
	"sync"

	"jan-server/services/chat-sync/internal/domain/message"
)

// Policy selects how the two sources are combined.
type Policy string

const (
	// PolicyLiveWins shows the live set whenever it is non-empty and the
	// snapshot otherwise. Sources are never mixed.
	PolicyLiveWins Policy = "live-wins"
	// PolicyUnion merges both sources by id.
	PolicyUnion Policy = "union"
)

// ParsePolicy resolves a configured policy name.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case "", PolicyLiveWins:
		return PolicyLiveWins, nil
	case PolicyUnion:
		return PolicyUnion, nil
	}
	return "", fmt.Errorf("unknown reconcile policy %q", name)
}

// Source identifies which input produced a view.
type Source string

const (
	SourceNone     Source = "none"
	SourceSnapshot Source = "snapshot"
	SourceLive     Source = "live"
	SourceMerged   Source = "merged"
)

// Reconcile combines snapshot and live with PolicyLiveWins.
func Reconcile(snapshot, live []message.Message) []message.Message {
	view, _ := Merge(PolicyLiveWins, snapshot, live)
	return view
}

// Merge combines the sources with the given policy. The result is sorted by
// (CreatedAt, ID) and holds each id at most once.
func Merge(policy Policy, snapshot, live []message.Message) ([]message.Message, Source) {
	if policy == PolicyUnion {
		return union(snapshot, live)
	}
	if len(live) > 0 {
		return message.SortByKey(dedupe(live)), SourceLive
	}
	if len(snapshot) > 0 {
		return message.SortByKey(dedupe(snapshot)), SourceSnapshot
	}
	return []message.Message{}, SourceNone
}

// dedupe keeps the last occurrence of each id, at the position of the first.
func dedupe(in []message.Message) []message.Message {
	index := make(map[string]int, len(in))
	out := make([]message.Message, 0, len(in))
	for _, m := range in {
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

func union(snapshot, live []message.Message) ([]message.Message, Source) {
	if len(snapshot) == 0 && len(live) == 0 {
		return []message.Message{}, SourceNone
	}

	byID := make(map[string]message.Message, len(snapshot)+len(live))
	order := make([]string, 0, len(snapshot)+len(live))
	// Later CreatedAt wins; on a tie the entry seen last wins, so live beats snapshot.
	add := func(m message.Message) {
		existing, ok := byID[m.ID]
		if !ok {
			order = append(order, m.ID)
			byID[m.ID] = m
			return
		}
		if !m.CreatedAt.Before(existing.CreatedAt) {
			byID[m.ID] = m
		}
	}
	for _, m := range snapshot {
		add(m)
	}
	for _, m := range live {
		add(m)
	}

	out := make([]message.Message, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}

	source := SourceMerged
	switch {
	case len(live) == 0:
		source = SourceSnapshot
	case len(snapshot) == 0:
		source = SourceLive
	}
	return message.SortByKey(out), source
}

// ViewChange is emitted whenever the reconciled view is recomputed with a
// different content.
type ViewChange struct {
	Messages []message.Message
	Count    int
	Source   Source
}

// Observer receives view changes in the order they were computed. It must not
// call back into ApplySnapshot or ApplyLive.
type Observer func(ViewChange)

// Reconciler holds the latest snapshot and live sets of one conversation and
// recomputes the view whenever either is replaced.
type Reconciler struct {
	applyMu  sync.Mutex
	mu       sync.Mutex
	policy   Policy
	snapshot []message.Message
	live     []message.Message
	view     []message.Message
	source   Source
	observer Observer
}

// New creates a Reconciler. observer may be nil.
func New(policy Policy, observer Observer) *Reconciler {
	return &Reconciler{
		policy:   policy,
		view:     []message.Message{},
		source:   SourceNone,
		observer: observer,
	}
}

// ApplySnapshot replaces the snapshot source with the result of a fetch.
func (r *Reconciler) ApplySnapshot(messages []message.Message) []message.Message {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.mu.Lock()
	r.snapshot = message.Clone(messages)
	return r.recomputeLocked()
}

// ApplyLive replaces the live source with the latest pushed set.
func (r *Reconciler) ApplyLive(messages []message.Message) []message.Message {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.mu.Lock()
	r.live = message.Clone(messages)
	return r.recomputeLocked()
}

// View returns a copy of the current reconciled view.
func (r *Reconciler) View() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return message.Clone(r.view)
}

// Len returns the number of messages in the current view.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.view)
}

// Source returns the source the current view came from.
func (r *Reconciler) Source() Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

// Contains reports whether the view holds a message with the given id.
func (r *Reconciler) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.view {
		if m.ID == id {
			return true
		}
	}
	return false
}

// recomputeLocked must be called with r.mu held and releases it before
// notifying the observer, so readers are never blocked by it.
func (r *Reconciler) recomputeLocked() []message.Message {
	view, source := Merge(r.policy, r.snapshot, r.live)
	changed := !equal(r.view, view)
	r.view = view
	r.source = source
	out := message.Clone(view)
	observer := r.observer
	r.mu.Unlock()

	if changed && observer != nil {
		observer(ViewChange{Messages: message.Clone(out), Count: len(out), Source: source})
	}
	return out
}

func equal(a, b []message.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
