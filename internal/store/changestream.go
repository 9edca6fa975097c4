package store

import (
	"context"
	"sort"

	"github.com/sakif/daily-survey/internal/model"
)

// ChangeKind classifies one row-level change between two committed states.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeDelete
	ChangeMove
	ChangeUpdate
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeDelete:
		return "delete"
	case ChangeMove:
		return "move"
	case ChangeUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Position is a (section, row) coordinate in the rendered list.
type Position struct {
	Section int `json:"section"`
	Row     int `json:"row"`
}

// RowChange is one change event. Deletes carry Old, inserts carry New,
// moves carry both, updates carry both (equal).
type RowChange struct {
	Kind  ChangeKind    `json:"kind"`
	RowID string        `json:"rowId"`
	Type  model.RowType `json:"type"`
	Old   *Position     `json:"old,omitempty"`
	New   *Position     `json:"new,omitempty"`
}

// Batch is the complete, ordered event set for one commit: section
// inserts/deletes first (ascending), then row deletes, inserts, moves and
// updates, each group in (section, row) order. A batch is emitted atomically
// — subscribers never see two commits interleaved.
type Batch struct {
	SectionInserts []int       `json:"sectionInserts,omitempty"`
	SectionDeletes []int       `json:"sectionDeletes,omitempty"`
	Changes        []RowChange `json:"changes,omitempty"`
}

// Empty reports whether the commit changed nothing the renderer cares about.
func (b Batch) Empty() bool {
	return len(b.SectionInserts) == 0 && len(b.SectionDeletes) == 0 && len(b.Changes) == 0
}

// ChangeStream is a hot subscription to the store's commit diffs.
type ChangeStream struct {
	ch chan Batch
}

// Events is the stream of per-commit batches, in commit order. The channel
// closes when the subscription's context is cancelled, the store closes, or
// the subscriber falls too far behind.
func (cs *ChangeStream) Events() <-chan Batch {
	return cs.ch
}

// Observe subscribes to commit diffs. Events for commits that happened
// before Observe returns are not replayed; render the current Snapshot
// first, then apply batches.
func (s *Store) Observe(ctx context.Context) *ChangeStream {
	cs := &ChangeStream{ch: make(chan Batch, 64)}

	s.subMu.Lock()
	s.subs[cs] = struct{}{}
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.unsubscribe(cs)
	}()

	return cs
}

func (s *Store) unsubscribe(cs *ChangeStream) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[cs]; ok {
		delete(s.subs, cs)
		close(cs.ch)
	}
}

// publish runs on the writer goroutine, so batches reach every subscriber
// in commit order. A subscriber whose buffer is full is dropped rather than
// allowed to stall the writer.
func (s *Store) publish(batch Batch) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for cs := range s.subs {
		select {
		case cs.ch <- batch:
		default:
			if s.logger != nil {
				s.logger.Warn("change stream subscriber lagging, dropping it")
			}
			delete(s.subs, cs)
			close(cs.ch)
		}
	}
}

// diffRows computes the ordered event batch turning the old committed row
// set into the new one. Both inputs are ordered by (section, row).
//
// Row identity is the store-assigned id: a surviving id at a new position is
// a move, at the same position with a newer LastModified an update. This is
// what lets the projection reuse rows instead of delete-and-recreate — the
// renderer sees a cheap move/update instead of churn.
func diffRows(oldRows, newRows []model.Row) Batch {
	oldByID := make(map[string]model.Row, len(oldRows))
	for _, r := range oldRows {
		oldByID[r.ID] = r
	}
	newByID := make(map[string]model.Row, len(newRows))
	for _, r := range newRows {
		newByID[r.ID] = r
	}

	var batch Batch
	batch.SectionInserts = sectionDiff(newRows, oldRows)
	batch.SectionDeletes = sectionDiff(oldRows, newRows)

	var deletes, inserts, moves, updates []RowChange

	for _, r := range oldRows {
		if _, ok := newByID[r.ID]; !ok {
			deletes = append(deletes, RowChange{
				Kind:  ChangeDelete,
				RowID: r.ID,
				Type:  r.Type,
				Old:   &Position{Section: r.Section, Row: r.Index},
			})
		}
	}

	for _, r := range newRows {
		old, ok := oldByID[r.ID]
		pos := Position{Section: r.Section, Row: r.Index}
		switch {
		case !ok:
			inserts = append(inserts, RowChange{
				Kind:  ChangeInsert,
				RowID: r.ID,
				Type:  r.Type,
				New:   &pos,
			})
		case old.Section != r.Section || old.Index != r.Index:
			moves = append(moves, RowChange{
				Kind:  ChangeMove,
				RowID: r.ID,
				Type:  r.Type,
				Old:   &Position{Section: old.Section, Row: old.Index},
				New:   &pos,
			})
		case r.LastModified.After(old.LastModified):
			oldPos := pos
			updates = append(updates, RowChange{
				Kind:  ChangeUpdate,
				RowID: r.ID,
				Type:  r.Type,
				Old:   &oldPos,
				New:   &pos,
			})
		}
	}

	batch.Changes = append(batch.Changes, deletes...)
	batch.Changes = append(batch.Changes, inserts...)
	batch.Changes = append(batch.Changes, moves...)
	batch.Changes = append(batch.Changes, updates...)
	return batch
}

// sectionDiff returns the section indices occupied in a but not in b,
// ascending.
func sectionDiff(a, b []model.Row) []int {
	inB := make(map[int]bool)
	for _, r := range b {
		inB[r.Section] = true
	}
	seen := make(map[int]bool)
	var out []int
	for _, r := range a {
		if !inB[r.Section] && !seen[r.Section] {
			seen[r.Section] = true
			out = append(out, r.Section)
		}
	}
	sort.Ints(out)
	return out
}
