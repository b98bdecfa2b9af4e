// Package audit records every publish attempt made through the gateway.
//
// A Trail stores Records. MemoryTrail keeps the most recent ones in a ring
// buffer; SQLiteRepository persists them in the publish_audit table; Tee
// writes to several trails and reads from the first.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/factory-core/internal/buffer"
)

// Publish outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// List limits.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Record is one publish attempt.
type Record struct {
	ID        string          `json:"id"`
	Domain    string          `json:"domain"`
	Topic     string          `json:"topic"`
	QoS       int             `json:"qos"`
	Retain    bool            `json:"retain"`
	Outcome   string          `json:"outcome"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Filter selects records. Empty fields match everything.
type Filter struct {
	Domain  string
	Topic   string
	Outcome string
	Limit   int // default 50, max 200
	Offset  int
}

// ListResult is one page of records, newest first.
type ListResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Trail stores and lists publish records.
type Trail interface {
	Record(ctx context.Context, rec *Record) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// prepare fills the generated fields of rec.
func prepare(rec *Record) {
	if rec.ID == "" {
		rec.ID = "pub-" + uuid.NewString()[:8]
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
}

func (f *Filter) clamp() {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

func (f Filter) matches(r Record) bool {
	return (f.Domain == "" || f.Domain == r.Domain) &&
		(f.Topic == "" || f.Topic == r.Topic) &&
		(f.Outcome == "" || f.Outcome == r.Outcome)
}

// MemoryTrail keeps the most recent records in memory.
type MemoryTrail struct {
	ring *buffer.Ring[Record]
}

// NewMemoryTrail creates a trail holding up to size records.
func NewMemoryTrail(size int) *MemoryTrail {
	return &MemoryTrail{ring: buffer.NewRing[Record](size)}
}

// Record implements Trail.
func (m *MemoryTrail) Record(_ context.Context, rec *Record) error {
	prepare(rec)
	stored := *rec
	stored.Payload = append(json.RawMessage(nil), rec.Payload...)
	m.ring.Push(stored)
	return nil
}

// List implements Trail.
func (m *MemoryTrail) List(_ context.Context, filter Filter) (*ListResult, error) {
	filter.clamp()

	all := m.ring.Snapshot()
	matched := make([]Record, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if filter.matches(all[i]) {
			matched = append(matched, all[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	res := &ListResult{Records: []Record{}, Total: len(matched), Limit: filter.Limit, Offset: filter.Offset}
	if filter.Offset < len(matched) {
		end := min(filter.Offset+filter.Limit, len(matched))
		res.Records = append(res.Records, matched[filter.Offset:end]...)
	}
	return res, nil
}

// Len returns the number of records held.
func (m *MemoryTrail) Len() int { return m.ring.Len() }

// Tee writes to every trail and lists from the first.
type Tee []Trail

// Record writes rec to every trail, returning the joined errors.
func (t Tee) Record(ctx context.Context, rec *Record) error {
	prepare(rec)
	var errs []error
	for _, trail := range t {
		if err := trail.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List implements Trail.
func (t Tee) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if len(t) == 0 {
		filter.clamp()
		return &ListResult{Records: []Record{}, Limit: filter.Limit, Offset: filter.Offset}, nil
	}
	return t[0].List(ctx, filter)
}
