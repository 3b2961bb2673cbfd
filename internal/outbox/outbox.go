// Package outbox decouples committing domain events from publishing them:
// events are enqueued as records, leased in batches, and retried with
// backoff until published or terminally failed.
package outbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type Status int

const (
	Pending Status = iota
	InFlight
	Published
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Published:
		return "published"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Record is one enqueued event. The id is stable for the life of the record
// and doubles as the consumer-side dedup key.
type Record struct {
	ID            string
	Type          string
	Payload       []byte
	CreatedAt     time.Time
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LockedUntil   time.Time
	LastError     string
}

// Outbox is an in-memory record queue. All operations serialize on one
// mutex. Records are held in insertion order, which is created_at order,
// so leasing is FIFO and deterministic.
type Outbox struct {
	mu      sync.Mutex
	records []*Record
	byID    map[string]*Record
	now     func() time.Time
}

func New() *Outbox {
	return &Outbox{
		byID: make(map[string]*Record),
		now:  time.Now,
	}
}

// Enqueue serializes the event and appends a Pending record eligible for
// immediate lease.
func (o *Outbox) Enqueue(event Event) (Record, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Record{}, fmt.Errorf("serialize %s: %w", event.EventName(), err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	rec := &Record{
		ID:            uuid.New().String(),
		Type:          event.EventName(),
		Payload:       payload,
		CreatedAt:     now,
		Status:        Pending,
		NextAttemptAt: now,
	}
	o.records = append(o.records, rec)
	o.byID[rec.ID] = rec
	return *rec, nil
}

// TryLeaseBatch marks up to batchSize due, unlocked records InFlight for
// lease and returns copies of them, oldest first. Published and Failed
// records are never leased; an expired lock makes a record eligible again.
func (o *Outbox) TryLeaseBatch(now time.Time, batchSize int, lease time.Duration) []Record {
	o.mu.Lock()
	defer o.mu.Unlock()

	var leased []Record
	for _, rec := range o.records {
		if len(leased) >= batchSize {
			break
		}
		if rec.Status == Published || rec.Status == Failed {
			continue
		}
		if rec.NextAttemptAt.After(now) || rec.LockedUntil.After(now) {
			continue
		}
		rec.Status = InFlight
		rec.LockedUntil = now.Add(lease)
		leased = append(leased, *rec)
	}
	return leased
}

// MarkPublished finalizes records after the bus confirmed them.
func (o *Outbox) MarkPublished(ids ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, id := range ids {
		rec, ok := o.byID[id]
		if !ok {
			continue
		}
		rec.Status = Published
		rec.LockedUntil = time.Time{}
		rec.LastError = ""
	}
}

// MarkFailedOrReschedule records a publish failure: attempts increments,
// the lock clears, and the record either becomes Pending again with a new
// next-attempt time or terminally Failed.
func (o *Outbox) MarkFailedOrReschedule(id, lastError string, nextAttemptAt time.Time, status Status) {
	if status != Pending && status != Failed {
		panic(fmt.Sprintf("outbox: invalid failure status %v", status))
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.byID[id]
	if !ok {
		return
	}
	rec.Attempts++
	rec.Status = status
	rec.NextAttemptAt = nextAttemptAt
	rec.LockedUntil = time.Time{}
	rec.LastError = lastError
}

// Record returns a copy of a record by id.
func (o *Outbox) Record(id string) (Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.byID[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// CountByStatus reports how many records are in each status.
func (o *Outbox) CountByStatus() map[Status]int {
	o.mu.Lock()
	defer o.mu.Unlock()

	counts := make(map[Status]int)
	for _, rec := range o.records {
		counts[rec.Status]++
	}
	return counts
}
