package lock

import (
	"sort"
	"sync"
	"time"
)

// Record is one owner's hold on one key.
type Record struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	Count      int       `json:"count"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type ownerTable struct {
	mu      sync.Mutex
	records map[string]*Record
	// retired is set once the table has been unlinked from the tracker;
	// writers that raced with the unlink must fetch a fresh table.
	retired bool
}

// Tracker is the process-local reentrancy registry: owner -> key -> Record.
// Each owner has its own table and mutex, so unrelated owners never contend.
type Tracker struct {
	owners sync.Map // map[string]*ownerTable
	now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

func (t *Tracker) table(owner string) *ownerTable {
	if v, ok := t.owners.Load(owner); ok {
		return v.(*ownerTable)
	}
	v, _ := t.owners.LoadOrStore(owner, &ownerTable{records: make(map[string]*Record)})
	return v.(*ownerTable)
}

// withTable runs fn with owner's table locked, retrying if the table was
// retired concurrently.
func (t *Tracker) withTable(owner string, fn func(tbl *ownerTable)) {
	for {
		tbl := t.table(owner)
		tbl.mu.Lock()
		if tbl.retired {
			tbl.mu.Unlock()
			continue
		}
		fn(tbl)
		if len(tbl.records) == 0 {
			tbl.retired = true
			t.owners.CompareAndDelete(owner, tbl)
		}
		tbl.mu.Unlock()
		return
	}
}

func (t *Tracker) Lookup(owner, key string) (Record, bool) {
	v, ok := t.owners.Load(owner)
	if !ok {
		return Record{}, false
	}
	tbl := v.(*ownerTable)
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	rec, ok := tbl.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// RecordAcquire bumps an existing record, keeping its original token, or
// creates one with Count 1 and the given token.
func (t *Tracker) RecordAcquire(owner, key, token string) Record {
	var out Record
	t.withTable(owner, func(tbl *ownerTable) {
		if rec, ok := tbl.records[key]; ok {
			rec.Count++
			out = *rec
			return
		}
		rec := &Record{
			Key:        key,
			Owner:      owner,
			Token:      token,
			Count:      1,
			AcquiredAt: t.now(),
		}
		tbl.records[key] = rec
		out = *rec
	})
	return out
}

// RecordRelease decrements the count for (owner, key). The returned record
// carries the remaining count; when it is 0 the record has been removed and
// the caller must release at the provider. held is false when the owner did
// not hold the key at all.
func (t *Tracker) RecordRelease(owner, key string) (rec Record, held bool) {
	if _, ok := t.owners.Load(owner); !ok {
		return Record{}, false
	}
	t.withTable(owner, func(tbl *ownerTable) {
		r, ok := tbl.records[key]
		if !ok {
			return
		}
		held = true
		r.Count--
		if r.Count <= 0 {
			r.Count = 0
			delete(tbl.records, key)
		}
		rec = *r
	})
	return rec, held
}

// Forget drops a record regardless of its count. Used when the provider
// lease is known to be gone.
func (t *Tracker) Forget(owner, key string) {
	if _, ok := t.owners.Load(owner); !ok {
		return
	}
	t.withTable(owner, func(tbl *ownerTable) {
		delete(tbl.records, key)
	})
}

// Held lists the records of one owner, sorted by key.
func (t *Tracker) Held(owner string) []Record {
	v, ok := t.owners.Load(owner)
	if !ok {
		return nil
	}
	tbl := v.(*ownerTable)
	tbl.mu.Lock()
	out := make([]Record, 0, len(tbl.records))
	for _, rec := range tbl.records {
		out = append(out, *rec)
	}
	tbl.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Snapshot lists every record, sorted by owner then key.
func (t *Tracker) Snapshot() []Record {
	var out []Record
	t.owners.Range(func(_, v any) bool {
		tbl := v.(*ownerTable)
		tbl.mu.Lock()
		for _, rec := range tbl.records {
			out = append(out, *rec)
		}
		tbl.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Key < out[j].Key
	})
	return out
}
