package tenant

import (
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

// maxRecordsPerKind bounds memory the same way the teacher's usage.Tracker
// bounds its record slice, pruning the oldest entries once exceeded.
const maxRecordsPerKind = 100_000

type usageRecord struct {
	at time.Time
	n  int64
}

// quotaWindows tracks per-QuotaKind usage records for one tenant. Records
// are not pruned by age: record drops the oldest only once a kind holds more
// than maxRecordsPerKind, and sum skips records outside its window.
type quotaWindows struct {
	mu      sync.Mutex
	records map[core.QuotaKind][]usageRecord
}

func newQuotaWindows() *quotaWindows {
	return &quotaWindows{records: make(map[core.QuotaKind][]usageRecord)}
}

func (w *quotaWindows) record(kind core.QuotaKind, n int64, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	recs := append(w.records[kind], usageRecord{at: at, n: n})
	if len(recs) > maxRecordsPerKind {
		recs = recs[len(recs)-maxRecordsPerKind:]
	}
	w.records[kind] = recs
}

// sum totals usage for kind within [at-window, at]. A zero window means "all
// time", used for kinds with no rolling window in quota's windowFor.
func (w *quotaWindows) sum(kind core.QuotaKind, window time.Duration, at time.Time) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	var cutoff time.Time
	if window > 0 {
		cutoff = at.Add(-window)
	}

	var total int64
	for _, r := range w.records[kind] {
		if r.at.After(at) {
			continue
		}
		if window > 0 && r.at.Before(cutoff) {
			continue
		}
		total += r.n
	}
	return total
}
