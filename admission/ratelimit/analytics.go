package ratelimit

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// offenderTTL bounds how long a fingerprint stays in the offender table
// after its last rejection; offenderCap bounds the table size so a
// spray of unique keys cannot grow memory.
const (
	offenderTTL = 10 * time.Minute
	offenderCap = 4096
	topN        = 10
)

// Offender is one fingerprint and its rejection count over the trailing
// period.
type Offender struct {
	Key        string `json:"key"`
	Rejections int64  `json:"rejections"`
}

// Report is the aggregate view returned by Engine.Analytics.
type Report struct {
	Checks       int64      `json:"checks"`
	Rejections   int64      `json:"rejections"`
	TopOffenders []Offender `json:"top_offenders"`
}

// Analytics accumulates counters on the check path. The hot-path cost
// is two atomic adds plus, on rejection only, one LRU touch.
type Analytics struct {
	checks     atomic.Int64
	rejections atomic.Int64

	mu        sync.Mutex
	offenders *lru.LRU[string, *atomic.Int64]
}

func newAnalytics() *Analytics {
	return &Analytics{
		offenders: lru.NewLRU[string, *atomic.Int64](offenderCap, nil, offenderTTL),
	}
}

func (a *Analytics) recordCheck(key string, allowed bool) {
	a.checks.Add(1)
	if allowed {
		return
	}
	a.rejections.Add(1)

	a.mu.Lock()
	counter, ok := a.offenders.Get(key)
	if !ok {
		counter = &atomic.Int64{}
		a.offenders.Add(key, counter)
	}
	a.mu.Unlock()
	counter.Add(1)
}

func (a *Analytics) report() Report {
	a.mu.Lock()
	keys := a.offenders.Keys()
	offenders := make([]Offender, 0, len(keys))
	for _, k := range keys {
		if counter, ok := a.offenders.Peek(k); ok {
			offenders = append(offenders, Offender{Key: k, Rejections: counter.Load()})
		}
	}
	a.mu.Unlock()

	sort.Slice(offenders, func(i, j int) bool { return offenders[i].Rejections > offenders[j].Rejections })
	if len(offenders) > topN {
		offenders = offenders[:topN]
	}

	return Report{
		Checks:       a.checks.Load(),
		Rejections:   a.rejections.Load(),
		TopOffenders: offenders,
	}
}
