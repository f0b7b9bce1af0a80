package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"gatehouse/admission/ddos"
	"gatehouse/admission/ratelimit"
)

var (
	counterBucket = []byte("counters")
	scoreBucket   = []byte("scores")
)

// Bolt is the embedded persistent store for single-instance
// deployments that need counters and blocks to survive a restart.
// bbolt serializes writers, which is what makes Incr and Update
// linearizable here; expired records are swept by a janitor since the
// database has no native TTL.
type Bolt struct {
	db   *bolt.DB
	done chan struct{}

	now func() time.Time
}

type boltCounter struct {
	Count     int64 `json:"count"`
	Start     int64 `json:"start"`      // unix ms
	ExpiresAt int64 `json:"expires_at"` // unix ms
}

type boltScore struct {
	Score     ddos.Score `json:"score"`
	ExpiresAt int64      `json:"expires_at"`
}

func OpenBolt(path string, sweepEvery time.Duration) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{counterBucket, scoreBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt store: %w", err)
	}

	b := &Bolt{db: db, done: make(chan struct{}), now: time.Now}
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	go b.sweepLoop(sweepEvery)
	return b, nil
}

func (b *Bolt) Close() error {
	close(b.done)
	return b.db.Close()
}

var _ ratelimit.Store = (*Bolt)(nil)
var _ ddos.Store = (*Bolt)(nil)

// Incr implements ratelimit.Store.
func (b *Bolt) Incr(_ context.Context, key string, cost, limit int64, window time.Duration) (ratelimit.Window, error) {
	var win ratelimit.Window
	nowMs := b.now().UnixMilli()

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(counterBucket)

		var rec boltCounter
		if data := bucket.Get([]byte(key)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				rec = boltCounter{}
			}
		}

		if rec.Start == 0 || nowMs-rec.Start >= window.Milliseconds() {
			rec = boltCounter{Start: nowMs}
		}

		logical := rec.Count + cost
		rec.Count = logical
		if rec.Count > limit {
			rec.Count = limit
		}
		rec.ExpiresAt = nowMs + window.Milliseconds()

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return err
		}

		start := time.UnixMilli(rec.Start)
		win = ratelimit.Window{Count: logical, Start: start, Reset: start.Add(window)}
		return nil
	})
	if err != nil {
		return ratelimit.Window{}, fmt.Errorf("incr %q: %w", key, err)
	}
	return win, nil
}

// Update implements ddos.Store.
func (b *Bolt) Update(_ context.Context, ip string, ttl time.Duration, fn func(*ddos.Score)) (ddos.Score, error) {
	var out ddos.Score

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(scoreBucket)

		var rec boltScore
		if data := bucket.Get([]byte(ip)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				rec = boltScore{}
			}
		}

		fn(&rec.Score)
		rec.ExpiresAt = b.now().Add(ttl).UnixMilli()
		out = rec.Score

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(ip), data)
	})
	if err != nil {
		return ddos.Score{}, fmt.Errorf("score update %q: %w", ip, err)
	}
	return out, nil
}

// GetScore implements ddos.Inspector.
func (b *Bolt) GetScore(_ context.Context, ip string) (ddos.Score, bool, error) {
	var rec boltScore
	found := false

	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(scoreBucket).Get([]byte(ip))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return ddos.Score{}, false, fmt.Errorf("score get %q: %w", ip, err)
	}
	return rec.Score, found, nil
}

// ScoreStats implements ddos.StatsProvider.
func (b *Bolt) ScoreStats(_ context.Context, now time.Time) (tracked, blocked int, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(scoreBucket).ForEach(func(_, data []byte) error {
			var rec boltScore
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil
			}
			tracked++
			if rec.Score.Blocked(now) {
				blocked++
			}
			return nil
		})
	})
	return tracked, blocked, err
}

func (b *Bolt) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep drops expired records from both buckets.
func (b *Bolt) sweep() {
	nowMs := b.now().UnixMilli()

	_ = b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{counterBucket, scoreBucket} {
			bucket := tx.Bucket(name)
			c := bucket.Cursor()
			var stale [][]byte
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var probe struct {
					ExpiresAt int64 `json:"expires_at"`
				}
				if err := json.Unmarshal(v, &probe); err != nil {
					stale = append(stale, append([]byte(nil), k...))
					continue
				}
				if probe.ExpiresAt > 0 && probe.ExpiresAt < nowMs {
					stale = append(stale, append([]byte(nil), k...))
				}
			}
			for _, k := range stale {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
