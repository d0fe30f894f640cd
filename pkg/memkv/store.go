// Package memkv is a small sharded in-memory byte store with per-key TTL.
// The relay server keeps its per-request session state here: upload
// reassembly buffers and the response resend cache, both of which must
// vanish on their own when a peer disappears mid-transfer.
package memkv

import (
	"sync"
	"sync/atomic"
	"time"
)

type Options struct {
	// Shards spreads lock contention (default 64).
	Shards int
	// SweepInterval is how often the background sweeper scans for expired
	// entries (default 1s). Reads also expire lazily, so the sweeper only
	// bounds memory for keys nobody touches again.
	SweepInterval time.Duration
	// MaxBytes caps the total stored value size; Set fails beyond it
	// (0 = unlimited).
	MaxBytes uint64
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	return o
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano, 0 = never
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

// Store is safe for concurrent use. Values are copied on Set and Get.
type Store struct {
	opts   Options
	shards []shard
	done   chan struct{}
	wg     sync.WaitGroup

	nowFn func() time.Time

	mKeys    atomic.Int64
	mBytes   atomic.Int64
	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mExpired atomic.Uint64
}

func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:   opts,
		shards: make([]shard, opts.Shards),
		done:   make(chan struct{}),
		nowFn:  time.Now,
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*entry)
	}
	s.wg.Add(1)
	go s.sweeper()
	return s
}

func (s *Store) Close() {
	close(s.done)
	s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
	// FNV-1a
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[h%uint64(len(s.shards))]
}

func (s *Store) expireAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.nowFn().Add(ttl).UnixNano()
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Set stores a value. It returns false when MaxBytes would be exceeded.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev, existed := sh.m[key]
	oldLen := 0
	if existed {
		oldLen = len(prev.val)
	}
	if s.opts.MaxBytes > 0 {
		projected := s.mBytes.Load() + int64(len(val)-oldLen)
		if projected > int64(s.opts.MaxBytes) {
			return false
		}
	}
	sh.m[key] = &entry{val: clone(val), expireAt: s.expireAt(ttl)}
	s.mBytes.Add(int64(len(val) - oldLen))
	if !existed {
		s.mKeys.Add(1)
	}
	return true
}

// Get returns a copy of the value, expiring lazily.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := s.liveLocked(sh, key)
	if e == nil {
		s.mMisses.Add(1)
		return nil, false
	}
	s.mHits.Add(1)
	return clone(e.val), true
}

// GetDel returns the value and removes the key in one step.
func (s *Store) GetDel(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := s.liveLocked(sh, key)
	if e == nil {
		s.mMisses.Add(1)
		return nil, false
	}
	s.removeLocked(sh, key, e)
	s.mHits.Add(1)
	return e.val, true
}

// Update rewrites the value in place via fn, keeping the remaining TTL.
// It returns false when the key is absent or expired.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := s.liveLocked(sh, key)
	if e == nil {
		return false
	}
	oldLen := len(e.val)
	next := fn(e.val)
	if s.opts.MaxBytes > 0 {
		projected := s.mBytes.Load() + int64(len(next)-oldLen)
		if projected > int64(s.opts.MaxBytes) {
			return false
		}
	}
	e.val = clone(next)
	s.mBytes.Add(int64(len(next) - oldLen))
	return true
}

func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok {
		return false
	}
	s.removeLocked(sh, key, e)
	return true
}

// Expire resets the TTL. ttl <= 0 deletes the key.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return s.Delete(key)
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := s.liveLocked(sh, key)
	if e == nil {
		return false
	}
	e.expireAt = s.expireAt(ttl)
	return true
}

// TTL reports the remaining lifetime; 0,true means no expiry is set.
func (s *Store) TTL(key string) (time.Duration, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := s.liveLocked(sh, key)
	if e == nil {
		return 0, false
	}
	if e.expireAt == 0 {
		return 0, true
	}
	return time.Duration(e.expireAt - s.nowFn().UnixNano()), true
}

func (s *Store) Len() int { return int(s.mKeys.Load()) }

// Stats is a point-in-time metrics snapshot.
type Stats struct {
	Keys    int64
	Bytes   int64
	Hits    uint64
	Misses  uint64
	Expired uint64
}

func (s *Store) Metrics() Stats {
	return Stats{
		Keys:    s.mKeys.Load(),
		Bytes:   s.mBytes.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Expired: s.mExpired.Load(),
	}
}

// liveLocked returns the entry when present and unexpired, removing it
// when its deadline has passed. Caller holds sh.mu.
func (s *Store) liveLocked(sh *shard, key string) *entry {
	e, ok := sh.m[key]
	if !ok {
		return nil
	}
	if e.expireAt != 0 && e.expireAt <= s.nowFn().UnixNano() {
		s.removeLocked(sh, key, e)
		s.mExpired.Add(1)
		return nil
	}
	return e
}

func (s *Store) removeLocked(sh *shard, key string, e *entry) {
	delete(sh.m, key)
	s.mKeys.Add(-1)
	s.mBytes.Add(int64(-len(e.val)))
}

func (s *Store) sweeper() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
		}
		now := s.nowFn().UnixNano()
		for i := range s.shards {
			sh := &s.shards[i]
			sh.mu.Lock()
			for k, e := range sh.m {
				if e.expireAt != 0 && e.expireAt <= now {
					s.removeLocked(sh, k, e)
					s.mExpired.Add(1)
				}
			}
			sh.mu.Unlock()
		}
	}
}
