package memkv

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore(opts Options) (*Store, *time.Time) {
	s := New(opts)
	now := time.Now()
	s.nowFn = func() time.Time { return now }
	return s, &now
}

func TestSetGetRoundTrip(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	if !s.Set("k", []byte("v"), 0) {
		t.Fatalf("set failed")
	}
	got, ok := s.Get("k")
	if !ok || string(got) != "v" {
		t.Fatalf("get: %q %v", got, ok)
	}
	// the returned slice is a copy
	got[0] = 'X'
	again, _ := s.Get("k")
	if string(again) != "v" {
		t.Fatalf("store value aliased by caller mutation")
	}
}

func TestLazyExpiry(t *testing.T) {
	s, now := newTestStore(Options{SweepInterval: time.Hour})
	defer s.Close()

	s.Set("k", []byte("v"), time.Second)
	if _, ok := s.Get("k"); !ok {
		t.Fatalf("fresh key missing")
	}
	*now = now.Add(2 * time.Second)
	if _, ok := s.Get("k"); ok {
		t.Fatalf("expired key still readable")
	}
	if s.Len() != 0 {
		t.Fatalf("expired key still counted")
	}
}

func TestGetDelRemoves(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	s.Set("k", []byte("v"), 0)
	v, ok := s.GetDel("k")
	if !ok || string(v) != "v" {
		t.Fatalf("getdel: %q %v", v, ok)
	}
	if _, ok := s.Get("k"); ok {
		t.Fatalf("key survived getdel")
	}
}

func TestUpdateAppendsUnderLock(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	s.Set("buf", nil, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Update("buf", func(old []byte) []byte {
					return append(old, 'x')
				})
			}
		}()
	}
	wg.Wait()
	got, _ := s.Get("buf")
	if len(got) != 800 {
		t.Fatalf("lost updates: len=%d want 800", len(got))
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{'x'}, 800)) {
		t.Fatalf("corrupted value")
	}
}

func TestUpdateMissingKey(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	if s.Update("nope", func(old []byte) []byte { return old }) {
		t.Fatalf("update invented a key")
	}
}

func TestMaxBytesRejectsOversize(t *testing.T) {
	s := New(Options{MaxBytes: 10})
	defer s.Close()

	if !s.Set("a", []byte("12345"), 0) {
		t.Fatalf("first set within limit failed")
	}
	if s.Set("b", []byte("1234567"), 0) {
		t.Fatalf("set beyond limit accepted")
	}
	// replacing a value accounts for the freed bytes
	if !s.Set("a", []byte("1234567890"), 0) {
		t.Fatalf("replacement within limit failed")
	}
}

func TestExpireExtendsLifetime(t *testing.T) {
	s, now := newTestStore(Options{SweepInterval: time.Hour})
	defer s.Close()

	s.Set("k", []byte("v"), time.Second)
	if !s.Expire("k", time.Minute) {
		t.Fatalf("expire failed")
	}
	*now = now.Add(10 * time.Second)
	if _, ok := s.Get("k"); !ok {
		t.Fatalf("extended key expired early")
	}
	d, ok := s.TTL("k")
	if !ok || d <= 0 || d > time.Minute {
		t.Fatalf("ttl %v %v", d, ok)
	}
}

func TestSweeperReclaimsUntouchedKeys(t *testing.T) {
	s := New(Options{SweepInterval: 10 * time.Millisecond})
	defer s.Close()

	for i := 0; i < 50; i++ {
		s.Set(fmt.Sprintf("k%d", i), []byte("v"), 20*time.Millisecond)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sweeper left %d keys", s.Len())
}
