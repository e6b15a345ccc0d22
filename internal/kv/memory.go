package kv

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

type entry struct {
	str     string
	list    []string
	expires time.Time // zero means no expiry
}

// MemoryStore is a single-process Store for development and tests.
// It is not safe to share between instances.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time

	calls   int
	failErr error
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{data: make(map[string]*entry), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the entry for key, dropping it if expired. Caller holds mu.
func (s *MemoryStore) live(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *MemoryStore) begin() error {
	s.calls++
	return s.failErr
}

func (s *MemoryStore) IncrWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return 0, err
	}
	e := s.live(key)
	if e == nil {
		e = &entry{str: "0"}
		s.data[key] = e
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.str = strconv.FormatInt(n, 10)
	if e.expires.IsZero() && ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	return n, nil
}

func (s *MemoryStore) IncrByFloatWithExpiry(_ context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return 0, err
	}
	e := s.live(key)
	if e == nil {
		e = &entry{str: "0"}
		s.data[key] = e
	}
	f, err := strconv.ParseFloat(e.str, 64)
	if err != nil {
		return 0, err
	}
	f += delta
	e.str = strconv.FormatFloat(f, 'f', -1, 64)
	if e.expires.IsZero() && ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	return f, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return 0, err
	}
	e := s.live(key)
	if e == nil || e.expires.IsZero() {
		return 0, nil
	}
	return e.expires.Sub(s.now()), nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return "", false, err
	}
	e := s.live(key)
	if e == nil {
		return "", false, nil
	}
	return e.str, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	e := &entry{str: value}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		if s.live(k) != nil {
			delete(s.data, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PushTrimmed(_ context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	e := s.live(key)
	if e == nil {
		e = &entry{}
		s.data[key] = e
	}
	e.list = append([]string{value}, e.list...)
	if maxLen > 0 && int64(len(e.list)) > maxLen {
		e.list = e.list[:maxLen]
	}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) Range(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	out := make([]string, len(e.list))
	copy(out, e.list)
	return out, nil
}

func (s *MemoryStore) CountPrefix(_ context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return 0, err
	}
	var n int64
	for k := range s.data {
		if strings.HasPrefix(k, prefix) && s.live(k) != nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begin()
}

// CallCount returns the number of operations performed so far, so tests can
// assert that a code path never reached the store.
func (s *MemoryStore) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// SetErr makes every subsequent operation fail with err (nil clears it).
func (s *MemoryStore) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}
