package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store used when no Redis address is configured and
// throughout the test suite. Expiry is evaluated lazily on access plus a
// periodic sweep, so idle keys do not accumulate without bound.
type Memory struct {
	mu      sync.Mutex
	strings map[string]memEntry
	zsets   map[string]*memZSet
	stop    chan struct{}
	once    sync.Once
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

type memZSet struct {
	members   []zMember // kept sorted by score ascending
	expiresAt time.Time
}

type zMember struct {
	score  float64
	member string
}

// NewMemory constructs an in-memory store and starts its sweep goroutine.
func NewMemory() *Memory {
	m := &Memory{
		strings: make(map[string]memEntry),
		zsets:   make(map[string]*memZSet),
		stop:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Close stops the background sweep.
func (m *Memory) Close() { m.once.Do(func() { close(m.stop) }) }

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.strings {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(m.strings, k)
				}
			}
			for k, z := range m.zsets {
				if !z.expiresAt.IsZero() && now.After(z.expiresAt) {
					delete(m.zsets, k)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) getLocked(key string) (memEntry, bool) {
	e, ok := m.strings[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.strings, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) zsetLocked(key string) (*memZSet, bool) {
	z, ok := m.zsets[key]
	if !ok {
		return nil, false
	}
	if !z.expiresAt.IsZero() && time.Now().After(z.expiresAt) {
		delete(m.zsets, key)
		return nil, false
	}
	return z, true
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.getLocked(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.strings[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.getLocked(key)
	var n int64
	if ok {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	m.strings[key] = memEntry{value: strconv.FormatInt(n, 10), expiresAt: e.expiresAt}
	return n, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline := time.Now().Add(ttl)
	if e, ok := m.getLocked(key); ok {
		e.expiresAt = deadline
		m.strings[key] = e
	}
	if z, ok := m.zsetLocked(key); ok {
		z.expiresAt = deadline
	}
	return nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsetLocked(key)
	if !ok {
		z = &memZSet{}
		m.zsets[key] = z
	}
	// replace an existing member, Redis-style
	for i, mm := range z.members {
		if mm.member == member {
			z.members = append(z.members[:i], z.members[i+1:]...)
			break
		}
	}
	idx := sort.Search(len(z.members), func(i int) bool { return z.members[i].score > score })
	z.members = append(z.members, zMember{})
	copy(z.members[idx+1:], z.members[idx:])
	z.members[idx] = zMember{score: score, member: member}
	return nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsetLocked(key)
	if !ok {
		return nil, nil
	}
	var out []string
	for _, mm := range z.members {
		if mm.score >= min && mm.score <= max {
			out = append(out, mm.member)
		}
	}
	return out, nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsetLocked(key)
	if !ok {
		return 0, nil
	}
	kept := z.members[:0]
	var removed int64
	for _, mm := range z.members {
		if mm.score >= min && mm.score <= max {
			removed++
			continue
		}
		kept = append(kept, mm)
	}
	z.members = kept
	return removed, nil
}

func (m *Memory) ZCount(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsetLocked(key)
	if !ok {
		return 0, nil
	}
	var n int64
	for _, mm := range z.members {
		if mm.score >= min && mm.score <= max {
			n++
		}
	}
	return n, nil
}
