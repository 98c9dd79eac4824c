// Package memory implements kv.Store in-process, for unit tests and for the
// single-process deployment mode where a networked Redis is unnecessary.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/corerun/corerun/kv"
)

type entry struct {
	value   string
	expires time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

type stream struct {
	entries []kv.StreamEntry
	seq     int64
	groups  map[string]*consumerGroup
}

type consumerGroup struct {
	nextIdx int // index into stream.entries of the next unread entry
	pending map[string]bool
}

// Store is an in-memory, goroutine-safe implementation of kv.Store. Data
// does not survive process restart and is not shared across processes.
type Store struct {
	mu       sync.Mutex
	data     map[string]entry
	sets     map[string]map[string]struct{}
	lists    map[string][]string
	streams  map[string]*stream
	subs     map[string][]chan string
}

var _ kv.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		data:    make(map[string]entry),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][]string),
		streams: make(map[string]*stream),
		subs:    make(map[string][]chan string),
	}
}

func (s *Store) expireLocked(key string) {
	if e, ok := s.data[key]; ok && e.expired(time.Now()) {
		delete(s.data, key)
	}
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	e, ok := s.data[key]
	if !ok {
		return "", kv.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	if _, ok := s.data[key]; ok {
		return false, nil
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	s.data[key] = e
	return true, nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
		delete(s.sets, k)
		delete(s.lists, k)
	}
	return nil
}

func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	e := s.data[key]
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n++
	e.value = strconv.FormatInt(n, 10)
	s.data[key] = e
	return n, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return kv.ErrNotFound
	}
	e.expires = time.Now().Add(ttl)
	s.data[key] = e
	return nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	e, ok := s.data[key]
	if !ok {
		return 0, kv.ErrNotFound
	}
	if e.expires.IsZero() {
		return -1, nil
	}
	return time.Until(e.expires), nil
}

func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (s *Store) Scan(_ context.Context, pattern string, fn func(key string) bool) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	for _, k := range keys {
		if !globMatch(pattern, k) {
			continue
		}
		if !fn(k) {
			return nil
		}
	}
	return nil
}

// globMatch supports the subset of Redis glob patterns actually used by
// this module: literal segments and a single trailing or embedded "*".
func globMatch(pattern, key string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == key
	}
	parts := strings.Split(pattern, "*")
	rest := key
	for i, p := range parts {
		if p == "" {
			continue
		}
		idx := strings.Index(rest, p)
		if idx == -1 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		rest = rest[idx+len(p):]
	}
	return parts[len(parts)-1] == "" || strings.HasSuffix(key, parts[len(parts)-1])
}

func (s *Store) LPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		s.lists[key] = append([]string{v}, s.lists[key]...)
	}
	return nil
}

func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	lo, hi := normalizeRange(start, stop, int64(len(list)))
	if lo > hi {
		return []string{}, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, list[lo:hi+1])
	return out, nil
}

func (s *Store) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	lo, hi := normalizeRange(start, stop, int64(len(list)))
	if lo > hi {
		s.lists[key] = nil
		return nil
	}
	s.lists[key] = append([]string(nil), list[lo:hi+1]...)
	return nil
}

func normalizeRange(start, stop, length int64) (int64, int64) {
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	return start, stop
}

func (s *Store) Publish(_ context.Context, channel, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (s *Store) Subscribe(_ context.Context, channel string) (<-chan string, func(), error) {
	s.mu.Lock()
	ch := make(chan string, 64)
	s.subs[channel] = append(s.subs[channel], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[channel]
		for i, c := range subs {
			if c == ch {
				s.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel, nil
}

func (s *Store) getStreamLocked(key string) *stream {
	st, ok := s.streams[key]
	if !ok {
		st = &stream{groups: make(map[string]*consumerGroup)}
		s.streams[key] = st
	}
	return st
}

func (s *Store) XAdd(_ context.Context, key string, maxLen int64, fields map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getStreamLocked(key)
	st.seq++
	id := strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + strconv.FormatInt(st.seq, 10)
	st.entries = append(st.entries, kv.StreamEntry{ID: id, Fields: fields})
	if maxLen > 0 && int64(len(st.entries)) > maxLen {
		drop := int64(len(st.entries)) - maxLen
		st.entries = st.entries[drop:]
		for _, g := range st.groups {
			g.nextIdx -= int(drop)
			if g.nextIdx < 0 {
				g.nextIdx = 0
			}
		}
	}
	return id, nil
}

func (s *Store) XRange(_ context.Context, key, start, end string, count int64) ([]kv.StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return nil, nil
	}
	var out []kv.StreamEntry
	for _, e := range st.entries {
		if start != "-" && e.ID < start {
			continue
		}
		if end != "+" && e.ID > end {
			continue
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (s *Store) XLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return 0, nil
	}
	return int64(len(st.entries)), nil
}

func (s *Store) XGroupCreate(_ context.Context, key, group, startID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getStreamLocked(key)
	if _, ok := st.groups[group]; ok {
		return nil
	}
	idx := 0
	if startID == "$" {
		idx = len(st.entries)
	}
	st.groups[group] = &consumerGroup{nextIdx: idx, pending: make(map[string]bool)}
	return nil
}

func (s *Store) XReadGroup(_ context.Context, key, group, _ string, count int64, _ time.Duration) ([]kv.StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return nil, nil
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, nil
	}
	var out []kv.StreamEntry
	for g.nextIdx < len(st.entries) {
		e := st.entries[g.nextIdx]
		g.nextIdx++
		g.pending[e.ID] = true
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (s *Store) XAck(_ context.Context, key, group string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return nil
	}
	g, ok := st.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chs := range s.subs {
		for _, ch := range chs {
			close(ch)
		}
	}
	s.subs = make(map[string][]chan string)
	return nil
}
