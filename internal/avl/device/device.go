// Package device keeps the live connectivity and fix state of every tracker
// seen since start.
package device

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/avlgate/internal/avl/codec8"
)

type Phase string

const (
	Connecting Phase = "connecting"
	Connected  Phase = "connected"
)

const shardCount = 32

type Position struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

type State struct {
	Phase            Phase     `json:"phase"`
	HasFix           bool      `json:"fix"`
	Satellites       uint8     `json:"sats"`
	LastFix          *Position `json:"last"`
	LastFixTimestamp *int64    `json:"last_ts"`
	Online           bool      `json:"online"`
	LastSeenAt       time.Time `json:"last_seen"`
}

// Entry is a state together with its key, as returned by All.
type Entry struct {
	IMEI string `json:"imei"`
	State
}

func (s *State) MarshalObject(e *log.Entry) {
	e.Str("phase", string(s.Phase)).Bool("fix", s.HasFix).Int("sats", int(s.Satellites)).Bool("online", s.Online)
	if s.LastFix != nil {
		e.Float64("lat", s.LastFix.Latitude).Float64("lon", s.LastFix.Longitude)
	}
}

func (s *State) clone() State {
	c := *s
	if s.LastFix != nil {
		p := *s.LastFix
		c.LastFix = &p
	}
	if s.LastFixTimestamp != nil {
		ts := *s.LastFixTimestamp
		c.LastFixTimestamp = &ts
	}
	return c
}

type shard struct {
	mu   sync.RWMutex
	list map[string]*State
}

// Store maps device identifiers to their live state. Keys are spread over a
// fixed set of shards, each guarded by its own lock.
type Store struct {
	shards [shardCount]*shard
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{list: make(map[string]*State)}
	}
	return s
}

func (s *Store) shard(imei string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(imei))
	return s.shards[h.Sum32()%shardCount]
}

// Register marks imei as freshly connected. A known device is reset to the
// connecting defaults, its last fix included.
func (s *Store) Register(imei string, now time.Time) State {
	sh := s.shard(imei)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.list[imei]
	if !ok {
		st = &State{}
		sh.list[imei] = st
	}
	st.Phase = Connecting
	st.HasFix = false
	st.Satellites = 0
	st.LastFix = nil
	st.LastFixTimestamp = nil
	st.Online = true
	st.LastSeenAt = now
	return st.clone()
}

// Touch records inbound traffic for imei. Unknown identifiers are ignored.
func (s *Store) Touch(imei string, now time.Time) {
	sh := s.shard(imei)
	sh.mu.Lock()
	if st, ok := sh.list[imei]; ok {
		st.Online = true
		st.LastSeenAt = now
	}
	sh.mu.Unlock()
}

// ApplyFrame folds the records of one frame into the state of imei, in
// order. The last fix bearing record provides the position. Without any fix
// the satellite count of the last record is kept and the last position stays.
func (s *Store) ApplyFrame(imei string, recs []codec8.Record) (State, bool) {
	var fix *codec8.Record
	var lastSats uint8
	for i := range recs {
		lastSats = recs[i].Satellites
		if recs[i].HasFix() {
			fix = &recs[i]
		}
	}

	sh := s.shard(imei)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.list[imei]
	if !ok {
		return State{}, false
	}
	if fix != nil {
		ts := fix.Timestamp
		st.Phase = Connected
		st.HasFix = true
		st.Satellites = fix.Satellites
		st.LastFix = &Position{Latitude: fix.Latitude, Longitude: fix.Longitude}
		st.LastFixTimestamp = &ts
	} else {
		st.Phase = Connecting
		st.HasFix = false
		st.Satellites = lastSats
	}
	return st.clone(), true
}

func (s *Store) MarkOffline(imei string) {
	sh := s.shard(imei)
	sh.mu.Lock()
	if st, ok := sh.list[imei]; ok {
		st.Online = false
	}
	sh.mu.Unlock()
}

func (s *Store) Get(imei string) (State, bool) {
	sh := s.shard(imei)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	st, ok := sh.list[imei]
	if !ok {
		return State{}, false
	}
	return st.clone(), true
}

// All returns a copy of every entry sorted by identifier. Shards are read one
// at a time so the result is not a single point in time snapshot.
func (s *Store) All() []Entry {
	out := make([]Entry, 0, s.Len())
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, st := range sh.list {
			out = append(out, Entry{IMEI: k, State: st.clone()})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IMEI < out[j].IMEI })
	return out
}

func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.list)
		sh.mu.RUnlock()
	}
	return n
}

// Online counts devices currently marked online.
func (s *Store) Online() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, st := range sh.list {
			if st.Online {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}
