// Package sublist fans device events out to live subscribers keyed by IMEI.
package sublist

import (
	"context"
	"encoding/json"
	"sync"

	"nuha.dev/avlgate/internal/avl/event"
)

// Subscriber receives encoded events. Push returns true once the subscriber
// is closed, it is then dropped from the list.
type Subscriber interface {
	Push(key string, data []byte) (closed bool)
}

type SublistMap struct {
	mu   sync.Mutex
	list map[string]*Sublist
}

type Sublist struct {
	key        string
	mu         sync.Mutex
	list       map[Subscriber]bool
	data       []byte
	event_data []byte
}

func NewSublistMap() *SublistMap {
	return &SublistMap{list: make(map[string]*Sublist)}
}

func (s *SublistMap) GetSublist(key string, create bool) (*Sublist, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.list[key]
	if ok {
		return l, true
	}
	if !create {
		return nil, false
	}
	l = &Sublist{key: key, list: make(map[Subscriber]bool)}
	s.list[key] = l
	return l, true
}

// Subscribe adds sub to the sublist of key, creating it when needed.
func (s *SublistMap) Subscribe(key string, sub Subscriber) *Sublist {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.list[key]
	if !ok {
		l = &Sublist{key: key, list: make(map[Subscriber]bool)}
		s.list[key] = l
	}
	l.Subscribe(sub)
	return l
}

// Unsubscribe removes sub from the sublist of key. A sublist left without
// subscribers and without replay data is dropped from the map.
func (s *SublistMap) Unsubscribe(key string, sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.list[key]
	if !ok {
		return
	}
	l.Unsubscribe(sub)
	if l.idle() {
		delete(s.list, key)
	}
}

func (s *SublistMap) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Handle is an event.Handler routing bus events to the sublist of their device.
func (s *SublistMap) Handle(_ context.Context, topic, id string, data interface{}) {
	var imei string
	switch e := data.(type) {
	case event.Fix:
		imei = e.IMEI
	case event.Connected:
		imei = e.IMEI
	case event.Disconnected:
		imei = e.IMEI
	default:
		return
	}
	l, ok := s.GetSublist(imei, false)
	if !ok {
		return
	}
	b := encode(topic, id, data)
	if b == nil {
		return
	}
	if topic == event.TopicFix {
		l.SendLocation(b)
	} else {
		l.SendEvent(b)
	}
}

// Subscribe adds sub and replays the last known location and event.
func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.list[sub] = true
	if s.data != nil {
		sub.Push(s.key, s.data)
	}
	if s.event_data != nil {
		sub.Push(s.key, s.event_data)
	}
	s.mu.Unlock()
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

func (s *Sublist) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list) == 0 && s.data == nil && s.event_data == nil
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

func (s *Sublist) SendLocation(d []byte) {
	s.mu.Lock()
	s.data = d
	s.send(d)
	s.mu.Unlock()
}

func (s *Sublist) SendEvent(d []byte) {
	s.mu.Lock()
	s.event_data = d
	s.send(d)
	s.mu.Unlock()
}

func (s *Sublist) send(d []byte) {
	for sub := range s.list {
		if closed := sub.Push(s.key, d); closed {
			delete(s.list, sub)
		}
	}
}

type message struct {
	ID    string      `json:"id"`
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

func encode(topic, id string, data interface{}) []byte {
	b, err := json.Marshal(message{ID: id, Topic: topic, Data: data})
	if err != nil {
		return nil
	}
	return b
}
