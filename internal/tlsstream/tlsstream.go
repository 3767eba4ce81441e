/*
Copyright (c) Meta Platforms, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tlsstream reassembles decrypted TLS read/write buffers into
// per-(pid,tid) request/response pairs and hands completed exchanges
// to the LLM protocol dissector.
package tlsstream

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jundorok/honeybeepf/internal/llmproto"
	"github.com/jundorok/honeybeepf/internal/provider"
)

const (
	requestCap       = 8 * 1024 * 1024
	responseCap      = 16 * 1024 * 1024
	initialCapacity  = 8 * 1024
	detectionBudget  = 4096
	idleEvictAfter   = 300 * time.Second
	sweepInterval    = 30 * time.Second
)

// State is the reassembly state machine's current stage for a stream.
type State int

const (
	Detecting State = iota
	ProcessingRequest
	ProcessingResponse
	Finished
)

// Key identifies one TLS stream: the thread id travels in an explicit
// Metadata.Tid field rather than repurposed padding.
type Key struct {
	Pid uint32
	Tid uint32
}

// Summary is the single structured record emitted per completed
// exchange.
type Summary struct {
	Key              Key
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  *int
	RequestStart     time.Time
	ResponseStart    time.Time
	CompletedAt      time.Time
}

// stream holds one (pid,tid)'s reassembly buffers and parse state.
type stream struct {
	state State

	writeBuf []byte
	readBuf  []byte

	parser        llmproto.Parser
	provider      *provider.Provider
	requestStart  time.Time
	responseStart time.Time

	lastActivity time.Time
}

// Emitter receives completed exchange summaries.
type Emitter func(Summary)

// Tracker owns the stream map and drives the reassembly state machine.
type Tracker struct {
	mu      sync.Mutex
	streams map[Key]*stream

	registryFn func() *provider.Registry
	emit       Emitter

	overflowLogged map[Key]bool
}

// NewTracker returns a ready-to-use tracker consulting the fixed
// registry reg for provider/parser detection and invoking emit for
// each completed exchange.
func NewTracker(reg *provider.Registry, emit Emitter) *Tracker {
	return newTracker(func() *provider.Registry { return reg }, emit)
}

// NewTrackerLive is like NewTracker but consults lr.Get() on every
// detection attempt, so a hot-reloaded provider registry (§4.H) takes
// effect on in-flight streams without restarting the agent.
func NewTrackerLive(lr *provider.LiveRegistry, emit Emitter) *Tracker {
	return newTracker(lr.Get, emit)
}

func newTracker(registryFn func() *provider.Registry, emit Emitter) *Tracker {
	return &Tracker{
		streams:        make(map[Key]*stream),
		registryFn:     registryFn,
		emit:           emit,
		overflowLogged: make(map[Key]bool),
	}
}

// Direction distinguishes which half of the connection produced a
// decrypted buffer.
type Direction int

const (
	DirWrite Direction = iota
	DirRead
)

// Observe feeds one decrypted buffer event into the stream for key.
// Handshake-flagged and empty buffers are dropped per §4.F.
func (t *Tracker) Observe(key Key, dir Direction, payload []byte, handshake bool) {
	if handshake || len(payload) == 0 {
		return
	}

	t.mu.Lock()
	s, ok := t.streams[key]
	if !ok {
		s = &stream{
			state:        Detecting,
			writeBuf:     make([]byte, 0, initialCapacity),
			readBuf:      make([]byte, 0, initialCapacity),
			lastActivity: time.Now(),
		}
		t.streams[key] = s
	}
	summary, done := t.advance(key, s, dir, payload)
	t.mu.Unlock()

	if done {
		t.emit(summary)
	}
}

// advance runs the state machine for one event. Caller holds t.mu.
func (t *Tracker) advance(key Key, s *stream, dir Direction, payload []byte) (Summary, bool) {
	now := time.Now()
	s.lastActivity = now

	switch s.state {
	case Finished:
		if dir == DirWrite {
			t.reset(s)
			s.state = Detecting
			return t.advance(key, s, dir, payload)
		}
		return Summary{}, false

	case Detecting:
		if dir != DirWrite {
			return Summary{}, false
		}
		if !t.growWrite(key, s, payload) {
			return Summary{}, false
		}
		if parser, p, ok := detect(s.writeBuf, t.registryFn()); ok {
			s.parser = parser
			s.provider = p
			s.requestStart = now
			s.state = ProcessingRequest
		} else if len(s.writeBuf) > detectionBudget {
			s.state = Finished
		}
		return Summary{}, false

	case ProcessingRequest:
		if dir == DirWrite {
			t.growWrite(key, s, payload)
			return Summary{}, false
		}
		s.responseStart = now
		s.state = ProcessingResponse
		fallthrough

	case ProcessingResponse:
		if dir == DirWrite {
			t.reset(s)
			s.state = Detecting
			return t.advance(key, s, dir, payload)
		}
		if !t.growRead(key, s, payload) {
			return Summary{}, false
		}
		usage, ok := s.parser.ParseResponse(s.readBuf, s.provider)
		if !ok {
			return Summary{}, false
		}
		summary := Summary{
			Key:              key,
			Provider:         s.provider.Name,
			Model:            usage.Model,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			ReasoningTokens:  usage.ReasoningTokens,
			RequestStart:     s.requestStart,
			ResponseStart:    s.responseStart,
			CompletedAt:      now,
		}
		s.state = Finished
		return summary, true
	}
	return Summary{}, false
}

func detect(writeBuf []byte, reg *provider.Registry) (llmproto.Parser, *provider.Provider, bool) {
	var http1 llmproto.HTTP1Parser
	if det, ok := http1.DetectRequest(writeBuf, reg); ok {
		return http1, det.Provider, true
	}
	var http2 llmproto.HTTP2Parser
	if det, ok := http2.DetectRequest(writeBuf, reg); ok {
		return http2, det.Provider, true
	}
	return nil, nil, false
}

func (t *Tracker) growWrite(key Key, s *stream, payload []byte) bool {
	if len(s.writeBuf)+len(payload) > requestCap {
		t.logOverflowOnce(key)
		t.reset(s)
		s.state = Detecting
		return false
	}
	s.writeBuf = append(s.writeBuf, payload...)
	return true
}

func (t *Tracker) growRead(key Key, s *stream, payload []byte) bool {
	if len(s.readBuf)+len(payload) > responseCap {
		t.logOverflowOnce(key)
		t.reset(s)
		s.state = Detecting
		return false
	}
	s.readBuf = append(s.readBuf, payload...)
	return true
}

func (t *Tracker) logOverflowOnce(key Key) {
	if t.overflowLogged[key] {
		return
	}
	t.overflowLogged[key] = true
	log.Warnf("tlsstream: buffer cap exceeded for pid=%d tid=%d, resetting", key.Pid, key.Tid)
}

func (t *Tracker) reset(s *stream) {
	s.writeBuf = s.writeBuf[:0]
	s.readBuf = s.readBuf[:0]
	s.parser = nil
	s.provider = nil
}

// Sweep removes streams idle for longer than idleEvictAfter. Call this
// on a sweepInterval cadence from a single background goroutine.
func (t *Tracker) Sweep() int {
	cutoff := time.Now().Add(-idleEvictAfter)
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, s := range t.streams {
		if s.lastActivity.Before(cutoff) {
			delete(t.streams, key)
			delete(t.overflowLogged, key)
			removed++
		}
	}
	return removed
}

// SweepInterval and IdleEvictAfter expose the sweep cadence constants
// for callers wiring up the background ticker.
func SweepInterval() time.Duration { return sweepInterval }
func IdleEvictAfter() time.Duration { return idleEvictAfter }

// Len reports the current number of tracked streams, for diagnostics.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}
