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

package tlsstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jundorok/honeybeepf/internal/provider"
)

func TestTrackerEndToEndHTTP1(t *testing.T) {
	var got *Summary
	tr := NewTracker(provider.DefaultRegistry(), func(s Summary) {
		cp := s
		got = &cp
	})

	key := Key{Pid: 100, Tid: 100}
	write := []byte("POST /v1/chat/completions HTTP/1.1\r\nHost: api.openai.com\r\n\r\n" +
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	read := []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n" +
		`{"model":"gpt-4","usage":{"prompt_tokens":3,"completion_tokens":7}}`)

	tr.Observe(key, DirWrite, write, false)
	tr.Observe(key, DirRead, read, false)

	require.NotNil(t, got)
	require.Equal(t, "openai", got.Provider)
	require.Equal(t, 3, got.PromptTokens)
	require.Equal(t, 7, got.CompletionTokens)
	require.Nil(t, got.ReasoningTokens)
}

func TestTrackerIgnoresHandshakeAndEmptyEvents(t *testing.T) {
	emitted := false
	tr := NewTracker(provider.DefaultRegistry(), func(Summary) { emitted = true })

	key := Key{Pid: 1, Tid: 1}
	tr.Observe(key, DirWrite, []byte("irrelevant"), true)
	tr.Observe(key, DirWrite, nil, false)

	require.Equal(t, 0, tr.Len())
	require.False(t, emitted)
}

func TestTrackerDetectingGivesUpAfterBudget(t *testing.T) {
	tr := NewTracker(provider.DefaultRegistry(), func(Summary) {})
	key := Key{Pid: 2, Tid: 2}

	noise := make([]byte, detectionBudget+1)
	for i := range noise {
		noise[i] = 'x'
	}
	tr.Observe(key, DirWrite, noise, false)

	tr.mu.Lock()
	s := tr.streams[key]
	tr.mu.Unlock()
	require.Equal(t, Finished, s.state)
}

func TestTrackerRequestBufferOverflowResets(t *testing.T) {
	tr := NewTracker(provider.DefaultRegistry(), func(Summary) {})
	key := Key{Pid: 3, Tid: 3}

	big := make([]byte, requestCap+1)
	tr.Observe(key, DirWrite, big, false)

	tr.mu.Lock()
	s := tr.streams[key]
	tr.mu.Unlock()
	require.Equal(t, 0, len(s.writeBuf))
}

func TestTrackerNewWriteAfterFinishedResetsStream(t *testing.T) {
	count := 0
	tr := NewTracker(provider.DefaultRegistry(), func(Summary) { count++ })
	key := Key{Pid: 4, Tid: 4}

	write := []byte("POST /v1/chat/completions HTTP/1.1\r\nHost: api.openai.com\r\n\r\n" +
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	read := []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n" +
		`{"model":"gpt-4","usage":{"prompt_tokens":1,"completion_tokens":1}}`)

	tr.Observe(key, DirWrite, write, false)
	tr.Observe(key, DirRead, read, false)
	require.Equal(t, 1, count)

	tr.Observe(key, DirWrite, write, false)
	tr.mu.Lock()
	s := tr.streams[key]
	tr.mu.Unlock()
	require.Equal(t, ProcessingRequest, s.state)
}

func TestSweepEvictsIdleStreams(t *testing.T) {
	tr := NewTracker(provider.DefaultRegistry(), func(Summary) {})
	key := Key{Pid: 5, Tid: 5}
	tr.Observe(key, DirWrite, []byte("some bytes"), false)

	tr.mu.Lock()
	tr.streams[key].lastActivity = time.Now().Add(-idleEvictAfter - time.Second)
	tr.mu.Unlock()

	removed := tr.Sweep()
	require.Equal(t, 1, removed)
	require.Equal(t, 0, tr.Len())
}

func TestStreamIsolationAcrossKeys(t *testing.T) {
	var summaries []Summary
	tr := NewTracker(provider.DefaultRegistry(), func(s Summary) { summaries = append(summaries, s) })

	keyA := Key{Pid: 10, Tid: 10}
	keyB := Key{Pid: 20, Tid: 20}

	writeA := []byte("POST /v1/chat/completions HTTP/1.1\r\nHost: api.openai.com\r\n\r\n" +
		`{"model":"gpt-4","messages":[{"role":"user","content":"a"}]}`)
	writeB := []byte("POST /v1/messages HTTP/1.1\r\nHost: api.anthropic.com\r\n\r\n" +
		`{"model":"claude-3","messages":[{"role":"user","content":"b"}]}`)

	tr.Observe(keyA, DirWrite, writeA, false)
	tr.Observe(keyB, DirWrite, writeB, false)

	tr.mu.Lock()
	sa := tr.streams[keyA]
	sb := tr.streams[keyB]
	tr.mu.Unlock()

	require.Equal(t, "openai", sa.provider.Name)
	require.Equal(t, "anthropic", sb.provider.Name)
	require.NotEqual(t, sa, sb)
}
