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

package llmproto

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jundorok/honeybeepf/internal/provider"
)

func TestHTTP1JSONResponseWithUsage(t *testing.T) {
	reg := provider.DefaultRegistry()
	write := []byte("POST /v1/chat/completions HTTP/1.1\r\nHost: api.openai.com\r\n\r\n" +
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	read := []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n" +
		`{"model":"gpt-4","usage":{"prompt_tokens":3,"completion_tokens":7}}`)

	var p HTTP1Parser
	det, ok := p.DetectRequest(write, reg)
	require.True(t, ok)
	require.Equal(t, "openai", det.Provider.Name)

	usage, ok := p.ParseResponse(read, det.Provider)
	require.True(t, ok)
	require.Equal(t, 3, usage.PromptTokens)
	require.Equal(t, 7, usage.CompletionTokens)
	require.Nil(t, usage.ReasoningTokens)
}

func TestHTTP1ChunkedGzipResponse(t *testing.T) {
	reg := provider.DefaultRegistry()
	write := []byte("POST /v1/chat/completions HTTP/1.1\r\nHost: api.openai.com\r\n\r\n" +
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write([]byte(`{"model":"gpt-4","usage":{"prompt_tokens":1,"completion_tokens":2}}`))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	chunked := chunkEncode(gz.Bytes())
	read := []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nTransfer-Encoding: chunked\r\nContent-Encoding: gzip\r\n\r\n")
	read = append(read, chunked...)

	var p HTTP1Parser
	det, ok := p.DetectRequest(write, reg)
	require.True(t, ok)

	usage, ok := p.ParseResponse(read, det.Provider)
	require.True(t, ok)
	require.Equal(t, 1, usage.PromptTokens)
	require.Equal(t, 2, usage.CompletionTokens)
}

func TestHTTP1SSETerminatedByDone(t *testing.T) {
	reg := provider.DefaultRegistry()
	write := []byte("POST /v1/chat/completions HTTP/1.1\r\nHost: api.openai.com\r\n\r\n" +
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)

	body := "data: {\"model\":\"gpt-4\",\"choices\":[]}\n\n" +
		"data: {\"model\":\"gpt-4\",\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":9}}\n\n" +
		"data: [DONE]\n\n"
	read := []byte("HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\n\r\n" + body)

	var p HTTP1Parser
	det, ok := p.DetectRequest(write, reg)
	require.True(t, ok)

	usage, ok := p.ParseResponse(read, det.Provider)
	require.True(t, ok)
	require.Equal(t, 5, usage.PromptTokens)
	require.Equal(t, 9, usage.CompletionTokens)
}

func TestHTTP2GeminiSpliceOverNoise(t *testing.T) {
	reg := provider.DefaultRegistry()
	write := append([]byte{0x00, 0x01, 0xff, 0xfe}, []byte(`{"contents":[{"parts":[{"text":"hello"}]}]}`)...)
	write = append(write, 0x00, 0x00, 0x02)

	var p HTTP2Parser
	det, ok := p.DetectRequest(write, reg)
	require.True(t, ok)
	require.Equal(t, "gemini", det.Provider.Name)
	require.Equal(t, "hello", det.Text)

	read := append([]byte{0xde, 0xad, 0xbe, 0xef},
		[]byte(`{"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":11,"thoughtsTokenCount":17},"modelVersion":"gemini-1.5-pro"}`)...)
	read = append(read, 0x00, 0x01)

	usage, ok := p.ParseResponse(read, det.Provider)
	require.True(t, ok)
	require.Equal(t, 4, usage.PromptTokens)
	require.Equal(t, 11, usage.CompletionTokens)
	require.NotNil(t, usage.ReasoningTokens)
	require.Equal(t, 17, *usage.ReasoningTokens)
	require.Equal(t, "gemini-1.5-pro", usage.Model)
}

func TestHTTP2RejectsHTTP1Traffic(t *testing.T) {
	var p HTTP2Parser
	reg := provider.DefaultRegistry()
	buf := []byte("GET /v1/messages HTTP/1.1\r\n\r\n")
	_, ok := p.DetectRequest(buf, reg)
	require.False(t, ok)
}

func TestChunkedDecoderIdempotence(t *testing.T) {
	original := []byte("the quick brown fox jumps over the lazy dog, repeated a few times to span multiple chunks")
	encoded := chunkEncode(original)

	decodedOnce, err := decodeChunked(encoded)
	require.NoError(t, err)
	require.Equal(t, original, decodedOnce)

	decodedTwice, err := decodeChunked(decodedOnce)
	require.NoError(t, err)
	require.Equal(t, decodedOnce, decodedTwice)
}

func TestExtractBalancedJSONIgnoresBracesInStrings(t *testing.T) {
	buf := []byte(`noise {"a": "contains } brace", "b": {"nested": 1}} trailing`)
	objs := extractBalancedJSON(buf)
	require.Len(t, objs, 1)
	require.Equal(t, `{"a": "contains } brace", "b": {"nested": 1}}`, string(objs[0]))
}

// chunkEncode is a test helper producing valid HTTP/1.1 chunked framing
// for arbitrary bytes, split into a handful of chunks.
func chunkEncode(data []byte) []byte {
	var out bytes.Buffer
	const chunkSize = 16
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		fmt.Fprintf(&out, "%x\r\n", n)
		out.Write(data[:n])
		out.WriteString("\r\n")
		data = data[n:]
	}
	out.WriteString("0\r\n\r\n")
	return out.Bytes()
}
