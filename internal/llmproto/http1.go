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
	"bufio"
	"bytes"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/jundorok/honeybeepf/internal/provider"
)

// HTTP1Parser implements Parser over real HTTP/1.1 request/response
// framing: request-line + header parsing, chunked/gzip/SSE response
// decoding.
type HTTP1Parser struct{}

var _ Parser = HTTP1Parser{}

// DetectRequest parses buf as an HTTP/1.1 request. On success it
// consults the registry with the Host header and request path; on a
// provider match it returns that provider and the text its extractor
// pulls from the request body, failing if that text is empty.
func (HTTP1Parser) DetectRequest(buf []byte, reg *provider.Registry) (Detection, bool) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		return Detection{}, false
	}
	host := req.Host
	if host == "" {
		host = req.Header.Get("Host")
	}
	p := reg.FindProvider(host, req.URL.Path)
	if p == nil {
		return Detection{}, false
	}

	body := requestBody(buf)
	text := p.ExtractRequestText(body)
	if strings.TrimSpace(text) == "" {
		return Detection{}, false
	}
	return Detection{Provider: p, Text: text}, true
}

// requestBody returns everything after the first blank-line boundary.
func requestBody(buf []byte) []byte {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil
	}
	return buf[idx+4:]
}

// ParseResponse parses buf as an HTTP/1.1 response, undoing chunked
// transfer encoding and gzip content encoding as declared by headers,
// then either treats the body as a single JSON object or, for SSE
// bodies, extracts the terminal usage-bearing chunk.
func (HTTP1Parser) ParseResponse(buf []byte, p *provider.Provider) (provider.Usage, bool) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(buf)))
	statusLine, err := tp.ReadLine()
	if err != nil || !strings.HasPrefix(statusLine, "HTTP/1.") {
		return provider.Usage{}, false
	}
	headers, err := tp.ReadMIMEHeader()
	if err != nil {
		return provider.Usage{}, false
	}

	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return provider.Usage{}, false
	}
	body := buf[idx+4:]

	if strings.Contains(headers.Get("Transfer-Encoding"), "chunked") {
		decoded, err := decodeChunked(body)
		if err != nil {
			return provider.Usage{}, false
		}
		body = decoded
	}
	if strings.Contains(headers.Get("Content-Encoding"), "gzip") {
		decoded, err := gunzip(body)
		if err != nil {
			return provider.Usage{}, false
		}
		body = decoded
	}

	isSSE := strings.Contains(headers.Get("Content-Type"), "text/event-stream")
	if isSSE {
		payload := sseUsageBody(body)
		if payload == nil {
			return provider.Usage{}, false
		}
		return p.ParseUsage(payload)
	}

	body = bytes.TrimRight(body, " \t\r\n")
	if len(body) == 0 || body[len(body)-1] != '}' {
		return provider.Usage{}, false
	}
	return p.ParseUsage(body)
}
