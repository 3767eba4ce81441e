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
	"strings"

	"github.com/jundorok/honeybeepf/internal/provider"
)

// HTTP2Parser operates directly on plaintext bytes presented at the
// library boundary: HPACK and frame layers are assumed already applied
// above it, so the parser only ever sees contiguous JSON payloads
// spliced across frames, possibly surrounded by arbitrary binary
// noise.
type HTTP2Parser struct{}

var _ Parser = HTTP2Parser{}

// DetectRequest rejects buffers that look like HTTP/1.1 traffic, then
// scans for balanced-brace JSON objects and asks each candidate's
// content against every configured provider's extractor.
func (HTTP2Parser) DetectRequest(buf []byte, reg *provider.Registry) (Detection, bool) {
	if hasHTTP1MethodPrefix(buf) {
		return Detection{}, false
	}
	if !looksLLMShaped(buf) {
		return Detection{}, false
	}

	for _, obj := range extractBalancedJSON(buf) {
		for i := range reg.Providers {
			p := &reg.Providers[i]
			text := p.ExtractRequestText(obj)
			if strings.TrimSpace(text) != "" {
				return Detection{Provider: p, Text: text}, true
			}
		}
	}
	return Detection{}, false
}

// ParseResponse scans buf for balanced-brace JSON objects and returns
// the usage recovered from the first one that actually carries usage
// fields, skipping request-shaped echoes that lack one.
func (HTTP2Parser) ParseResponse(buf []byte, p *provider.Provider) (provider.Usage, bool) {
	for _, obj := range extractBalancedJSON(buf) {
		usage, ok := p.ParseUsage(obj)
		if !ok {
			continue
		}
		if usage.Failed {
			return usage, true
		}
		if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
			continue
		}
		return usage, true
	}
	return provider.Usage{}, false
}
