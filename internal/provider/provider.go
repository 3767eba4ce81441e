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

// Package provider implements the config-driven LLM provider registry:
// matching a request's host/path to a provider, extracting request text
// for detection, and parsing usage fields out of a response JSON body.
package provider

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ExtractorKind is the closed set of request-text extraction strategies.
type ExtractorKind string

const (
	ExtractorMessages ExtractorKind = "messages"
	ExtractorContents ExtractorKind = "contents"
	ExtractorPrompt   ExtractorKind = "prompt"
	ExtractorNone     ExtractorKind = "none"
)

// ResponseConfig describes where usage information lives in a
// provider's JSON response body.
type ResponseConfig struct {
	UsagePath        string `json:"usagePath" yaml:"usagePath"`
	PromptField      string `json:"promptField" yaml:"promptField"`
	CompletionField  string `json:"completionField" yaml:"completionField"`
	ReasoningField   string `json:"reasoningField,omitempty" yaml:"reasoningField,omitempty"`
	ModelPath        string `json:"modelPath" yaml:"modelPath"`
}

// Provider is one entry in the registry.
type Provider struct {
	Name      string         `json:"name" yaml:"name"`
	Hosts     []string       `json:"hosts" yaml:"hosts"`
	Paths     []string       `json:"paths" yaml:"paths"`
	Response  ResponseConfig `json:"response" yaml:"response"`
	Extractor ExtractorKind  `json:"extractor" yaml:"extractor"`
}

// Registry is an ordered sequence of provider configurations; the first
// match wins.
type Registry struct {
	Providers []Provider `json:"providers" yaml:"providers"`
}

// FindProvider returns the first provider whose host/path substrings
// match. An empty Hosts or Paths list matches anything.
func (r *Registry) FindProvider(host, path string) *Provider {
	for i := range r.Providers {
		p := &r.Providers[i]
		if matchesAny(p.Hosts, host) && matchesAny(p.Paths, path) {
			return p
		}
	}
	return nil
}

func matchesAny(substrings []string, value string) bool {
	if len(substrings) == 0 {
		return true
	}
	for _, s := range substrings {
		if s != "" && strings.Contains(value, s) {
			return true
		}
	}
	return false
}

// Usage is the outcome of a successful ParseUsage call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  *int
	Model            string
	Failed           bool // set when the response carried a top-level "error" field
}

// DetectRequest reports whether body's extractor yields nonempty text.
func (p *Provider) DetectRequest(body []byte) bool {
	return strings.TrimSpace(p.ExtractRequestText(body)) != ""
}

// ExtractRequestText extracts the request's natural-language content
// per the provider's configured extractor kind.
func (p *Provider) ExtractRequestText(body []byte) string {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return ""
	}
	switch p.Extractor {
	case ExtractorMessages:
		return extractMessages(root)
	case ExtractorContents:
		return extractContents(root)
	case ExtractorPrompt:
		if s, ok := root["prompt"].(string); ok {
			return s
		}
		return ""
	default:
		return ""
	}
}

func extractMessages(root map[string]any) string {
	msgs, ok := root["messages"].([]any)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, m := range msgs {
		mm, ok := m.(map[string]any)
		if !ok {
			continue
		}
		switch content := mm["content"].(type) {
		case string:
			sb.WriteString(content)
		case []any:
			for _, part := range content {
				pm, ok := part.(map[string]any)
				if !ok {
					continue
				}
				if text, ok := pm["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
	}
	return sb.String()
}

func extractContents(root map[string]any) string {
	contents, ok := root["contents"].([]any)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, c := range contents {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		parts, ok := cm["parts"].([]any)
		if !ok {
			continue
		}
		for _, part := range parts {
			pm, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := pm["text"].(string); ok {
				sb.WriteString(text)
			}
		}
	}
	return sb.String()
}

// ParseUsage reads the usage object via the provider's configured dot
// path and returns the recovered token counts, or ok=false if any
// required field is missing or non-numeric. An explicit top-level
// "error" field short-circuits to a zero-token, Failed record.
func (p *Provider) ParseUsage(body []byte) (Usage, bool) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return Usage{}, false
	}
	if _, hasError := root["error"]; hasError {
		return Usage{Failed: true}, true
	}

	usageNode, ok := dotPath(root, p.Response.UsagePath)
	if !ok {
		return Usage{}, false
	}
	usage, ok := usageNode.(map[string]any)
	if !ok {
		return Usage{}, false
	}

	promptTokens, ok := numberField(usage, p.Response.PromptField)
	if !ok {
		return Usage{}, false
	}
	completionTokens, ok := numberField(usage, p.Response.CompletionField)
	if !ok {
		return Usage{}, false
	}

	result := Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}
	if p.Response.ReasoningField != "" {
		if n, ok := numberField(usage, p.Response.ReasoningField); ok {
			result.ReasoningTokens = &n
		}
	}
	if model, ok := dotPath(root, p.Response.ModelPath); ok {
		if s, ok := model.(string); ok {
			result.Model = s
		}
	}
	return result, true
}

func numberField(m map[string]any, field string) (int, bool) {
	v, ok := m[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case json.Number:
		i, err := strconv.Atoi(n.String())
		return i, err == nil
	default:
		return 0, false
	}
}

// dotPath navigates root via a "." separated path, e.g. "usage" or
// "response.usage". An empty path returns root itself.
func dotPath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	var cur any = root
	for _, segment := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
