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

package provider

// DefaultRegistry returns the built-in provider set covering an
// OpenAI-style API, an Anthropic-style API, and a Gemini-style API.
// Its exact contents are part of the contract (spec.md §4.H) and must
// ship unchanged.
func DefaultRegistry() *Registry {
	return &Registry{
		Providers: []Provider{
			{
				Name:  "openai",
				Hosts: []string{"api.openai.com"},
				Paths: []string{"/v1/chat/completions", "/v1/completions", "/v1/responses"},
				Response: ResponseConfig{
					UsagePath:       "usage",
					PromptField:     "prompt_tokens",
					CompletionField: "completion_tokens",
					ReasoningField:  "reasoning_tokens",
					ModelPath:       "model",
				},
				Extractor: ExtractorMessages,
			},
			{
				Name:  "anthropic",
				Hosts: []string{"api.anthropic.com"},
				Paths: []string{"/v1/messages"},
				Response: ResponseConfig{
					UsagePath:       "usage",
					PromptField:     "input_tokens",
					CompletionField: "output_tokens",
					ModelPath:       "model",
				},
				Extractor: ExtractorMessages,
			},
			{
				Name:  "gemini",
				Hosts: []string{"generativelanguage.googleapis.com"},
				Paths: []string{"generateContent", "streamGenerateContent"},
				Response: ResponseConfig{
					UsagePath:       "usageMetadata",
					PromptField:     "promptTokenCount",
					CompletionField: "candidatesTokenCount",
					ReasoningField:  "thoughtsTokenCount",
					ModelPath:       "modelVersion",
				},
				Extractor: ExtractorContents,
			},
		},
	}
}
