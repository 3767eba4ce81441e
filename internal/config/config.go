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

// Package config aggregates settings from environment variables per
// §4.K/§6: "__" separates nested keys, "," separates list elements.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jundorok/honeybeepf/internal/fnv1a"
)

const (
	defaultVFSLatencyThresholdMS = 10
	defaultReportIntervalSeconds = 60
)

// Settings is the fully resolved runtime configuration.
type Settings struct {
	NodeName   string
	BPFObject  string
	NCCLPath   string

	OTLPEndpoint string

	ProvidersConfigFile string
	ProvidersConfigJSON string

	BuiltinProbes map[string]bool // "GROUP.PROBE" -> enabled

	VFSLatencyThresholdNs  uint64
	RunqueueThresholdNs    uint64
	OffCPUThresholdNs      uint64
	WatchedPathHashes      []uint64
	LLMCaptureEnabled      bool
	ReportIntervalSeconds  int
}

// Load reads the process environment and produces a Settings value
// with every threshold converted to nanoseconds and every watched
// path FNV-1a hashed, ready for the kernel-side config maps.
func Load() Settings {
	s := Settings{
		NodeName:              nodeName(),
		BPFObject:              getenvDefault("HONEYBEEPF_BPF_OBJECT", "honeybeepf.bpf.o"),
		NCCLPath:               os.Getenv("HONEYBEEPF_NCCL_PATH"),
		OTLPEndpoint:           normalizeOTLPEndpoint(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ProvidersConfigFile:    os.Getenv("LLM_PROVIDERS_CONFIG_FILE"),
		ProvidersConfigJSON:    os.Getenv("LLM_PROVIDERS_CONFIG"),
		BuiltinProbes:          parseBuiltinProbes(),
		VFSLatencyThresholdNs:  msToNs(getenvIntDefault("BUILTIN_PROBES__FILESYSTEM__VFS_LATENCY_THRESHOLD_MS", defaultVFSLatencyThresholdMS)),
		RunqueueThresholdNs:    msToNs(getenvIntDefault("BUILTIN_PROBES__SCHEDULER__RUNQUEUE_THRESHOLD_MS", defaultVFSLatencyThresholdMS)),
		OffCPUThresholdNs:      msToNs(getenvIntDefault("BUILTIN_PROBES__SCHEDULER__OFFCPU_THRESHOLD_MS", defaultVFSLatencyThresholdMS)),
		WatchedPathHashes:      hashWatchedPaths(os.Getenv("BUILTIN_PROBES__FILESYSTEM__WATCHED_PATHS")),
		LLMCaptureEnabled:      getenvBool("BUILTIN_PROBES__LLM"),
		ReportIntervalSeconds:  getenvIntDefault("BUILTIN_PROBES__INTERVAL", defaultReportIntervalSeconds),
	}
	return s
}

// ProbeEnabled reports whether BUILTIN_PROBES__<group>__<probe> is
// set to a truthy value. Group and probe are matched case-insensitively
// against the environment-variable convention (upper-cased).
func (s Settings) ProbeEnabled(group, probe string) bool {
	key := strings.ToUpper(group) + "." + strings.ToUpper(probe)
	return s.BuiltinProbes[key]
}

func parseBuiltinProbes() map[string]bool {
	const prefix = "BUILTIN_PROBES__"
	out := make(map[string]bool)
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		// Skip the non-boolean scalar settings handled separately.
		if rest == "INTERVAL" || rest == "LLM" || strings.HasSuffix(rest, "_THRESHOLD_MS") || strings.HasSuffix(rest, "_PATHS") {
			continue
		}
		parts := strings.SplitN(rest, "__", 2)
		if len(parts) != 2 {
			continue
		}
		group, probe := parts[0], parts[1]
		if b, err := strconv.ParseBool(val); err == nil {
			out[group+"."+probe] = b
		}
	}
	return out
}

// hashWatchedPaths hashes every watched path and every '/'-separated
// suffix of it, so a path survives matching whether the kernel observed
// it at its full, container-rooted form or at a bind-mounted tail (e.g.
// watching "/etc/shadow" also matches "/mnt/rootfs/etc/shadow").
func hashWatchedPaths(csv string) []uint64 {
	if csv == "" {
		return nil
	}
	paths := strings.Split(csv, ",")
	var hashes []uint64
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		hashes = append(hashes, fnv1a.SuffixSums(p)...)
	}
	return hashes
}

func normalizeOTLPEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "http://" + endpoint
}

func msToNs(ms int) uint64 {
	return uint64(ms) * uint64(time.Millisecond)
}

// nodeName resolves the node the pod watcher should scope itself to:
// HONEYBEEPF_NODE_NAME if set, else the kernel hostname (the downward
// API typically injects the former; bare-metal hosts fall to the latter).
func nodeName() string {
	if v := os.Getenv("HONEYBEEPF_NODE_NAME"); v != "" {
		return v
	}
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}
