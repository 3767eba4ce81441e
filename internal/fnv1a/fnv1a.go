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

// Package fnv1a implements the 64-bit FNV-1a hash used to match file paths
// against the kernel's watched-paths map. The kernel-side probe hashes the
// same bytes with the same algorithm; this is the one piece of logic that
// must stay byte-identical on both sides of the ring buffer.
package fnv1a

const (
	offsetBasis uint64 = 0xcbf29ce484222325
	prime       uint64 = 0x100000001b3

	// maxLen bounds the scan the same way the kernel-side helper does:
	// BPF verifiers require a compile-time bound on loop iterations.
	maxLen = 256
)

// Sum64 hashes s with FNV-1a, stopping at the first NUL byte or after
// maxLen bytes, whichever comes first. It must remain byte-identical to
// the kernel helper that hashes entries into the WATCHED_PATHS map.
func Sum64(s string) uint64 {
	h := offsetBasis
	n := len(s)
	if n > maxLen {
		n = maxLen
	}
	for i := 0; i < n; i++ {
		c := s[i]
		if c == 0 {
			break
		}
		h ^= uint64(c)
		h *= prime
	}
	return h
}

// Sum64Bytes is the []byte counterpart of Sum64.
func Sum64Bytes(b []byte) uint64 {
	h := offsetBasis
	n := len(b)
	if n > maxLen {
		n = maxLen
	}
	for i := 0; i < n; i++ {
		c := b[i]
		if c == 0 {
			break
		}
		h ^= uint64(c)
		h *= prime
	}
	return h
}

// SuffixSums returns the FNV-1a hash of s and of every path suffix
// starting at each '/' separator, so a watched path can be matched
// whether the kernel observed the full path or a namespace-relative
// tail of it (e.g. watching "/etc/shadow" also matches a bind-mounted
// "/mnt/rootfs/etc/shadow").
func SuffixSums(s string) []uint64 {
	sums := make([]uint64, 0, 4)
	sums = append(sums, Sum64(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '/' && i+1 < len(s) {
			sums = append(sums, Sum64(s[i+1:]))
		}
	}
	return sums
}
