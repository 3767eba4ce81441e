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

package fnv1a

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSum64KnownVectors(t *testing.T) {
	// FNV-1a 64-bit of the empty string is the offset basis.
	require.Equal(t, offsetBasis, Sum64(""))
	require.Equal(t, Sum64("a"), Sum64Bytes([]byte("a")))
}

func TestSum64StopsAtNUL(t *testing.T) {
	require.Equal(t, Sum64("abc"), Sum64("abc\x00def"))
}

func TestSum64TruncatesAtMaxLen(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	require.Equal(t, Sum64(string(long[:maxLen])), Sum64Bytes(long))
}

func TestSuffixSums(t *testing.T) {
	sums := SuffixSums("/etc/shadow")
	require.Len(t, sums, 3)
	require.Equal(t, Sum64("/etc/shadow"), sums[0])
	require.Equal(t, Sum64("etc/shadow"), sums[1])
	require.Equal(t, Sum64("shadow"), sums[2])
}
