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

package execwatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqueueAndAwaitBatchCoalesces(t *testing.T) {
	b := New()
	done := make(chan struct{})

	b.Enqueue(1)
	b.Enqueue(2)
	b.Enqueue(3)

	batch, ok := b.AwaitBatch(done)
	require.True(t, ok)
	require.Equal(t, []int{1, 2, 3}, batch)
}

func TestEnqueueOverflowDropsSilently(t *testing.T) {
	b := New()
	for i := 0; i < queueCap+10; i++ {
		b.Enqueue(i)
	}
	require.Equal(t, uint64(10), b.Dropped())

	done := make(chan struct{})
	batch, ok := b.AwaitBatch(done)
	require.True(t, ok)
	require.Len(t, batch, queueCap)
}

func TestAwaitBatchReturnsFalseOnDone(t *testing.T) {
	b := New()
	done := make(chan struct{})
	close(done)

	batch, ok := b.AwaitBatch(done)
	require.False(t, ok)
	require.Nil(t, batch)
}

func TestAwaitBatchUnblocksPromptlyAfterEnqueue(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Enqueue(42)
	}()
	start := time.Now()
	batch, ok := b.AwaitBatch(done)
	require.True(t, ok)
	require.Equal(t, []int{42}, batch)
	require.Less(t, time.Since(start), time.Second)
}
