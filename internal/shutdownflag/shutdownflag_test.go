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

package shutdownflag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlagSetIsIdempotent(t *testing.T) {
	f := New()
	require.False(t, f.IsSet())
	f.Set()
	f.Set()
	require.True(t, f.IsSet())
}

func TestFlagDoneClosesOnSet(t *testing.T) {
	f := New()
	select {
	case <-f.Done():
		t.Fatal("done should not be closed yet")
	default:
	}
	f.Set()
	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("done should have closed")
	}
}
