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

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIsNoopWithoutEndpoint(t *testing.T) {
	f, err := New(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, f)

	f.RecordBlockIO(context.Background(), 512, 1000, Attrs{Process: "curl"})
	f.RecordDNSQuery(context.Background(), 2000, Attrs{Process: "curl"})
	require.NoError(t, f.Shutdown(context.Background()))
}

func TestShutdownIsIdempotent(t *testing.T) {
	f, err := New(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, f.Shutdown(context.Background()))
	require.NoError(t, f.Shutdown(context.Background()))
}

func TestRecordActiveProbeUpdatesTable(t *testing.T) {
	f, err := New(context.Background(), "")
	require.NoError(t, err)

	f.RecordActiveProbe("ssl_read", 3)
	f.activeProbesMu.RLock()
	count := f.activeProbes["ssl_read"]
	f.activeProbesMu.RUnlock()
	require.Equal(t, int64(3), count)
}

func TestAttrsToOtelOmitsEmptyFields(t *testing.T) {
	a := Attrs{Process: "curl"}
	kvs := a.toOtel()
	require.Len(t, kvs, 1)
	require.Equal(t, "process", string(kvs[0].Key))
}
