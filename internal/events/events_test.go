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

package events

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeConnectionEvent(t *testing.T) {
	want := ConnectionEvent{
		Metadata: Metadata{Pid: 42, Tid: 7, CgroupID: 99, TimestampNs: 123456},
		DestAddr: [4]byte{10, 0, 0, 1},
		DestPort: 443,
		Family:   FamilyINET,
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, hostByteOrder(), &want))

	got, err := DecodeConnectionEvent(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, want, *got)
	require.Equal(t, "INET", got.Family.String())
}

func TestDecodeConnectionEventTooShort(t *testing.T) {
	_, err := DecodeConnectionEvent([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestBlockIOKeyPairing(t *testing.T) {
	start := BlockIOEvent{DevID: 8, Sector: 1000, Phase: BlockIOPhaseStart}
	done := BlockIOEvent{DevID: 8, Sector: 1000, Phase: BlockIOPhaseDone}
	require.Equal(t, start.Key(), done.Key())
}

func TestTLSEventPayloadBytesBoundedByLength(t *testing.T) {
	var e TLSEvent
	e.Length = 3
	copy(e.Payload[:], []byte("abcdef"))
	require.Equal(t, []byte("abc"), e.PayloadBytes())
}

func TestTLSEventPayloadBytesClampedToBufferSize(t *testing.T) {
	var e TLSEvent
	e.Length = MaxTLSPayload + 100
	require.Len(t, e.PayloadBytes(), MaxTLSPayload)
}

func TestNCCLOpStringUnknownFallback(t *testing.T) {
	require.Equal(t, "Unknown", NCCLOp(200).String())
	require.Equal(t, "AllReduce", NCCLOpAllReduce.String())
}

func TestOffCPUReasonUnknownFallback(t *testing.T) {
	require.Equal(t, "Unknown", OffCPUReason(200).String())
}

func TestDNSEventQueryTypeString(t *testing.T) {
	e := DNSEvent{QueryType: 1}
	require.Equal(t, "A", e.QueryTypeString())

	e.QueryType = 28
	require.Equal(t, "AAAA", e.QueryTypeString())
}

func TestDecodeExecEvent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, hostByteOrder(), &ExecEvent{Pid: 4242}))
	got, err := DecodeExecEvent(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint32(4242), got.Pid)
}
