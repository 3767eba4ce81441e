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

package controller

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/jundorok/honeybeepf/internal/events"
	"github.com/jundorok/honeybeepf/internal/telemetry"
	"github.com/jundorok/honeybeepf/internal/tlsstream"
)

// commString trims a fixed-size, NUL-terminated comm buffer to a Go
// string.
func commString(comm [16]byte) string {
	if idx := bytes.IndexByte(comm[:], 0); idx >= 0 {
		return string(comm[:idx])
	}
	return string(comm[:])
}

// attrsFor builds the minimal documented attribute set for an event
// carrying the given process name and cgroup id, enriching it with
// pod/namespace/workload fields when identity resolution is enabled.
func (c *Controller) attrsFor(pid uint32, process string, cgroupID uint64) telemetry.Attrs {
	a := telemetry.Attrs{
		Process:  process,
		CgroupID: strconv.FormatUint(cgroupID, 10),
	}
	if c.resolver == nil {
		return a
	}
	if info, ok := c.resolver.Resolve(int(pid)); ok {
		a.Namespace = info.Namespace
		a.Pod = info.PodName
		a.WorkloadKind = info.WorkloadKind
		a.WorkloadName = info.WorkloadName
	}
	return a
}

func (c *Controller) handleConnectionEvent(frame []byte) {
	ev, err := events.DecodeConnectionEvent(frame)
	if err != nil {
		return
	}
	a := c.attrsFor(ev.Pid, "", ev.Metadata.CgroupID)
	// DestPort holds the kernel's network-byte-order value as decoded in
	// host order; recover the real port from its raw bytes.
	var portBytes [2]byte
	events.HostByteOrder().PutUint16(portBytes[:], ev.DestPort)
	port := binary.BigEndian.Uint16(portBytes[:])
	a.Destination = fmt.Sprintf("%d.%d.%d.%d:%d", ev.DestAddr[0], ev.DestAddr[1], ev.DestAddr[2], ev.DestAddr[3], port)
	a.Protocol = ev.Family.String()
	c.facade.RecordConnectAttempt(context.Background(), a)
}

func (c *Controller) handleBlockIOEvent(frame []byte) {
	ev, err := events.DecodeBlockIOEvent(frame)
	if err != nil {
		return
	}
	key := ev.Key()
	if ev.Phase == events.BlockIOPhaseStart {
		c.blockIOPending[key] = *ev
		return
	}
	start, ok := c.blockIOPending[key]
	if !ok {
		return
	}
	delete(c.blockIOPending, key)

	latencyNs := int64(ev.TimestampNs) - int64(start.TimestampNs)
	a := c.attrsFor(ev.Pid, commString(ev.Comm), ev.Metadata.CgroupID)
	a.Device = strconv.FormatUint(uint64(ev.DevID), 10)
	a.Operation = string(bytes.TrimRight(ev.RWBS[:], "\x00"))
	c.facade.RecordBlockIO(context.Background(), int64(ev.Bytes), latencyNs, a)
}

func (c *Controller) handleVFSLatencyEvent(frame []byte) {
	ev, err := events.DecodeVFSLatencyEvent(frame)
	if err != nil {
		return
	}
	a := c.attrsFor(ev.Pid, commString(ev.Comm), ev.Metadata.CgroupID)
	a.Operation = ev.Op.String()
	c.facade.RecordVFS(context.Background(), ev.Op == events.VFSOpWrite, int64(ev.LatencyNs), a)
}

func (c *Controller) handleFileAccessEvent(frame []byte) {
	ev, err := events.DecodeFileAccessEvent(frame)
	if err != nil {
		return
	}
	a := c.attrsFor(ev.Pid, commString(ev.Comm), ev.Metadata.CgroupID)
	c.facade.RecordFileAccess(context.Background(), a)
}

func (c *Controller) handleRunqueueEvent(frame []byte) {
	ev, err := events.DecodeRunqueueEvent(frame)
	if err != nil {
		return
	}
	a := c.attrsFor(ev.Pid, "", ev.Metadata.CgroupID)
	c.facade.RecordRunqueueLatency(context.Background(), int64(ev.DurationNs), a)
}

func (c *Controller) handleDNSEvent(frame []byte) {
	ev, err := events.DecodeDNSEvent(frame)
	if err != nil {
		return
	}
	a := c.attrsFor(ev.Pid, "", ev.Metadata.CgroupID)
	a.Operation = ev.QueryTypeString()
	c.facade.RecordDNSQuery(context.Background(), int64(ev.LatencyNs), a)
}

func (c *Controller) handleGPUOpenEvent(frame []byte) {
	ev, err := events.DecodeGPUOpenEvent(frame)
	if err != nil {
		return
	}
	a := c.attrsFor(ev.Pid, commString(ev.Comm), ev.Metadata.CgroupID)
	c.facade.RecordGPUOpen(context.Background(), a)
}

func (c *Controller) handleGPUCloseEvent(frame []byte) {
	if _, err := events.DecodeGPUCloseEvent(frame); err != nil {
		return
	}
}

func (c *Controller) handleNCCLEvent(frame []byte) {
	ev, err := events.DecodeNCCLEvent(frame)
	if err != nil {
		return
	}
	a := c.attrsFor(ev.Pid, commString(ev.Comm), ev.Metadata.CgroupID)
	c.facade.RecordNCCLEvent(context.Background(), ev.Op.String(), a)
}

func (c *Controller) handleTLSEvent(frame []byte) {
	ev, err := events.DecodeTLSEvent(frame)
	if err != nil || ev.Handshake || ev.Length == 0 {
		return
	}
	key := tlsstream.Key{Pid: ev.Pid, Tid: ev.Tid}
	dir := tlsstream.DirRead
	if ev.Direction == events.TLSDirectionWrite {
		dir = tlsstream.DirWrite
	}
	c.tlsTracker.Observe(key, dir, ev.PayloadBytes(), ev.Handshake)
}
