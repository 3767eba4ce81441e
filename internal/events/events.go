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

// Package events defines the fixed-size, binary-compatible record layouts
// shared with the kernel probes. Every struct here must decode by a plain
// encoding/binary.Read against a ring-buffer frame; none of them may grow
// a pointer field or change layout without the kernel side being rebuilt
// in lockstep.
package events

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/miekg/dns"
)

// Metadata is carried by every event except ExecEvent.
type Metadata struct {
	Pid         uint32
	Tid         uint32 // formerly an anonymous padding slot in the original wire format; see SPEC_FULL.md §5.
	CgroupID    uint64
	TimestampNs uint64
}

// hostByteOrder determines the native byte order of the running host, the
// same way the teacher's probe reader does, since ring-buffer frames are
// emitted in the kernel's native endianness rather than a fixed wire order.
func hostByteOrder() binary.ByteOrder {
	var i int32 = 0x01020304
	u := unsafe.Pointer(&i)
	pb := (*byte)(u)
	if *pb == 0x04 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// HostByteOrder exposes hostByteOrder for other packages that need to
// reinterpret decoded fields at the byte level (e.g. the controller
// recovering a network-byte-order port).
func HostByteOrder() binary.ByteOrder {
	return hostByteOrder()
}

func decode(frame []byte, v any) error {
	r := bytes.NewReader(frame)
	if err := binary.Read(r, hostByteOrder(), v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// Kind names the closed set of event variants. A ring buffer never mixes
// kinds, and none of the record layouts below carries a Kind field: the
// map a frame was drained from determines how it is decoded.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConnection
	KindBlockIO
	KindVFSLatency
	KindFileAccess
	KindRunqueue
	KindOffCPU
	KindDNS
	KindTLS
	KindGPUOpen
	KindGPUClose
	KindNCCL
	KindExec
)

// AddressFamily mirrors the kernel's sa_family_t values we care about.
type AddressFamily uint16

const (
	FamilyUnknown AddressFamily = 0
	FamilyINET    AddressFamily = 2
	FamilyINET6   AddressFamily = 10
)

func (f AddressFamily) String() string {
	switch f {
	case FamilyINET:
		return "INET"
	case FamilyINET6:
		return "INET6"
	default:
		return "Unknown"
	}
}

// ConnectionEvent is emitted on outbound TCP/UDP connect attempts.
type ConnectionEvent struct {
	Metadata
	DestAddr [4]byte // IPv4, network byte order
	DestPort uint16  // network byte order
	Family   AddressFamily
	_        [2]byte // explicit padding to keep the struct's size stable across archs
}

// DecodeConnectionEvent decodes a ring-buffer frame into a ConnectionEvent.
func DecodeConnectionEvent(frame []byte) (*ConnectionEvent, error) {
	var e ConnectionEvent
	if err := decode(frame, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// BlockIOPhase distinguishes the start and done halves of a block I/O pair.
type BlockIOPhase uint8

const (
	BlockIOPhaseUnknown BlockIOPhase = iota
	BlockIOPhaseStart
	BlockIOPhaseDone
)

func (p BlockIOPhase) String() string {
	switch p {
	case BlockIOPhaseStart:
		return "start"
	case BlockIOPhaseDone:
		return "done"
	default:
		return "Unknown"
	}
}

// BlockIOEvent reports block layer I/O start/done pairs, keyed by
// (device, sector) for latency pairing on the user side.
type BlockIOEvent struct {
	Metadata
	DevID       uint32
	_           [4]byte
	Sector      uint64
	SectorCount uint64
	Bytes       uint64
	RWBS        [8]byte
	Comm        [16]byte
	Phase       BlockIOPhase
	_           [7]byte
}

func DecodeBlockIOEvent(frame []byte) (*BlockIOEvent, error) {
	var e BlockIOEvent
	if err := decode(frame, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// BlockIOKey is the (device, sector) pairing key for start/done events.
type BlockIOKey struct {
	DevID  uint32
	Sector uint64
}

func (e *BlockIOEvent) Key() BlockIOKey {
	return BlockIOKey{DevID: e.DevID, Sector: e.Sector}
}

// VFSOp distinguishes VFS read from write latency events.
type VFSOp uint8

const (
	VFSOpUnknown VFSOp = iota
	VFSOpRead
	VFSOpWrite
)

func (o VFSOp) String() string {
	switch o {
	case VFSOpRead:
		return "read"
	case VFSOpWrite:
		return "write"
	default:
		return "Unknown"
	}
}

// maxFilenameBytes bounds the filename field copied from the kernel; it's
// the "N" in spec.md's "filename (up to N bytes)".
const maxFilenameBytes = 256

// VFSLatencyEvent reports read/write latency at the VFS layer.
type VFSLatencyEvent struct {
	Metadata
	Tid      uint32
	_        [4]byte
	Op       VFSOp
	_        [7]byte
	LatencyNs uint64
	Bytes     uint64
	Offset    uint64
	Comm      [16]byte
	Filename  [maxFilenameBytes]byte
}

func DecodeVFSLatencyEvent(frame []byte) (*VFSLatencyEvent, error) {
	var e VFSLatencyEvent
	if err := decode(frame, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// FileAccessEvent is only emitted by the kernel when the filename's FNV-1a
// hash (or a suffix hash) is present in the watched-paths map.
type FileAccessEvent struct {
	Metadata
	Tid      uint32
	Flags    uint32
	Mode     uint32
	_        [4]byte
	Comm     [16]byte
	Filename [maxFilenameBytes]byte
}

func DecodeFileAccessEvent(frame []byte) (*FileAccessEvent, error) {
	var e FileAccessEvent
	if err := decode(frame, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// OffCPUReason classifies why a thread went off-CPU; semantics are owned
// by the kernel-side enum mapping (spec.md §9 Open Question), the user
// side only names the values.
type OffCPUReason uint8

const (
	OffCPUReasonUnknown OffCPUReason = iota
	OffCPUReasonSleeping
	OffCPUReasonDiskIO
	OffCPUReasonNetworkIO
	OffCPUReasonLock
	OffCPUReasonPageFault
	OffCPUReasonPreempted
)

func (r OffCPUReason) String() string {
	switch r {
	case OffCPUReasonSleeping:
		return "sleeping"
	case OffCPUReasonDiskIO:
		return "disk_io"
	case OffCPUReasonNetworkIO:
		return "network_io"
	case OffCPUReasonLock:
		return "lock"
	case OffCPUReasonPageFault:
		return "page_fault"
	case OffCPUReasonPreempted:
		return "preempted"
	default:
		return "Unknown"
	}
}

// RunqueueEvent reports scheduler runqueue latency (time a task waited to
// be scheduled) and, when emitted from the off-CPU probe, the reason the
// task went off-CPU and who woke it.
type RunqueueEvent struct {
	Metadata
	CPU        uint32
	_          [4]byte
	DurationNs uint64
	Reason     OffCPUReason
	_          [7]byte
	WakerPid   uint32
	WakerComm  [16]byte
}

func DecodeRunqueueEvent(frame []byte) (*RunqueueEvent, error) {
	var e RunqueueEvent
	if err := decode(frame, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DNSEvent reports a resolved DNS query's type, latency, and name, as
// already parsed by the kernel-side probe.
type DNSEvent struct {
	Metadata
	QueryType uint16
	_         [6]byte
	LatencyNs uint64
	QueryName [256]byte
}

func DecodeDNSEvent(frame []byte) (*DNSEvent, error) {
	var e DNSEvent
	if err := decode(frame, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// QueryTypeString renders the raw DNS query type number as its
// conventional mnemonic (A, AAAA, CNAME, ...), the same table the
// teacher used to label captured queries.
func (e *DNSEvent) QueryTypeString() string {
	return dns.TypeToString[e.QueryType]
}

// TLSDirection distinguishes which half of a TLS-wrapped call produced
// the captured buffer.
type TLSDirection uint8

const (
	TLSDirectionUnknown TLSDirection = iota
	TLSDirectionRead
	TLSDirectionWrite
	TLSDirectionHandshake
)

func (d TLSDirection) String() string {
	switch d {
	case TLSDirectionRead:
		return "read"
	case TLSDirectionWrite:
		return "write"
	case TLSDirectionHandshake:
		return "handshake"
	default:
		return "Unknown"
	}
}

// MaxTLSPayload is the cap on payload bytes carried per TLS event frame.
const MaxTLSPayload = 4096

// TLSEvent carries a decrypted read/write buffer observed at the TLS
// library boundary. Metadata.Tid is the TLS stream key's thread component.
type TLSEvent struct {
	Metadata
	Direction   TLSDirection
	Handshake   bool
	BufferFull  bool
	_           [1]byte
	Length      uint32
	LatencyNs   uint64
	Comm        [16]byte
	Payload     [MaxTLSPayload]byte
}

func DecodeTLSEvent(frame []byte) (*TLSEvent, error) {
	var e TLSEvent
	if err := decode(frame, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// PayloadBytes returns the meaningful slice of Payload, bounded by Length.
func (e *TLSEvent) PayloadBytes() []byte {
	n := int(e.Length)
	if n > len(e.Payload) {
		n = len(e.Payload)
	}
	return e.Payload[:n]
}

// GPUOpenEvent / GPUCloseEvent report open/close of a GPU device file.
type GPUOpenEvent struct {
	Metadata
	GPUIndex uint32
	FD       int32
	Flags    uint32
	_        [4]byte
	Filename [256]byte
	Comm     [16]byte
}

func DecodeGPUOpenEvent(frame []byte) (*GPUOpenEvent, error) {
	var e GPUOpenEvent
	if err := decode(frame, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

type GPUCloseEvent struct {
	Metadata
	GPUIndex uint32
	FD       int32
	Comm     [16]byte
}

func DecodeGPUCloseEvent(frame []byte) (*GPUCloseEvent, error) {
	var e GPUCloseEvent
	if err := decode(frame, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// NCCLOp is the closed set of GPU collective/point-to-point primitives.
type NCCLOp uint8

const (
	NCCLOpUnknown NCCLOp = iota
	NCCLOpAllReduce
	NCCLOpBroadcast
	NCCLOpAllGather
	NCCLOpReduceScatter
	NCCLOpAllToAll
	NCCLOpSend
	NCCLOpRecv
	NCCLOpGroupStart
	NCCLOpGroupEnd
	NCCLOpCommInitRank
	NCCLOpGetVersion
)

func (o NCCLOp) String() string {
	switch o {
	case NCCLOpAllReduce:
		return "AllReduce"
	case NCCLOpBroadcast:
		return "Broadcast"
	case NCCLOpAllGather:
		return "AllGather"
	case NCCLOpReduceScatter:
		return "ReduceScatter"
	case NCCLOpAllToAll:
		return "AllToAll"
	case NCCLOpSend:
		return "Send"
	case NCCLOpRecv:
		return "Recv"
	case NCCLOpGroupStart:
		return "GroupStart"
	case NCCLOpGroupEnd:
		return "GroupEnd"
	case NCCLOpCommInitRank:
		return "CommInitRank"
	case NCCLOpGetVersion:
		return "GetVersion"
	default:
		return "Unknown"
	}
}

// NCCLEvent reports a single NCCL collective/p2p call observed via uprobe.
type NCCLEvent struct {
	Metadata
	Op          NCCLOp
	_           [3]byte
	ReturnCode  int32
	ElementCount uint64
	ElementSize  uint32
	_            [4]byte
	DurationNs   uint64
	Bytes        uint64
	Comm         [16]byte
}

func DecodeNCCLEvent(frame []byte) (*NCCLEvent, error) {
	var e NCCLEvent
	if err := decode(frame, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ExecEvent is a minimal wake-up signal: just the pid that exec'd.
type ExecEvent struct {
	Pid uint32
}

func DecodeExecEvent(frame []byte) (*ExecEvent, error) {
	var e ExecEvent
	if err := decode(frame, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
