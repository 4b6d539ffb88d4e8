// Package codecs contains the hand-written wire codecs for every message set
// the consensus module exchanges: replicated log records, member-status
// (peer control), client ingress/egress, service control and snapshot
// records. Messages are flat little-endian layouts behind a fixed header so
// that log positions remain simple byte arithmetic; variable-length fields
// are length-prefixed and always last.
package codecs

import (
	"encoding/binary"
	"fmt"
)

// HeaderLength is the encoded message header: templateID u16, version u16,
// reserved u32.
const HeaderLength = 8

// SchemaVersion is bumped only on incompatible layout changes.
const SchemaVersion = 1

// Template ids. Ranges group the message sets.
const (
	// replicated log records
	TemplateSessionOpen            uint16 = 101
	TemplateSessionClose           uint16 = 102
	TemplateSessionMessage         uint16 = 103
	TemplateTimerEvent             uint16 = 104
	TemplateClusterAction          uint16 = 105
	TemplateNewLeadershipTermEvent uint16 = 106
	TemplateMembershipChange       uint16 = 107

	// member status (peer control)
	TemplateCanvassPosition        uint16 = 201
	TemplateRequestVote            uint16 = 202
	TemplateVote                   uint16 = 203
	TemplateNewLeadershipTerm      uint16 = 204
	TemplateAppendedPosition       uint16 = 205
	TemplateCommitPosition         uint16 = 206
	TemplateCatchupPosition        uint16 = 207
	TemplateStopCatchup            uint16 = 208
	TemplateAddPassiveMember       uint16 = 209
	TemplateClusterMembersChange   uint16 = 210
	TemplateSnapshotRecordingQuery uint16 = 211
	TemplateSnapshotRecordings     uint16 = 212
	TemplateJoinCluster            uint16 = 213
	TemplateTerminationPosition    uint16 = 214
	TemplateTerminationAck         uint16 = 215
	TemplateRemoveMember           uint16 = 216

	// client ingress
	TemplateSessionConnect    uint16 = 301
	TemplateSessionCloseReq   uint16 = 302
	TemplateSessionKeepAlive  uint16 = 304
	TemplateChallengeResponse uint16 = 305

	// client egress
	TemplateSessionEvent   uint16 = 401
	TemplateChallenge      uint16 = 402
	TemplateNewLeaderEvent uint16 = 403

	// service control, module -> service
	TemplateJoinLog                    uint16 = 501
	TemplateServiceTerminationPosition uint16 = 502
	TemplateElectionStartEvent         uint16 = 503
	TemplateClusterMembersResponse     uint16 = 504
	TemplateRequestServiceAck          uint16 = 505

	// service control, service -> module
	TemplateServiceAck          uint16 = 511
	TemplateServiceMessage      uint16 = 512
	TemplateCloseSessionReq     uint16 = 513
	TemplateScheduleTimer       uint16 = 514
	TemplateCancelTimer         uint16 = 515
	TemplateClusterMembersQuery uint16 = 516

	// snapshot records
	TemplateSnapshotMarker          uint16 = 601
	TemplateSessionSnapshot         uint16 = 602
	TemplateTimerSnapshot           uint16 = 603
	TemplateConsensusModuleSnapshot uint16 = 604
	TemplateMembershipSnapshot      uint16 = 605
)

// CloseReason explains why a session was closed.
type CloseReason uint8

const (
	CloseReasonClientAction CloseReason = iota
	CloseReasonServiceAction
	CloseReasonTimeout
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonClientAction:
		return "client-action"
	case CloseReasonServiceAction:
		return "service-action"
	case CloseReasonTimeout:
		return "timeout"
	}
	return "unknown"
}

// ClusterAction is a replicated control action.
type ClusterAction uint8

const (
	ActionSuspend ClusterAction = iota
	ActionResume
	ActionSnapshot
)

// ChangeType tags a membership change.
type ChangeType uint8

const (
	ChangeJoin ChangeType = iota
	ChangeQuit
)

// EventCode is carried on session events to clients.
type EventCode uint8

const (
	EventOK EventCode = iota
	EventError
	EventRedirect
	EventAuthenticationRejected
	EventClosed
)

// SnapshotMark brackets a snapshot stream.
type SnapshotMark uint8

const (
	MarkBegin SnapshotMark = iota
	MarkSection
	MarkEnd
)

// Snapshot type id for the consensus module's own snapshot stream.
const ConsensusModuleSnapshotTypeID int64 = 1

// ServiceID used for the consensus module itself in recording-log snapshot
// entries.
const ConsensusModuleServiceID int32 = -1

// SemanticVersionCompose packs a semantic version as the transport expects.
func SemanticVersionCompose(major, minor, patch uint8) uint32 {
	return uint32(major)<<16 | uint32(minor)<<8 | uint32(patch)
}

// SemanticVersionMajor extracts the major component.
func SemanticVersionMajor(v uint32) uint8 { return uint8(v >> 16) }

// TemplateID reads the template id of an encoded message.
func TemplateID(buf []byte) uint16 {
	if len(buf) < HeaderLength {
		return 0
	}
	return binary.LittleEndian.Uint16(buf)
}

func newMessage(template uint16, bodyHint int) []byte {
	b := make([]byte, HeaderLength, HeaderLength+bodyHint)
	binary.LittleEndian.PutUint16(b, template)
	binary.LittleEndian.PutUint16(b[2:], SchemaVersion)
	return b
}

func putI32(b []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(b, uint32(v))
}

func putI64(b []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(b, uint64(v))
}

func putU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func putBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func putBytes(b, v []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func putString(b []byte, v string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

// reader decodes a message body, accumulating the first error.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(buf []byte, template uint16) *reader {
	r := &reader{buf: buf, off: HeaderLength}
	if len(buf) < HeaderLength {
		r.err = fmt.Errorf("codecs: message shorter than header: %d", len(buf))
		return r
	}
	if got := binary.LittleEndian.Uint16(buf); got != template {
		r.err = fmt.Errorf("codecs: template mismatch: got %d want %d", got, template)
	}
	return r
}

func (r *reader) i64() int64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.buf) {
		r.err = fmt.Errorf("codecs: truncated at offset %d", r.off)
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}

func (r *reader) i32() int32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.buf) {
		r.err = fmt.Errorf("codecs: truncated at offset %d", r.off)
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v
}

func (r *reader) u32() uint32 { return uint32(r.i32()) }

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	if r.off+1 > len(r.buf) {
		r.err = fmt.Errorf("codecs: truncated at offset %d", r.off)
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) boolean() bool { return r.u8() != 0 }

func (r *reader) bytes() []byte {
	n := int(r.u32())
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("codecs: bad length %d at offset %d", n, r.off)
		return nil
	}
	v := make([]byte, n)
	copy(v, r.buf[r.off:r.off+n])
	r.off += n
	return v
}

func (r *reader) str() string { return string(r.bytes()) }
