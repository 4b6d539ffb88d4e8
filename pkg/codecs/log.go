package codecs

// Replicated log records. Every record is stamped with the leadership term
// that appended it and the cluster timestamp carried as the authoritative
// cluster time on replay.

// SessionOpen is appended when a client session becomes OPEN.
type SessionOpen struct {
	LeadershipTermID int64
	ClusterSessionID int64
	Timestamp        int64
	CorrelationID    int64
	ResponseStreamID int32
	ResponseChannel  string
	EncodedPrincipal []byte
}

func (m *SessionOpen) Encode() []byte {
	b := newMessage(TemplateSessionOpen, 64+len(m.ResponseChannel)+len(m.EncodedPrincipal))
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.ClusterSessionID)
	b = putI64(b, m.Timestamp)
	b = putI64(b, m.CorrelationID)
	b = putI32(b, m.ResponseStreamID)
	b = putString(b, m.ResponseChannel)
	b = putBytes(b, m.EncodedPrincipal)
	return b
}

func DecodeSessionOpen(buf []byte) (SessionOpen, error) {
	r := newReader(buf, TemplateSessionOpen)
	m := SessionOpen{
		LeadershipTermID: r.i64(),
		ClusterSessionID: r.i64(),
		Timestamp:        r.i64(),
		CorrelationID:    r.i64(),
		ResponseStreamID: r.i32(),
		ResponseChannel:  r.str(),
		EncodedPrincipal: r.bytes(),
	}
	return m, r.err
}

// SessionClose is appended when a session leaves the cluster.
type SessionClose struct {
	LeadershipTermID int64
	ClusterSessionID int64
	Timestamp        int64
	CloseReason      CloseReason
}

func (m *SessionClose) Encode() []byte {
	b := newMessage(TemplateSessionClose, 32)
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.ClusterSessionID)
	b = putI64(b, m.Timestamp)
	b = append(b, byte(m.CloseReason))
	return b
}

func DecodeSessionClose(buf []byte) (SessionClose, error) {
	r := newReader(buf, TemplateSessionClose)
	m := SessionClose{
		LeadershipTermID: r.i64(),
		ClusterSessionID: r.i64(),
		Timestamp:        r.i64(),
		CloseReason:      CloseReason(r.u8()),
	}
	return m, r.err
}

// SessionMessage carries a client (or service pseudo-session) payload. The
// same layout is used on the ingress stream, in the log, and for pending
// service-message snapshots.
type SessionMessage struct {
	LeadershipTermID int64
	ClusterSessionID int64
	Timestamp        int64
	Payload          []byte
}

func (m *SessionMessage) Encode() []byte {
	b := newMessage(TemplateSessionMessage, 32+len(m.Payload))
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.ClusterSessionID)
	b = putI64(b, m.Timestamp)
	b = putBytes(b, m.Payload)
	return b
}

func DecodeSessionMessage(buf []byte) (SessionMessage, error) {
	r := newReader(buf, TemplateSessionMessage)
	m := SessionMessage{
		LeadershipTermID: r.i64(),
		ClusterSessionID: r.i64(),
		Timestamp:        r.i64(),
		Payload:          r.bytes(),
	}
	return m, r.err
}

// TimerEvent marks a fired timer in the log.
type TimerEvent struct {
	LeadershipTermID int64
	CorrelationID    int64
	Timestamp        int64
}

func (m *TimerEvent) Encode() []byte {
	b := newMessage(TemplateTimerEvent, 24)
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.CorrelationID)
	b = putI64(b, m.Timestamp)
	return b
}

func DecodeTimerEvent(buf []byte) (TimerEvent, error) {
	r := newReader(buf, TemplateTimerEvent)
	m := TimerEvent{
		LeadershipTermID: r.i64(),
		CorrelationID:    r.i64(),
		Timestamp:        r.i64(),
	}
	return m, r.err
}

// ClusterActionRequest replicates a SUSPEND/RESUME/SNAPSHOT control action.
type ClusterActionRequest struct {
	LeadershipTermID int64
	LogPosition      int64
	Timestamp        int64
	Action           ClusterAction
}

func (m *ClusterActionRequest) Encode() []byte {
	b := newMessage(TemplateClusterAction, 32)
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.LogPosition)
	b = putI64(b, m.Timestamp)
	b = append(b, byte(m.Action))
	return b
}

func DecodeClusterActionRequest(buf []byte) (ClusterActionRequest, error) {
	r := newReader(buf, TemplateClusterAction)
	m := ClusterActionRequest{
		LeadershipTermID: r.i64(),
		LogPosition:      r.i64(),
		Timestamp:        r.i64(),
		Action:           ClusterAction(r.u8()),
	}
	return m, r.err
}

// NewLeadershipTermEvent opens a term in the log at its base position.
type NewLeadershipTermEvent struct {
	LeadershipTermID    int64
	LogPosition         int64
	Timestamp           int64
	TermBaseLogPosition int64
	LeaderMemberID      int32
	LogSessionID        int32
	AppVersion          uint32
}

func (m *NewLeadershipTermEvent) Encode() []byte {
	b := newMessage(TemplateNewLeadershipTermEvent, 48)
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.LogPosition)
	b = putI64(b, m.Timestamp)
	b = putI64(b, m.TermBaseLogPosition)
	b = putI32(b, m.LeaderMemberID)
	b = putI32(b, m.LogSessionID)
	b = putU32(b, m.AppVersion)
	return b
}

func DecodeNewLeadershipTermEvent(buf []byte) (NewLeadershipTermEvent, error) {
	r := newReader(buf, TemplateNewLeadershipTermEvent)
	m := NewLeadershipTermEvent{
		LeadershipTermID:    r.i64(),
		LogPosition:         r.i64(),
		Timestamp:           r.i64(),
		TermBaseLogPosition: r.i64(),
		LeaderMemberID:      r.i32(),
		LogSessionID:        r.i32(),
		AppVersion:          r.u32(),
	}
	return m, r.err
}

// MembershipChangeEvent replicates a JOIN or QUIT with the resulting member
// list.
type MembershipChangeEvent struct {
	LeadershipTermID int64
	LogPosition      int64
	Timestamp        int64
	LeaderMemberID   int32
	ChangeType       ChangeType
	MemberID         int32
	ClusterMembers   string
}

func (m *MembershipChangeEvent) Encode() []byte {
	b := newMessage(TemplateMembershipChange, 48+len(m.ClusterMembers))
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.LogPosition)
	b = putI64(b, m.Timestamp)
	b = putI32(b, m.LeaderMemberID)
	b = append(b, byte(m.ChangeType))
	b = putI32(b, m.MemberID)
	b = putString(b, m.ClusterMembers)
	return b
}

func DecodeMembershipChangeEvent(buf []byte) (MembershipChangeEvent, error) {
	r := newReader(buf, TemplateMembershipChange)
	m := MembershipChangeEvent{
		LeadershipTermID: r.i64(),
		LogPosition:      r.i64(),
		Timestamp:        r.i64(),
		LeaderMemberID:   r.i32(),
		ChangeType:       ChangeType(r.u8()),
		MemberID:         r.i32(),
		ClusterMembers:   r.str(),
	}
	return m, r.err
}
