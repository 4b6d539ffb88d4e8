package codecs

// Snapshot stream records for the consensus module's own state. Pending
// service messages are snapshotted as SessionMessage frames between the
// section markers.

type SnapshotMarker struct {
	SnapshotTypeID   int64
	LogPosition      int64
	LeadershipTermID int64
	Index            int32
	Mark             SnapshotMark
	AppVersion       uint32
}

func (m *SnapshotMarker) Encode() []byte {
	b := newMessage(TemplateSnapshotMarker, 40)
	b = putI64(b, m.SnapshotTypeID)
	b = putI64(b, m.LogPosition)
	b = putI64(b, m.LeadershipTermID)
	b = putI32(b, m.Index)
	b = append(b, byte(m.Mark))
	b = putU32(b, m.AppVersion)
	return b
}

func DecodeSnapshotMarker(buf []byte) (SnapshotMarker, error) {
	r := newReader(buf, TemplateSnapshotMarker)
	m := SnapshotMarker{
		SnapshotTypeID:   r.i64(),
		LogPosition:      r.i64(),
		LeadershipTermID: r.i64(),
		Index:            r.i32(),
		Mark:             SnapshotMark(r.u8()),
		AppVersion:       r.u32(),
	}
	return m, r.err
}

type SessionSnapshot struct {
	ClusterSessionID     int64
	CorrelationID        int64
	OpenedLogPosition    int64
	TimeOfLastActivityMs int64
	CloseReason          CloseReason
	ResponseStreamID     int32
	ResponseChannel      string
}

func (m *SessionSnapshot) Encode() []byte {
	b := newMessage(TemplateSessionSnapshot, 48+len(m.ResponseChannel))
	b = putI64(b, m.ClusterSessionID)
	b = putI64(b, m.CorrelationID)
	b = putI64(b, m.OpenedLogPosition)
	b = putI64(b, m.TimeOfLastActivityMs)
	b = append(b, byte(m.CloseReason))
	b = putI32(b, m.ResponseStreamID)
	b = putString(b, m.ResponseChannel)
	return b
}

func DecodeSessionSnapshot(buf []byte) (SessionSnapshot, error) {
	r := newReader(buf, TemplateSessionSnapshot)
	m := SessionSnapshot{
		ClusterSessionID:     r.i64(),
		CorrelationID:        r.i64(),
		OpenedLogPosition:    r.i64(),
		TimeOfLastActivityMs: r.i64(),
		CloseReason:          CloseReason(r.u8()),
		ResponseStreamID:     r.i32(),
		ResponseChannel:      r.str(),
	}
	return m, r.err
}

type TimerSnapshot struct {
	CorrelationID int64
	Deadline      int64
}

func (m *TimerSnapshot) Encode() []byte {
	b := newMessage(TemplateTimerSnapshot, 16)
	b = putI64(b, m.CorrelationID)
	b = putI64(b, m.Deadline)
	return b
}

func DecodeTimerSnapshot(buf []byte) (TimerSnapshot, error) {
	r := newReader(buf, TemplateTimerSnapshot)
	m := TimerSnapshot{
		CorrelationID: r.i64(),
		Deadline:      r.i64(),
	}
	return m, r.err
}

type ConsensusModuleSnapshot struct {
	NextSessionID           int64
	NextServiceSessionID    int64
	LogServiceSessionID     int64
	PendingMessageCapacity  int32
}

func (m *ConsensusModuleSnapshot) Encode() []byte {
	b := newMessage(TemplateConsensusModuleSnapshot, 32)
	b = putI64(b, m.NextSessionID)
	b = putI64(b, m.NextServiceSessionID)
	b = putI64(b, m.LogServiceSessionID)
	b = putI32(b, m.PendingMessageCapacity)
	return b
}

func DecodeConsensusModuleSnapshot(buf []byte) (ConsensusModuleSnapshot, error) {
	r := newReader(buf, TemplateConsensusModuleSnapshot)
	m := ConsensusModuleSnapshot{
		NextSessionID:          r.i64(),
		NextServiceSessionID:   r.i64(),
		LogServiceSessionID:    r.i64(),
		PendingMessageCapacity: r.i32(),
	}
	return m, r.err
}

type MembershipSnapshot struct {
	MemberID       int32
	HighMemberID   int32
	ClusterMembers string
}

func (m *MembershipSnapshot) Encode() []byte {
	b := newMessage(TemplateMembershipSnapshot, 16+len(m.ClusterMembers))
	b = putI32(b, m.MemberID)
	b = putI32(b, m.HighMemberID)
	b = putString(b, m.ClusterMembers)
	return b
}

func DecodeMembershipSnapshot(buf []byte) (MembershipSnapshot, error) {
	r := newReader(buf, TemplateMembershipSnapshot)
	m := MembershipSnapshot{
		MemberID:       r.i32(),
		HighMemberID:   r.i32(),
		ClusterMembers: r.str(),
	}
	return m, r.err
}
