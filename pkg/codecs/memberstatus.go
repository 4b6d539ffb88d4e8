package codecs

// Member-status (peer control) messages exchanged among cluster members.

type CanvassPosition struct {
	LogLeadershipTermID int64
	LogPosition         int64
	LeadershipTermID    int64
	FollowerMemberID    int32
}

func (m *CanvassPosition) Encode() []byte {
	b := newMessage(TemplateCanvassPosition, 32)
	b = putI64(b, m.LogLeadershipTermID)
	b = putI64(b, m.LogPosition)
	b = putI64(b, m.LeadershipTermID)
	b = putI32(b, m.FollowerMemberID)
	return b
}

func DecodeCanvassPosition(buf []byte) (CanvassPosition, error) {
	r := newReader(buf, TemplateCanvassPosition)
	m := CanvassPosition{
		LogLeadershipTermID: r.i64(),
		LogPosition:         r.i64(),
		LeadershipTermID:    r.i64(),
		FollowerMemberID:    r.i32(),
	}
	return m, r.err
}

type RequestVote struct {
	LogLeadershipTermID int64
	LogPosition         int64
	CandidateTermID     int64
	CandidateMemberID   int32
}

func (m *RequestVote) Encode() []byte {
	b := newMessage(TemplateRequestVote, 32)
	b = putI64(b, m.LogLeadershipTermID)
	b = putI64(b, m.LogPosition)
	b = putI64(b, m.CandidateTermID)
	b = putI32(b, m.CandidateMemberID)
	return b
}

func DecodeRequestVote(buf []byte) (RequestVote, error) {
	r := newReader(buf, TemplateRequestVote)
	m := RequestVote{
		LogLeadershipTermID: r.i64(),
		LogPosition:         r.i64(),
		CandidateTermID:     r.i64(),
		CandidateMemberID:   r.i32(),
	}
	return m, r.err
}

type Vote struct {
	CandidateTermID     int64
	LogLeadershipTermID int64
	LogPosition         int64
	CandidateMemberID   int32
	FollowerMemberID    int32
	Vote                bool
}

func (m *Vote) Encode() []byte {
	b := newMessage(TemplateVote, 40)
	b = putI64(b, m.CandidateTermID)
	b = putI64(b, m.LogLeadershipTermID)
	b = putI64(b, m.LogPosition)
	b = putI32(b, m.CandidateMemberID)
	b = putI32(b, m.FollowerMemberID)
	b = putBool(b, m.Vote)
	return b
}

func DecodeVote(buf []byte) (Vote, error) {
	r := newReader(buf, TemplateVote)
	m := Vote{
		CandidateTermID:     r.i64(),
		LogLeadershipTermID: r.i64(),
		LogPosition:         r.i64(),
		CandidateMemberID:   r.i32(),
		FollowerMemberID:    r.i32(),
		Vote:                r.boolean(),
	}
	return m, r.err
}

type NewLeadershipTerm struct {
	LogLeadershipTermID int64
	LeadershipTermID    int64
	LogPosition         int64
	TermBaseLogPosition int64
	Timestamp           int64
	LeaderMemberID      int32
	LogSessionID        int32
	IsStartup           bool
}

func (m *NewLeadershipTerm) Encode() []byte {
	b := newMessage(TemplateNewLeadershipTerm, 56)
	b = putI64(b, m.LogLeadershipTermID)
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.LogPosition)
	b = putI64(b, m.TermBaseLogPosition)
	b = putI64(b, m.Timestamp)
	b = putI32(b, m.LeaderMemberID)
	b = putI32(b, m.LogSessionID)
	b = putBool(b, m.IsStartup)
	return b
}

func DecodeNewLeadershipTerm(buf []byte) (NewLeadershipTerm, error) {
	r := newReader(buf, TemplateNewLeadershipTerm)
	m := NewLeadershipTerm{
		LogLeadershipTermID: r.i64(),
		LeadershipTermID:    r.i64(),
		LogPosition:         r.i64(),
		TermBaseLogPosition: r.i64(),
		Timestamp:           r.i64(),
		LeaderMemberID:      r.i32(),
		LogSessionID:        r.i32(),
		IsStartup:           r.boolean(),
	}
	return m, r.err
}

type AppendedPosition struct {
	LeadershipTermID int64
	LogPosition      int64
	FollowerMemberID int32
}

func (m *AppendedPosition) Encode() []byte {
	b := newMessage(TemplateAppendedPosition, 24)
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.LogPosition)
	b = putI32(b, m.FollowerMemberID)
	return b
}

func DecodeAppendedPosition(buf []byte) (AppendedPosition, error) {
	r := newReader(buf, TemplateAppendedPosition)
	m := AppendedPosition{
		LeadershipTermID: r.i64(),
		LogPosition:      r.i64(),
		FollowerMemberID: r.i32(),
	}
	return m, r.err
}

type CommitPosition struct {
	LeadershipTermID int64
	LogPosition      int64
	LeaderMemberID   int32
}

func (m *CommitPosition) Encode() []byte {
	b := newMessage(TemplateCommitPosition, 24)
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.LogPosition)
	b = putI32(b, m.LeaderMemberID)
	return b
}

func DecodeCommitPosition(buf []byte) (CommitPosition, error) {
	r := newReader(buf, TemplateCommitPosition)
	m := CommitPosition{
		LeadershipTermID: r.i64(),
		LogPosition:      r.i64(),
		LeaderMemberID:   r.i32(),
	}
	return m, r.err
}

type CatchupPosition struct {
	LeadershipTermID int64
	LogPosition      int64
	FollowerMemberID int32
	CatchupChannel   string
}

func (m *CatchupPosition) Encode() []byte {
	b := newMessage(TemplateCatchupPosition, 32+len(m.CatchupChannel))
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.LogPosition)
	b = putI32(b, m.FollowerMemberID)
	b = putString(b, m.CatchupChannel)
	return b
}

func DecodeCatchupPosition(buf []byte) (CatchupPosition, error) {
	r := newReader(buf, TemplateCatchupPosition)
	m := CatchupPosition{
		LeadershipTermID: r.i64(),
		LogPosition:      r.i64(),
		FollowerMemberID: r.i32(),
		CatchupChannel:   r.str(),
	}
	return m, r.err
}

type StopCatchup struct {
	LeadershipTermID int64
	FollowerMemberID int32
}

func (m *StopCatchup) Encode() []byte {
	b := newMessage(TemplateStopCatchup, 16)
	b = putI64(b, m.LeadershipTermID)
	b = putI32(b, m.FollowerMemberID)
	return b
}

func DecodeStopCatchup(buf []byte) (StopCatchup, error) {
	r := newReader(buf, TemplateStopCatchup)
	m := StopCatchup{
		LeadershipTermID: r.i64(),
		FollowerMemberID: r.i32(),
	}
	return m, r.err
}

type AddPassiveMember struct {
	CorrelationID   int64
	MemberEndpoints string
}

func (m *AddPassiveMember) Encode() []byte {
	b := newMessage(TemplateAddPassiveMember, 16+len(m.MemberEndpoints))
	b = putI64(b, m.CorrelationID)
	b = putString(b, m.MemberEndpoints)
	return b
}

func DecodeAddPassiveMember(buf []byte) (AddPassiveMember, error) {
	r := newReader(buf, TemplateAddPassiveMember)
	m := AddPassiveMember{
		CorrelationID:   r.i64(),
		MemberEndpoints: r.str(),
	}
	return m, r.err
}

type ClusterMembersChange struct {
	CorrelationID  int64
	LeaderMemberID int32
	ActiveMembers  string
	PassiveMembers string
}

func (m *ClusterMembersChange) Encode() []byte {
	b := newMessage(TemplateClusterMembersChange, 24+len(m.ActiveMembers)+len(m.PassiveMembers))
	b = putI64(b, m.CorrelationID)
	b = putI32(b, m.LeaderMemberID)
	b = putString(b, m.ActiveMembers)
	b = putString(b, m.PassiveMembers)
	return b
}

func DecodeClusterMembersChange(buf []byte) (ClusterMembersChange, error) {
	r := newReader(buf, TemplateClusterMembersChange)
	m := ClusterMembersChange{
		CorrelationID:  r.i64(),
		LeaderMemberID: r.i32(),
		ActiveMembers:  r.str(),
		PassiveMembers: r.str(),
	}
	return m, r.err
}

type SnapshotRecordingQuery struct {
	CorrelationID   int64
	RequestMemberID int32
}

func (m *SnapshotRecordingQuery) Encode() []byte {
	b := newMessage(TemplateSnapshotRecordingQuery, 16)
	b = putI64(b, m.CorrelationID)
	b = putI32(b, m.RequestMemberID)
	return b
}

func DecodeSnapshotRecordingQuery(buf []byte) (SnapshotRecordingQuery, error) {
	r := newReader(buf, TemplateSnapshotRecordingQuery)
	m := SnapshotRecordingQuery{
		CorrelationID:   r.i64(),
		RequestMemberID: r.i32(),
	}
	return m, r.err
}

// SnapshotRecordingEntry is one snapshot in a SnapshotRecordings response.
type SnapshotRecordingEntry struct {
	RecordingID         int64
	LeadershipTermID    int64
	TermBaseLogPosition int64
	LogPosition         int64
	Timestamp           int64
	ServiceID           int32
}

type SnapshotRecordings struct {
	CorrelationID int64
	MemberID      int32
	Snapshots     []SnapshotRecordingEntry
}

func (m *SnapshotRecordings) Encode() []byte {
	b := newMessage(TemplateSnapshotRecordings, 24+len(m.Snapshots)*48)
	b = putI64(b, m.CorrelationID)
	b = putI32(b, m.MemberID)
	b = putU32(b, uint32(len(m.Snapshots)))
	for _, s := range m.Snapshots {
		b = putI64(b, s.RecordingID)
		b = putI64(b, s.LeadershipTermID)
		b = putI64(b, s.TermBaseLogPosition)
		b = putI64(b, s.LogPosition)
		b = putI64(b, s.Timestamp)
		b = putI32(b, s.ServiceID)
	}
	return b
}

func DecodeSnapshotRecordings(buf []byte) (SnapshotRecordings, error) {
	r := newReader(buf, TemplateSnapshotRecordings)
	m := SnapshotRecordings{
		CorrelationID: r.i64(),
		MemberID:      r.i32(),
	}
	n := int(r.u32())
	for i := 0; i < n && r.err == nil; i++ {
		m.Snapshots = append(m.Snapshots, SnapshotRecordingEntry{
			RecordingID:         r.i64(),
			LeadershipTermID:    r.i64(),
			TermBaseLogPosition: r.i64(),
			LogPosition:         r.i64(),
			Timestamp:           r.i64(),
			ServiceID:           r.i32(),
		})
	}
	return m, r.err
}

type JoinCluster struct {
	LeadershipTermID int64
	MemberID         int32
}

func (m *JoinCluster) Encode() []byte {
	b := newMessage(TemplateJoinCluster, 16)
	b = putI64(b, m.LeadershipTermID)
	b = putI32(b, m.MemberID)
	return b
}

func DecodeJoinCluster(buf []byte) (JoinCluster, error) {
	r := newReader(buf, TemplateJoinCluster)
	m := JoinCluster{
		LeadershipTermID: r.i64(),
		MemberID:         r.i32(),
	}
	return m, r.err
}

type TerminationPosition struct {
	LeadershipTermID int64
	LogPosition      int64
}

func (m *TerminationPosition) Encode() []byte {
	b := newMessage(TemplateTerminationPosition, 16)
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.LogPosition)
	return b
}

func DecodeTerminationPosition(buf []byte) (TerminationPosition, error) {
	r := newReader(buf, TemplateTerminationPosition)
	m := TerminationPosition{
		LeadershipTermID: r.i64(),
		LogPosition:      r.i64(),
	}
	return m, r.err
}

type TerminationAck struct {
	LeadershipTermID int64
	LogPosition      int64
	MemberID         int32
}

func (m *TerminationAck) Encode() []byte {
	b := newMessage(TemplateTerminationAck, 24)
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.LogPosition)
	b = putI32(b, m.MemberID)
	return b
}

func DecodeTerminationAck(buf []byte) (TerminationAck, error) {
	r := newReader(buf, TemplateTerminationAck)
	m := TerminationAck{
		LeadershipTermID: r.i64(),
		LogPosition:      r.i64(),
		MemberID:         r.i32(),
	}
	return m, r.err
}

type RemoveMember struct {
	MemberID  int32
	IsPassive bool
}

func (m *RemoveMember) Encode() []byte {
	b := newMessage(TemplateRemoveMember, 8)
	b = putI32(b, m.MemberID)
	b = putBool(b, m.IsPassive)
	return b
}

func DecodeRemoveMember(buf []byte) (RemoveMember, error) {
	r := newReader(buf, TemplateRemoveMember)
	m := RemoveMember{
		MemberID:  r.i32(),
		IsPassive: r.boolean(),
	}
	return m, r.err
}
