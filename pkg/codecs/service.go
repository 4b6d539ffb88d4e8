package codecs

// Service control messages between the consensus module and hosted services.

// Role of a member as exposed to services.
type Role uint8

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	}
	return "unknown"
}

type JoinLog struct {
	LeadershipTermID int64
	LogPosition      int64
	MaxLogPosition   int64
	MemberID         int32
	LogSessionID     int32
	LogStreamID      int32
	IsStartup        bool
	Role             Role
	Channel          string
}

func (m *JoinLog) Encode() []byte {
	b := newMessage(TemplateJoinLog, 48+len(m.Channel))
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.LogPosition)
	b = putI64(b, m.MaxLogPosition)
	b = putI32(b, m.MemberID)
	b = putI32(b, m.LogSessionID)
	b = putI32(b, m.LogStreamID)
	b = putBool(b, m.IsStartup)
	b = append(b, byte(m.Role))
	b = putString(b, m.Channel)
	return b
}

func DecodeJoinLog(buf []byte) (JoinLog, error) {
	r := newReader(buf, TemplateJoinLog)
	m := JoinLog{
		LeadershipTermID: r.i64(),
		LogPosition:      r.i64(),
		MaxLogPosition:   r.i64(),
		MemberID:         r.i32(),
		LogSessionID:     r.i32(),
		LogStreamID:      r.i32(),
		IsStartup:        r.boolean(),
		Role:             Role(r.u8()),
		Channel:          r.str(),
	}
	return m, r.err
}

type ServiceTerminationPosition struct {
	LogPosition int64
}

func (m *ServiceTerminationPosition) Encode() []byte {
	b := newMessage(TemplateServiceTerminationPosition, 8)
	b = putI64(b, m.LogPosition)
	return b
}

func DecodeServiceTerminationPosition(buf []byte) (ServiceTerminationPosition, error) {
	r := newReader(buf, TemplateServiceTerminationPosition)
	m := ServiceTerminationPosition{LogPosition: r.i64()}
	return m, r.err
}

type ElectionStartEvent struct {
	LogPosition int64
}

func (m *ElectionStartEvent) Encode() []byte {
	b := newMessage(TemplateElectionStartEvent, 8)
	b = putI64(b, m.LogPosition)
	return b
}

func DecodeElectionStartEvent(buf []byte) (ElectionStartEvent, error) {
	r := newReader(buf, TemplateElectionStartEvent)
	m := ElectionStartEvent{LogPosition: r.i64()}
	return m, r.err
}

type ClusterMembersResponse struct {
	CorrelationID  int64
	LeaderMemberID int32
	ActiveMembers  string
	PassiveMembers string
}

func (m *ClusterMembersResponse) Encode() []byte {
	b := newMessage(TemplateClusterMembersResponse, 24+len(m.ActiveMembers)+len(m.PassiveMembers))
	b = putI64(b, m.CorrelationID)
	b = putI32(b, m.LeaderMemberID)
	b = putString(b, m.ActiveMembers)
	b = putString(b, m.PassiveMembers)
	return b
}

func DecodeClusterMembersResponse(buf []byte) (ClusterMembersResponse, error) {
	r := newReader(buf, TemplateClusterMembersResponse)
	m := ClusterMembersResponse{
		CorrelationID:  r.i64(),
		LeaderMemberID: r.i32(),
		ActiveMembers:  r.str(),
		PassiveMembers: r.str(),
	}
	return m, r.err
}

type RequestServiceAck struct {
	LogPosition int64
}

func (m *RequestServiceAck) Encode() []byte {
	b := newMessage(TemplateRequestServiceAck, 8)
	b = putI64(b, m.LogPosition)
	return b
}

func DecodeRequestServiceAck(buf []byte) (RequestServiceAck, error) {
	r := newReader(buf, TemplateRequestServiceAck)
	m := RequestServiceAck{LogPosition: r.i64()}
	return m, r.err
}

type ServiceAck struct {
	LogPosition int64
	Timestamp   int64
	AckID       int64
	RelevantID  int64
	ServiceID   int32
}

func (m *ServiceAck) Encode() []byte {
	b := newMessage(TemplateServiceAck, 40)
	b = putI64(b, m.LogPosition)
	b = putI64(b, m.Timestamp)
	b = putI64(b, m.AckID)
	b = putI64(b, m.RelevantID)
	b = putI32(b, m.ServiceID)
	return b
}

func DecodeServiceAck(buf []byte) (ServiceAck, error) {
	r := newReader(buf, TemplateServiceAck)
	m := ServiceAck{
		LogPosition: r.i64(),
		Timestamp:   r.i64(),
		AckID:       r.i64(),
		RelevantID:  r.i64(),
		ServiceID:   r.i32(),
	}
	return m, r.err
}

// ServiceMessage is a message originated by a hosted service, to be appended
// to the log under a service pseudo-session id.
type ServiceMessage struct {
	LeadershipTermID int64
	Payload          []byte
}

func (m *ServiceMessage) Encode() []byte {
	b := newMessage(TemplateServiceMessage, 16+len(m.Payload))
	b = putI64(b, m.LeadershipTermID)
	b = putBytes(b, m.Payload)
	return b
}

func DecodeServiceMessage(buf []byte) (ServiceMessage, error) {
	r := newReader(buf, TemplateServiceMessage)
	m := ServiceMessage{
		LeadershipTermID: r.i64(),
		Payload:          r.bytes(),
	}
	return m, r.err
}

type CloseSessionRequest struct {
	ClusterSessionID int64
}

func (m *CloseSessionRequest) Encode() []byte {
	b := newMessage(TemplateCloseSessionReq, 8)
	b = putI64(b, m.ClusterSessionID)
	return b
}

func DecodeCloseSessionRequest(buf []byte) (CloseSessionRequest, error) {
	r := newReader(buf, TemplateCloseSessionReq)
	m := CloseSessionRequest{ClusterSessionID: r.i64()}
	return m, r.err
}

type ScheduleTimerRequest struct {
	CorrelationID int64
	Deadline      int64
}

func (m *ScheduleTimerRequest) Encode() []byte {
	b := newMessage(TemplateScheduleTimer, 16)
	b = putI64(b, m.CorrelationID)
	b = putI64(b, m.Deadline)
	return b
}

func DecodeScheduleTimerRequest(buf []byte) (ScheduleTimerRequest, error) {
	r := newReader(buf, TemplateScheduleTimer)
	m := ScheduleTimerRequest{
		CorrelationID: r.i64(),
		Deadline:      r.i64(),
	}
	return m, r.err
}

type CancelTimerRequest struct {
	CorrelationID int64
}

func (m *CancelTimerRequest) Encode() []byte {
	b := newMessage(TemplateCancelTimer, 8)
	b = putI64(b, m.CorrelationID)
	return b
}

func DecodeCancelTimerRequest(buf []byte) (CancelTimerRequest, error) {
	r := newReader(buf, TemplateCancelTimer)
	m := CancelTimerRequest{CorrelationID: r.i64()}
	return m, r.err
}

type ClusterMembersQuery struct {
	CorrelationID int64
}

func (m *ClusterMembersQuery) Encode() []byte {
	b := newMessage(TemplateClusterMembersQuery, 8)
	b = putI64(b, m.CorrelationID)
	return b
}

func DecodeClusterMembersQuery(buf []byte) (ClusterMembersQuery, error) {
	r := newReader(buf, TemplateClusterMembersQuery)
	m := ClusterMembersQuery{CorrelationID: r.i64()}
	return m, r.err
}
