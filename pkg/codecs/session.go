package codecs

// Client ingress and egress messages.

type SessionConnectRequest struct {
	CorrelationID      int64
	ResponseStreamID   int32
	Version            uint32
	ResponseChannel    string
	EncodedCredentials []byte
}

func (m *SessionConnectRequest) Encode() []byte {
	b := newMessage(TemplateSessionConnect, 32+len(m.ResponseChannel)+len(m.EncodedCredentials))
	b = putI64(b, m.CorrelationID)
	b = putI32(b, m.ResponseStreamID)
	b = putU32(b, m.Version)
	b = putString(b, m.ResponseChannel)
	b = putBytes(b, m.EncodedCredentials)
	return b
}

func DecodeSessionConnectRequest(buf []byte) (SessionConnectRequest, error) {
	r := newReader(buf, TemplateSessionConnect)
	m := SessionConnectRequest{
		CorrelationID:      r.i64(),
		ResponseStreamID:   r.i32(),
		Version:            r.u32(),
		ResponseChannel:    r.str(),
		EncodedCredentials: r.bytes(),
	}
	return m, r.err
}

type SessionCloseRequest struct {
	LeadershipTermID int64
	ClusterSessionID int64
}

func (m *SessionCloseRequest) Encode() []byte {
	b := newMessage(TemplateSessionCloseReq, 16)
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.ClusterSessionID)
	return b
}

func DecodeSessionCloseRequest(buf []byte) (SessionCloseRequest, error) {
	r := newReader(buf, TemplateSessionCloseReq)
	m := SessionCloseRequest{
		LeadershipTermID: r.i64(),
		ClusterSessionID: r.i64(),
	}
	return m, r.err
}

type SessionKeepAlive struct {
	LeadershipTermID int64
	ClusterSessionID int64
}

func (m *SessionKeepAlive) Encode() []byte {
	b := newMessage(TemplateSessionKeepAlive, 16)
	b = putI64(b, m.LeadershipTermID)
	b = putI64(b, m.ClusterSessionID)
	return b
}

func DecodeSessionKeepAlive(buf []byte) (SessionKeepAlive, error) {
	r := newReader(buf, TemplateSessionKeepAlive)
	m := SessionKeepAlive{
		LeadershipTermID: r.i64(),
		ClusterSessionID: r.i64(),
	}
	return m, r.err
}

type ChallengeResponse struct {
	CorrelationID      int64
	ClusterSessionID   int64
	EncodedCredentials []byte
}

func (m *ChallengeResponse) Encode() []byte {
	b := newMessage(TemplateChallengeResponse, 24+len(m.EncodedCredentials))
	b = putI64(b, m.CorrelationID)
	b = putI64(b, m.ClusterSessionID)
	b = putBytes(b, m.EncodedCredentials)
	return b
}

func DecodeChallengeResponse(buf []byte) (ChallengeResponse, error) {
	r := newReader(buf, TemplateChallengeResponse)
	m := ChallengeResponse{
		CorrelationID:      r.i64(),
		ClusterSessionID:   r.i64(),
		EncodedCredentials: r.bytes(),
	}
	return m, r.err
}

// SessionEvent is published on a session's response channel to report
// connect outcomes, redirects and closes.
type SessionEvent struct {
	CorrelationID    int64
	ClusterSessionID int64
	LeadershipTermID int64
	LeaderMemberID   int32
	Code             EventCode
	Detail           string
}

func (m *SessionEvent) Encode() []byte {
	b := newMessage(TemplateSessionEvent, 40+len(m.Detail))
	b = putI64(b, m.CorrelationID)
	b = putI64(b, m.ClusterSessionID)
	b = putI64(b, m.LeadershipTermID)
	b = putI32(b, m.LeaderMemberID)
	b = append(b, byte(m.Code))
	b = putString(b, m.Detail)
	return b
}

func DecodeSessionEvent(buf []byte) (SessionEvent, error) {
	r := newReader(buf, TemplateSessionEvent)
	m := SessionEvent{
		CorrelationID:    r.i64(),
		ClusterSessionID: r.i64(),
		LeadershipTermID: r.i64(),
		LeaderMemberID:   r.i32(),
		Code:             EventCode(r.u8()),
		Detail:           r.str(),
	}
	return m, r.err
}

type Challenge struct {
	CorrelationID    int64
	ClusterSessionID int64
	EncodedChallenge []byte
}

func (m *Challenge) Encode() []byte {
	b := newMessage(TemplateChallenge, 24+len(m.EncodedChallenge))
	b = putI64(b, m.CorrelationID)
	b = putI64(b, m.ClusterSessionID)
	b = putBytes(b, m.EncodedChallenge)
	return b
}

func DecodeChallenge(buf []byte) (Challenge, error) {
	r := newReader(buf, TemplateChallenge)
	m := Challenge{
		CorrelationID:    r.i64(),
		ClusterSessionID: r.i64(),
		EncodedChallenge: r.bytes(),
	}
	return m, r.err
}

// NewLeaderEvent tells an open session that leadership moved.
type NewLeaderEvent struct {
	ClusterSessionID int64
	LeadershipTermID int64
	LeaderMemberID   int32
	IngressEndpoints string
}

func (m *NewLeaderEvent) Encode() []byte {
	b := newMessage(TemplateNewLeaderEvent, 32+len(m.IngressEndpoints))
	b = putI64(b, m.ClusterSessionID)
	b = putI64(b, m.LeadershipTermID)
	b = putI32(b, m.LeaderMemberID)
	b = putString(b, m.IngressEndpoints)
	return b
}

func DecodeNewLeaderEvent(buf []byte) (NewLeaderEvent, error) {
	r := newReader(buf, TemplateNewLeaderEvent)
	m := NewLeaderEvent{
		ClusterSessionID: r.i64(),
		LeadershipTermID: r.i64(),
		LeaderMemberID:   r.i32(),
		IngressEndpoints: r.str(),
	}
	return m, r.err
}
