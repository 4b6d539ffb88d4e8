package cluster

import (
	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

type sessionState int8

const (
	sessionInit sessionState = iota
	sessionConnected
	sessionChallenged
	sessionAuthenticated
	sessionOpen
	sessionRejected
	sessionClosed
)

// ClusterSession is one client session's admission and liveness state.
// Sessions move only forward through states; closed is terminal.
type ClusterSession struct {
	ID               int64
	CorrelationID    int64
	ResponseStreamID int32
	ResponseChannel  string

	state    sessionState
	response transport.Publication

	OpenedLogPosition    int64
	TimeOfLastActivityMs int64
	CloseReason          codecs.CloseReason

	hasNewLeaderEventPending bool

	// admission bookkeeping
	encodedPrincipal []byte
	challengeData    []byte
	challengePending bool
	rejectDetail     string
	eventSent        bool
}

func newClusterSession(id, correlationID int64, responseStreamID int32, responseChannel string, nowMs int64) *ClusterSession {
	return &ClusterSession{
		ID:                   id,
		CorrelationID:        correlationID,
		ResponseStreamID:     responseStreamID,
		ResponseChannel:      responseChannel,
		state:                sessionInit,
		OpenedLogPosition:    NullPosition,
		TimeOfLastActivityMs: nowMs,
	}
}

// IsOpen reports whether the session accepts ingress messages.
func (s *ClusterSession) IsOpen() bool { return s.state == sessionOpen }

func (s *ClusterSession) isClosed() bool { return s.state == sessionClosed }

func (s *ClusterSession) connect(client transport.Client) error {
	if s.response != nil {
		return nil
	}
	pub, err := client.AddPublication(s.ResponseChannel, s.ResponseStreamID)
	if err != nil {
		return err
	}
	s.response = pub
	return nil
}

func (s *ClusterSession) disconnect() {
	if s.response != nil {
		_ = s.response.Close()
		s.response = nil
	}
}

func (s *ClusterSession) close(reason codecs.CloseReason) {
	if s.state == sessionClosed {
		return
	}
	s.state = sessionClosed
	s.CloseReason = reason
	s.disconnect()
}

// SessionProxy lets an authenticator drive a pending session without
// holding a reference to it.
type SessionProxy interface {
	SessionID() int64
	// Challenge sends a challenge to the client; the session moves to the
	// challenged state. Returns false on back pressure.
	Challenge(encodedChallenge []byte) bool
	// Authenticate accepts the session with an optional principal.
	Authenticate(encodedPrincipal []byte) bool
	// Reject declines the session.
	Reject() bool
}

// Authenticator progresses sessions through authentication. All calls are
// made from the agent thread. Implementations must not block.
type Authenticator interface {
	// OnConnectRequest is called once with the connect credentials.
	OnConnectRequest(sessionID int64, encodedCredentials []byte, nowMs int64)
	// OnChallengeResponse delivers a client's answer to a challenge.
	OnChallengeResponse(sessionID int64, encodedCredentials []byte, nowMs int64)
	// OnConnectedSession is polled while a session awaits a verdict in the
	// connected state.
	OnConnectedSession(proxy SessionProxy, nowMs int64)
	// OnChallengedSession is polled while a session awaits a verdict in the
	// challenged state.
	OnChallengedSession(proxy SessionProxy, nowMs int64)
}

// allowAllAuthenticator authenticates every session immediately.
type allowAllAuthenticator struct{}

func (allowAllAuthenticator) OnConnectRequest(int64, []byte, int64)    {}
func (allowAllAuthenticator) OnChallengeResponse(int64, []byte, int64) {}

func (allowAllAuthenticator) OnConnectedSession(proxy SessionProxy, _ int64) {
	proxy.Authenticate(nil)
}

func (allowAllAuthenticator) OnChallengedSession(proxy SessionProxy, _ int64) {
	proxy.Authenticate(nil)
}

// AllowAllAuthenticator is the default authenticator.
func AllowAllAuthenticator() Authenticator { return allowAllAuthenticator{} }

// sessionProxy is the agent-side SessionProxy implementation.
type sessionProxy struct {
	agent   *ConsensusModuleAgent
	session *ClusterSession
}

func (p *sessionProxy) SessionID() int64 { return p.session.ID }

func (p *sessionProxy) Challenge(encodedChallenge []byte) bool {
	s := p.session
	if s.state != sessionConnected {
		return false
	}
	s.challengeData = append([]byte(nil), encodedChallenge...)
	s.challengePending = true
	s.state = sessionChallenged
	return true
}

func (p *sessionProxy) Authenticate(encodedPrincipal []byte) bool {
	s := p.session
	if s.state != sessionConnected && s.state != sessionChallenged {
		return false
	}
	s.encodedPrincipal = append([]byte(nil), encodedPrincipal...)
	s.state = sessionAuthenticated
	return true
}

func (p *sessionProxy) Reject() bool {
	s := p.session
	if s.state != sessionConnected && s.state != sessionChallenged {
		return false
	}
	s.rejectDetail = "authentication rejected"
	s.state = sessionRejected
	return true
}
