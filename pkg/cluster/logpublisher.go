package cluster

import (
	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

// logPublisher appends framed records to the replicated log on behalf of the
// leader. Every append returns the post-append log position, or a negative
// transport sentinel on back pressure; back-pressured appends are retried on
// a later tick without reordering.
type logPublisher struct {
	publication      transport.Publication
	leadershipTermID int64
}

func (p *logPublisher) position() int64 {
	if p.publication == nil {
		return NullPosition
	}
	return p.publication.Position()
}

func (p *logPublisher) isConnected() bool {
	return p.publication != nil && p.publication.IsConnected()
}

func (p *logPublisher) close() {
	if p.publication != nil {
		_ = p.publication.Close()
		p.publication = nil
	}
}

func (p *logPublisher) offer(buf []byte) int64 {
	if p.publication == nil {
		return transport.NotConnected
	}
	return p.publication.Offer(buf)
}

func (p *logPublisher) appendSessionOpen(s *ClusterSession, timestamp int64) int64 {
	m := codecs.SessionOpen{
		LeadershipTermID: p.leadershipTermID,
		ClusterSessionID: s.ID,
		Timestamp:        timestamp,
		CorrelationID:    s.CorrelationID,
		ResponseStreamID: s.ResponseStreamID,
		ResponseChannel:  s.ResponseChannel,
		EncodedPrincipal: s.encodedPrincipal,
	}
	return p.offer(m.Encode())
}

func (p *logPublisher) appendSessionClose(clusterSessionID int64, reason codecs.CloseReason, timestamp int64) int64 {
	m := codecs.SessionClose{
		LeadershipTermID: p.leadershipTermID,
		ClusterSessionID: clusterSessionID,
		Timestamp:        timestamp,
		CloseReason:      reason,
	}
	return p.offer(m.Encode())
}

func (p *logPublisher) appendMessage(clusterSessionID int64, timestamp int64, payload []byte) int64 {
	m := codecs.SessionMessage{
		LeadershipTermID: p.leadershipTermID,
		ClusterSessionID: clusterSessionID,
		Timestamp:        timestamp,
		Payload:          payload,
	}
	return p.offer(m.Encode())
}

func (p *logPublisher) appendTimerEvent(correlationID, timestamp int64) int64 {
	m := codecs.TimerEvent{
		LeadershipTermID: p.leadershipTermID,
		CorrelationID:    correlationID,
		Timestamp:        timestamp,
	}
	return p.offer(m.Encode())
}

func (p *logPublisher) appendClusterAction(logPosition, timestamp int64, action codecs.ClusterAction) int64 {
	m := codecs.ClusterActionRequest{
		LeadershipTermID: p.leadershipTermID,
		LogPosition:      logPosition,
		Timestamp:        timestamp,
		Action:           action,
	}
	return p.offer(m.Encode())
}

func (p *logPublisher) appendNewLeadershipTermEvent(logPosition, timestamp, termBaseLogPosition int64, leaderMemberID, logSessionID int32, appVersion uint32) int64 {
	m := codecs.NewLeadershipTermEvent{
		LeadershipTermID:    p.leadershipTermID,
		LogPosition:         logPosition,
		Timestamp:           timestamp,
		TermBaseLogPosition: termBaseLogPosition,
		LeaderMemberID:      leaderMemberID,
		LogSessionID:        logSessionID,
		AppVersion:          appVersion,
	}
	return p.offer(m.Encode())
}

func (p *logPublisher) appendMembershipChange(logPosition, timestamp int64, leaderMemberID int32, change codecs.ChangeType, memberID int32, clusterMembers string) int64 {
	m := codecs.MembershipChangeEvent{
		LeadershipTermID: p.leadershipTermID,
		LogPosition:      logPosition,
		Timestamp:        timestamp,
		LeaderMemberID:   leaderMemberID,
		ChangeType:       change,
		MemberID:         memberID,
		ClusterMembers:   clusterMembers,
	}
	return p.offer(m.Encode())
}
