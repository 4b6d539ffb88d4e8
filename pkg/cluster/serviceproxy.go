package cluster

import (
	"fmt"

	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

// serviceProxy publishes control messages from the module to the hosted
// services. Offers return false on back pressure and are retried by the
// caller on a later tick.
type serviceProxy struct {
	publication transport.Publication
}

func (p *serviceProxy) offer(buf []byte) bool {
	if p.publication == nil {
		return false
	}
	return p.publication.Offer(buf) >= 0
}

func (p *serviceProxy) joinLog(leadershipTermID, logPosition, maxLogPosition int64, memberID, logSessionID, logStreamID int32, isStartup bool, role codecs.Role, channel string) bool {
	m := codecs.JoinLog{
		LeadershipTermID: leadershipTermID,
		LogPosition:      logPosition,
		MaxLogPosition:   maxLogPosition,
		MemberID:         memberID,
		LogSessionID:     logSessionID,
		LogStreamID:      logStreamID,
		IsStartup:        isStartup,
		Role:             role,
		Channel:          channel,
	}
	return p.offer(m.Encode())
}

func (p *serviceProxy) terminationPosition(logPosition int64) bool {
	m := codecs.ServiceTerminationPosition{LogPosition: logPosition}
	return p.offer(m.Encode())
}

func (p *serviceProxy) electionStart(logPosition int64) bool {
	m := codecs.ElectionStartEvent{LogPosition: logPosition}
	return p.offer(m.Encode())
}

func (p *serviceProxy) clusterMembersResponse(correlationID int64, leaderMemberID int32, activeMembers, passiveMembers string) bool {
	m := codecs.ClusterMembersResponse{
		CorrelationID:  correlationID,
		LeaderMemberID: leaderMemberID,
		ActiveMembers:  activeMembers,
		PassiveMembers: passiveMembers,
	}
	return p.offer(m.Encode())
}

func (p *serviceProxy) requestServiceAck(logPosition int64) bool {
	m := codecs.RequestServiceAck{LogPosition: logPosition}
	return p.offer(m.Encode())
}

func (p *serviceProxy) close() {
	if p.publication != nil {
		_ = p.publication.Close()
		p.publication = nil
	}
}

// serviceAdapter polls control messages from the hosted services.
type serviceAdapter struct {
	agent        *ConsensusModuleAgent
	subscription transport.Subscription
}

func (a *serviceAdapter) poll() int {
	if a.subscription == nil {
		return 0
	}
	return a.subscription.Poll(a.onFragment, messageLimit)
}

func (a *serviceAdapter) close() {
	if a.subscription != nil {
		_ = a.subscription.Close()
		a.subscription = nil
	}
}

func (a *serviceAdapter) onFragment(buf []byte, _ transport.Header) {
	agent := a.agent
	switch codecs.TemplateID(buf) {
	case codecs.TemplateServiceAck:
		m, err := codecs.DecodeServiceAck(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onServiceAck(m)
	case codecs.TemplateServiceMessage:
		m, err := codecs.DecodeServiceMessage(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onServiceMessage(m)
	case codecs.TemplateCloseSessionReq:
		m, err := codecs.DecodeCloseSessionRequest(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onServiceCloseSession(m.ClusterSessionID)
	case codecs.TemplateScheduleTimer:
		m, err := codecs.DecodeScheduleTimerRequest(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onScheduleTimer(m.CorrelationID, m.Deadline)
	case codecs.TemplateCancelTimer:
		m, err := codecs.DecodeCancelTimerRequest(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onCancelTimer(m.CorrelationID)
	case codecs.TemplateClusterMembersQuery:
		m, err := codecs.DecodeClusterMembersQuery(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onClusterMembersQuery(m.CorrelationID)
	default:
		agent.countError(fmt.Errorf("cluster: unknown service control template %d", codecs.TemplateID(buf)))
	}
}
