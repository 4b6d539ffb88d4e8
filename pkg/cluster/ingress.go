package cluster

import (
	"fmt"

	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

// ingressAdapter decodes client-facing request frames and feeds them to the
// leader. Followers keep the subscription open only to answer connects with
// redirects.
type ingressAdapter struct {
	agent        *ConsensusModuleAgent
	subscription transport.Subscription
}

func (ad *ingressAdapter) poll() int {
	if ad.subscription == nil {
		return 0
	}
	return ad.subscription.Poll(ad.onFragment, messageLimit)
}

func (ad *ingressAdapter) close() {
	if ad.subscription != nil {
		_ = ad.subscription.Close()
		ad.subscription = nil
	}
}

func (ad *ingressAdapter) onFragment(buf []byte, _ transport.Header) {
	agent := ad.agent
	switch codecs.TemplateID(buf) {
	case codecs.TemplateSessionConnect:
		m, err := codecs.DecodeSessionConnectRequest(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onSessionConnect(m)
	case codecs.TemplateSessionCloseReq:
		m, err := codecs.DecodeSessionCloseRequest(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onSessionCloseRequest(m)
	case codecs.TemplateSessionMessage:
		m, err := codecs.DecodeSessionMessage(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onIngressMessage(m)
	case codecs.TemplateSessionKeepAlive:
		m, err := codecs.DecodeSessionKeepAlive(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onSessionKeepAlive(m)
	case codecs.TemplateChallengeResponse:
		m, err := codecs.DecodeChallengeResponse(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onChallengeResponse(m)
	default:
		agent.countError(fmt.Errorf("cluster: unknown ingress template %d", codecs.TemplateID(buf)))
	}
}

// egress helpers: events published on a session's response channel.

func (a *ConsensusModuleAgent) sendSessionEvent(s *ClusterSession, code codecs.EventCode, detail string) bool {
	if err := s.connect(a.opts.Transport); err != nil {
		a.countError(err)
		return false
	}
	m := codecs.SessionEvent{
		CorrelationID:    s.CorrelationID,
		ClusterSessionID: s.ID,
		LeadershipTermID: a.leadershipTermID,
		LeaderMemberID:   a.leaderMemberID,
		Code:             code,
		Detail:           detail,
	}
	return s.response != nil && s.response.Offer(m.Encode()) >= 0
}

func (a *ConsensusModuleAgent) sendChallenge(s *ClusterSession) bool {
	if err := s.connect(a.opts.Transport); err != nil {
		a.countError(err)
		return false
	}
	m := codecs.Challenge{
		CorrelationID:    s.CorrelationID,
		ClusterSessionID: s.ID,
		EncodedChallenge: s.challengeData,
	}
	return s.response != nil && s.response.Offer(m.Encode()) >= 0
}

func (a *ConsensusModuleAgent) sendNewLeaderEvent(s *ClusterSession) bool {
	if err := s.connect(a.opts.Transport); err != nil {
		a.countError(err)
		return false
	}
	leader := findMember(a.members, a.leaderMemberID)
	endpoints := ""
	if leader != nil {
		endpoints = leader.ClientFacingEndpoint
	}
	m := codecs.NewLeaderEvent{
		ClusterSessionID: s.ID,
		LeadershipTermID: a.leadershipTermID,
		LeaderMemberID:   a.leaderMemberID,
		IngressEndpoints: endpoints,
	}
	return s.response != nil && s.response.Offer(m.Encode()) >= 0
}
