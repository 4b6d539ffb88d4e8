package cluster

import (
	"fmt"

	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

// offerToMember publishes one member-status message to a peer, connecting
// its publication lazily. Returns false on back pressure or while the peer
// is unreachable.
func (a *ConsensusModuleAgent) offerToMember(m *Member, buf []byte) bool {
	if m == nil || m.ID == a.memberID {
		return false
	}
	if m.Publication == nil {
		pub, err := a.opts.Transport.AddPublication(m.MemberFacingEndpoint, a.opts.ConsensusStreamID)
		if err != nil {
			a.countError(err)
			return false
		}
		m.Publication = pub
	}
	return m.Publication.Offer(buf) >= 0
}

// publishToAll offers a message to every other active member, returning the
// number of successful offers.
func (a *ConsensusModuleAgent) publishToAll(buf []byte) int {
	n := 0
	for _, m := range a.members {
		if m.ID == a.memberID {
			continue
		}
		if a.offerToMember(m, buf) {
			n++
		}
	}
	return n
}

// memberStatusAdapter polls peer control messages addressed to this member.
type memberStatusAdapter struct {
	agent        *ConsensusModuleAgent
	subscription transport.Subscription
}

func (ad *memberStatusAdapter) poll() int {
	if ad.subscription == nil {
		return 0
	}
	return ad.subscription.Poll(ad.onFragment, messageLimit)
}

func (ad *memberStatusAdapter) close() {
	if ad.subscription != nil {
		_ = ad.subscription.Close()
		ad.subscription = nil
	}
}

func (ad *memberStatusAdapter) onFragment(buf []byte, _ transport.Header) {
	agent := ad.agent
	switch codecs.TemplateID(buf) {
	case codecs.TemplateCanvassPosition:
		m, err := codecs.DecodeCanvassPosition(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onCanvassPosition(m)
	case codecs.TemplateRequestVote:
		m, err := codecs.DecodeRequestVote(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onRequestVote(m)
	case codecs.TemplateVote:
		m, err := codecs.DecodeVote(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onVote(m)
	case codecs.TemplateNewLeadershipTerm:
		m, err := codecs.DecodeNewLeadershipTerm(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onNewLeadershipTerm(m)
	case codecs.TemplateAppendedPosition:
		m, err := codecs.DecodeAppendedPosition(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onAppendedPosition(m)
	case codecs.TemplateCommitPosition:
		m, err := codecs.DecodeCommitPosition(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onCommitPositionMessage(m)
	case codecs.TemplateCatchupPosition:
		m, err := codecs.DecodeCatchupPosition(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onCatchupPosition(m)
	case codecs.TemplateStopCatchup:
		m, err := codecs.DecodeStopCatchup(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onStopCatchup(m)
	case codecs.TemplateAddPassiveMember:
		m, err := codecs.DecodeAddPassiveMember(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onAddPassiveMember(m)
	case codecs.TemplateClusterMembersChange:
		m, err := codecs.DecodeClusterMembersChange(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onClusterMembersChange(m)
	case codecs.TemplateSnapshotRecordingQuery:
		m, err := codecs.DecodeSnapshotRecordingQuery(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onSnapshotRecordingQuery(m)
	case codecs.TemplateSnapshotRecordings:
		m, err := codecs.DecodeSnapshotRecordings(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onSnapshotRecordings(m)
	case codecs.TemplateJoinCluster:
		m, err := codecs.DecodeJoinCluster(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onJoinCluster(m)
	case codecs.TemplateTerminationPosition:
		m, err := codecs.DecodeTerminationPosition(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onTerminationPosition(m)
	case codecs.TemplateTerminationAck:
		m, err := codecs.DecodeTerminationAck(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onTerminationAck(m)
	case codecs.TemplateRemoveMember:
		m, err := codecs.DecodeRemoveMember(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onRemoveMember(m)
	default:
		agent.countError(fmt.Errorf("cluster: unknown member status template %d", codecs.TemplateID(buf)))
	}
}
