package cluster

import (
	"fmt"

	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

// logAdapter consumes the replicated log stream on a follower (or during
// catch-up and recovery replay), dispatching each record to the agent. The
// record timestamp is passed through as the authoritative cluster time.
type logAdapter struct {
	agent *ConsensusModuleAgent
	image transport.Image
	// maxLogPosition bounds consumption (e.g. the termination position).
	maxLogPosition int64
}

func (a *logAdapter) position() int64 {
	if a.image == nil {
		return NullPosition
	}
	return a.image.Position()
}

func (a *logAdapter) isImageClosed() bool {
	return a.image == nil || a.image.IsClosed()
}

func (a *logAdapter) close() {
	a.image = nil
}

func (a *logAdapter) poll(limit int) int {
	if a.image == nil {
		return 0
	}
	if a.maxLogPosition != NullPosition && a.image.Position() >= a.maxLogPosition {
		return 0
	}
	return a.image.Poll(a.onFragment, limit)
}

func (a *logAdapter) onFragment(buf []byte, header transport.Header) {
	agent := a.agent
	switch codecs.TemplateID(buf) {
	case codecs.TemplateSessionOpen:
		m, err := codecs.DecodeSessionOpen(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onReplaySessionOpen(m, header.Position)
	case codecs.TemplateSessionClose:
		m, err := codecs.DecodeSessionClose(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onReplaySessionClose(m, header.Position)
	case codecs.TemplateSessionMessage:
		m, err := codecs.DecodeSessionMessage(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onReplaySessionMessage(m, header.Position)
	case codecs.TemplateTimerEvent:
		m, err := codecs.DecodeTimerEvent(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onReplayTimerEvent(m, header.Position)
	case codecs.TemplateClusterAction:
		m, err := codecs.DecodeClusterActionRequest(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onReplayClusterAction(m, header.Position)
	case codecs.TemplateNewLeadershipTermEvent:
		m, err := codecs.DecodeNewLeadershipTermEvent(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onReplayNewLeadershipTermEvent(m, header.Position)
	case codecs.TemplateMembershipChange:
		m, err := codecs.DecodeMembershipChangeEvent(buf)
		if err != nil {
			agent.countError(err)
			return
		}
		agent.onReplayMembershipChange(m, header.Position)
	default:
		agent.countError(fmt.Errorf("cluster: unknown log record template %d", codecs.TemplateID(buf)))
	}
}
