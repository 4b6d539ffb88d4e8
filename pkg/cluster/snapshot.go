package cluster

import (
	"fmt"

	"github.com/amirimatin/go-quorum/pkg/archive"
	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

// snapshotInProgress tracks one snapshot attempt: the module writes its own
// state through a recorded snapshot publication while the hosted services
// snapshot in parallel and ack with their recording ids.
type snapshotInProgress struct {
	logPosition      int64
	leadershipTermID int64
	moduleRecordingID int64
	recordingSubID    int64
	moduleWritten     bool
	entriesAppended   bool
}

// takeModuleSnapshot writes the consensus module's own snapshot stream:
// next ids, sessions, timers, membership, pending service messages.
func (a *ConsensusModuleAgent) takeModuleSnapshot(sp *snapshotInProgress) error {
	pub, err := a.opts.Transport.AddExclusivePublication(a.opts.SnapshotChannel, a.opts.SnapshotStreamID)
	if err != nil {
		return err
	}
	defer func() { _ = pub.Close() }()

	subID, err := a.opts.Archive.StartRecording(a.opts.SnapshotChannel, a.opts.SnapshotStreamID)
	if err != nil {
		return err
	}
	sp.recordingSubID = subID
	recID, ok, err := a.opts.Archive.FindRecordingBySession(pub.SessionID())
	if err != nil {
		return err
	}
	if !ok {
		return ErrRecordingGone
	}
	sp.moduleRecordingID = recID

	offer := func(buf []byte) error {
		if pub.Offer(buf) < 0 {
			return ErrBackPressured
		}
		return nil
	}

	begin := codecs.SnapshotMarker{
		SnapshotTypeID:   codecs.ConsensusModuleSnapshotTypeID,
		LogPosition:      sp.logPosition,
		LeadershipTermID: sp.leadershipTermID,
		Mark:             codecs.MarkBegin,
		AppVersion:       a.opts.AppVersion,
	}
	if err := offer(begin.Encode()); err != nil {
		return err
	}

	state := codecs.ConsensusModuleSnapshot{
		NextSessionID:          a.nextSessionID,
		NextServiceSessionID:   a.nextServiceSessionID,
		LogServiceSessionID:    a.logServiceSessionID,
		PendingMessageCapacity: int32(a.pendingServiceMessages.capacity()),
	}
	if err := offer(state.Encode()); err != nil {
		return err
	}

	membership := codecs.MembershipSnapshot{
		MemberID:       a.memberID,
		HighMemberID:   a.highMemberID,
		ClusterMembers: EncodeMembers(a.members),
	}
	if err := offer(membership.Encode()); err != nil {
		return err
	}

	for _, s := range a.sessions {
		if !s.IsOpen() {
			continue
		}
		ss := codecs.SessionSnapshot{
			ClusterSessionID:     s.ID,
			CorrelationID:        s.CorrelationID,
			OpenedLogPosition:    s.OpenedLogPosition,
			TimeOfLastActivityMs: s.TimeOfLastActivityMs,
			CloseReason:          s.CloseReason,
			ResponseStreamID:     s.ResponseStreamID,
			ResponseChannel:      s.ResponseChannel,
		}
		if err := offer(ss.Encode()); err != nil {
			return err
		}
	}

	var timerErr error
	a.timers.Snapshot(func(correlationID, deadline int64) {
		if timerErr != nil {
			return
		}
		ts := codecs.TimerSnapshot{CorrelationID: correlationID, Deadline: deadline}
		timerErr = offer(ts.Encode())
	})
	if timerErr != nil {
		return timerErr
	}

	var msgErr error
	a.pendingServiceMessages.forEach(func(serviceSessionID int64, payload []byte) {
		if msgErr != nil {
			return
		}
		sm := codecs.SessionMessage{
			LeadershipTermID: sp.leadershipTermID,
			ClusterSessionID: serviceSessionID,
			Timestamp:        a.clusterTime,
			Payload:          payload,
		}
		msgErr = offer(sm.Encode())
	})
	if msgErr != nil {
		return msgErr
	}

	end := begin
	end.Mark = codecs.MarkEnd
	if err := offer(end.Encode()); err != nil {
		return err
	}

	if err := a.opts.Archive.PollForErrorResponse(); err != nil {
		return err
	}
	_ = a.opts.Archive.StopRecording(subID)
	return nil
}

// loadModuleSnapshot replays the module's own snapshot recording from the
// recovery plan and rebuilds sessions, timers, membership and pending
// messages.
func (a *ConsensusModuleAgent) loadModuleSnapshot() error {
	entry, ok := a.recoveryPlan.ModuleSnapshot()
	if !ok {
		return nil
	}
	replayID, err := a.opts.Archive.StartReplay(entry.RecordingID, archive.NullPosition, archive.NullPosition, a.opts.ReplayChannel, a.opts.ReplayStreamID)
	if err != nil {
		return err
	}
	sub, err := a.opts.Transport.AddSubscription(a.opts.ReplayChannel, a.opts.ReplayStreamID)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	sessionID := archive.ReplayImageSessionID(replayID)
	var image transport.Image
	for image == nil {
		if img := sub.ImageBySessionID(sessionID); img != nil {
			image = img
			break
		}
		a.opts.Transport.Invoke()
		if a.interrupted() {
			return ErrTimeout
		}
	}

	loader := &snapshotLoader{agent: a}
	for !loader.done {
		if image.Poll(loader.onFragment, messageLimit) == 0 {
			if err := a.opts.Archive.PollForErrorResponse(); err != nil {
				return err
			}
			if image.IsClosed() && image.IsEndOfStream() && !loader.done {
				return fmt.Errorf("cluster: snapshot replay ended unexpectedly at %d", image.Position())
			}
			a.opts.Transport.Invoke()
			if a.interrupted() {
				return ErrTimeout
			}
		}
	}
	if loader.err != nil {
		return loader.err
	}
	if codecs.SemanticVersionMajor(loader.appVersion) != codecs.SemanticVersionMajor(a.opts.AppVersion) {
		return fmt.Errorf("cluster: incompatible snapshot app version %d", loader.appVersion)
	}
	a.snapshotLoaded = true
	return nil
}

// snapshotLoader rebuilds module state from a snapshot stream.
type snapshotLoader struct {
	agent      *ConsensusModuleAgent
	inSnapshot bool
	done       bool
	appVersion uint32
	err        error
}

func (l *snapshotLoader) onFragment(buf []byte, _ transport.Header) {
	if l.done || l.err != nil {
		return
	}
	a := l.agent
	switch codecs.TemplateID(buf) {
	case codecs.TemplateSnapshotMarker:
		m, err := codecs.DecodeSnapshotMarker(buf)
		if err != nil {
			l.err = err
			return
		}
		switch m.Mark {
		case codecs.MarkBegin:
			l.inSnapshot = true
			l.appVersion = m.AppVersion
		case codecs.MarkEnd:
			l.done = true
		}
	case codecs.TemplateConsensusModuleSnapshot:
		m, err := codecs.DecodeConsensusModuleSnapshot(buf)
		if err != nil {
			l.err = err
			return
		}
		a.nextSessionID = m.NextSessionID
		a.nextServiceSessionID = m.NextServiceSessionID
		a.logServiceSessionID = m.LogServiceSessionID
		a.pendingServiceMessages.reset(int(m.PendingMessageCapacity))
	case codecs.TemplateMembershipSnapshot:
		m, err := codecs.DecodeMembershipSnapshot(buf)
		if err != nil {
			l.err = err
			return
		}
		members, err := ParseMembers(m.ClusterMembers)
		if err != nil {
			l.err = err
			return
		}
		a.members = members
		a.highMemberID = m.HighMemberID
		if a.memberID == NullMemberID {
			a.memberID = m.MemberID
		}
	case codecs.TemplateSessionSnapshot:
		m, err := codecs.DecodeSessionSnapshot(buf)
		if err != nil {
			l.err = err
			return
		}
		s := newClusterSession(m.ClusterSessionID, m.CorrelationID, m.ResponseStreamID, m.ResponseChannel, m.TimeOfLastActivityMs)
		s.state = sessionOpen
		s.OpenedLogPosition = m.OpenedLogPosition
		a.sessions[s.ID] = s
	case codecs.TemplateTimerSnapshot:
		m, err := codecs.DecodeTimerSnapshot(buf)
		if err != nil {
			l.err = err
			return
		}
		a.timers.Schedule(m.CorrelationID, m.Deadline)
	case codecs.TemplateSessionMessage:
		m, err := codecs.DecodeSessionMessage(buf)
		if err != nil {
			l.err = err
			return
		}
		a.pendingServiceMessages.append(m.ClusterSessionID, m.Payload)
	default:
		l.err = fmt.Errorf("cluster: unknown snapshot template %d", codecs.TemplateID(buf))
	}
}
