package cluster

import (
	"fmt"

	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-quorum/pkg/observability/metrics"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

// ---- slow-tick housekeeping ----

func (a *ConsensusModuleAgent) checkServiceHeartbeats(nowMs int64) int {
	if a.opts.ServiceCount == 0 || a.state == StateInit {
		return 0
	}
	if a.heartbeatStart == 0 {
		a.heartbeatStart = nowMs
	}
	timeout := a.opts.ServiceHeartbeatTimeout.Milliseconds()
	for id := 0; id < a.opts.ServiceCount; id++ {
		last := a.heartbeatStart
		if c, ok := a.opts.Transport.FindCounter(transport.CounterTypeServiceHeartbeat, int64(id)); ok {
			last = max64(last, c.Get())
		}
		if nowMs > last+timeout {
			a.fatal(fmt.Errorf("%w: service %d silent for %dms", ErrServiceHeartbeat, id, nowMs-last))
			return 1
		}
	}
	return 0
}

func (a *ConsensusModuleAgent) checkControlToggle(nowMs int64) int {
	if a.controlToggle == nil {
		return 0
	}
	toggle := a.controlToggle.Poll()
	if toggle == ToggleNeutral {
		return 0
	}
	acted := false
	switch toggle {
	case ToggleSuspend:
		if a.state == StateActive {
			acted = a.appendAction(codecs.ActionSuspend, nowMs)
		}
	case ToggleResume:
		if a.state == StateSuspended {
			acted = a.appendAction(codecs.ActionResume, nowMs)
		}
	case ToggleSnapshot:
		if a.state == StateActive && a.snapshot == nil {
			acted = a.appendAction(codecs.ActionSnapshot, nowMs)
		}
	case ToggleShutdown:
		if a.state == StateActive && a.snapshot == nil {
			a.shutdownPending = true
			acted = a.appendAction(codecs.ActionSnapshot, nowMs)
			if !acted {
				a.shutdownPending = false
			}
		}
	case ToggleAbort:
		acted = a.initiateTermination(nowMs)
	}
	if acted {
		a.controlToggle.Reset()
		logutil.Infof(a.opts.Logger, "control toggle %s acted on by leader %d", toggle, a.memberID)
		return 1
	}
	return 0
}

// appendAction replicates a cluster action and applies the leader-side
// state change at the append position.
func (a *ConsensusModuleAgent) appendAction(action codecs.ClusterAction, nowMs int64) bool {
	position := a.logPublisher.appendClusterAction(a.appendedPosition(), a.clusterTimeMs(nowMs), action)
	if position < 0 {
		return false
	}
	a.applyClusterAction(action, position)
	return true
}

func (a *ConsensusModuleAgent) applyClusterAction(action codecs.ClusterAction, logPosition int64) {
	switch action {
	case codecs.ActionSuspend:
		if a.state == StateActive {
			a.state = StateSuspended
		} else if a.state == StateInit {
			a.suspendPending = true
		}
	case codecs.ActionResume:
		if a.state == StateSuspended {
			a.state = StateActive
		}
		a.suspendPending = false
	case codecs.ActionSnapshot:
		a.beginSnapshot(logPosition)
	}
}

func (a *ConsensusModuleAgent) checkSessionLiveness(nowMs int64) int {
	if a.state != StateActive {
		return 0
	}
	work := 0
	timeout := a.opts.SessionTimeout.Milliseconds()
	for _, s := range a.sessions {
		if !s.IsOpen() || nowMs <= s.TimeOfLastActivityMs+timeout {
			continue
		}
		if a.logPublisher.appendSessionClose(s.ID, codecs.CloseReasonTimeout, a.clusterTimeMs(nowMs)) < 0 {
			break
		}
		s.close(codecs.CloseReasonTimeout)
		delete(a.sessions, s.ID)
		a.clientTimeouts.Set(a.clientTimeouts.Get() + 1)
		obsmetrics.SessionsTimedOut.Inc()
		logutil.Infof(a.opts.Logger, "session %d closed: timeout", s.ID)
		work++
	}
	return work
}

func (a *ConsensusModuleAgent) checkQuorumLiveness(nowMs int64) int {
	if len(a.members) <= 1 || a.state == StateInit {
		return 0
	}
	timeout := a.opts.LeaderHeartbeatTimeout.Milliseconds()
	live := 0
	for _, m := range a.members {
		if m.ID == a.memberID || nowMs <= m.TimeOfLastAppendMs+timeout {
			live++
		}
	}
	if live < quorumThreshold(len(a.members)) {
		a.countError(ErrQuorumLost)
		a.enterElection(false)
		return 1
	}
	return 0
}

// checkRemovedMembers drops members whose QUIT has committed.
func (a *ConsensusModuleAgent) checkRemovedMembers() int {
	work := 0
	for _, m := range a.members {
		if m.RemovalPosition == NullPosition || a.commitPos < m.RemovalPosition {
			continue
		}
		if m.Publication != nil {
			_ = m.Publication.Close()
			m.Publication = nil
		}
		a.members = removeMember(a.members, m.ID)
		logutil.Infof(a.opts.Logger, "member %d removed at position %d", m.ID, m.RemovalPosition)
		work++
	}
	return work
}

// ---- session admission & events ----

func (a *ConsensusModuleAgent) onSessionConnect(m codecs.SessionConnectRequest) {
	nowMs := a.cachedTimeMs
	if !a.isLeader() {
		s := newClusterSession(NullValue, m.CorrelationID, m.ResponseStreamID, m.ResponseChannel, nowMs)
		a.redirectSessions = append(a.redirectSessions, s)
		return
	}
	for _, s := range a.pendingSessions {
		if s.CorrelationID == m.CorrelationID {
			return // duplicate connect
		}
	}

	id := a.nextSessionID
	a.nextSessionID++
	s := newClusterSession(id, m.CorrelationID, m.ResponseStreamID, m.ResponseChannel, nowMs)

	if codecs.SemanticVersionMajor(m.Version) != codecs.SemanticVersionMajor(a.opts.AppVersion) {
		s.state = sessionRejected
		s.rejectDetail = "invalid client version"
		a.rejectedSessions = append(a.rejectedSessions, s)
		return
	}
	if len(a.sessions)+len(a.pendingSessions) >= a.opts.MaxConcurrentSessions {
		s.state = sessionRejected
		s.rejectDetail = "concurrent session limit"
		a.rejectedSessions = append(a.rejectedSessions, s)
		return
	}

	s.state = sessionConnected
	a.pendingSessions = append(a.pendingSessions, s)
	a.opts.Authenticator.OnConnectRequest(s.ID, m.EncodedCredentials, nowMs)
}

// processPendingSessions drives authentication progression and the open
// append for admitted sessions.
func (a *ConsensusModuleAgent) processPendingSessions(nowMs int64) int {
	if len(a.pendingSessions) == 0 {
		return 0
	}
	work := 0
	timeout := a.opts.SessionTimeout.Milliseconds()
	kept := a.pendingSessions[:0]
	for _, s := range a.pendingSessions {
		if nowMs > s.TimeOfLastActivityMs+timeout {
			s.close(codecs.CloseReasonTimeout)
			a.clientTimeouts.Set(a.clientTimeouts.Get() + 1)
			obsmetrics.SessionsTimedOut.Inc()
			work++
			continue
		}
		switch s.state {
		case sessionConnected:
			a.opts.Authenticator.OnConnectedSession(&sessionProxy{agent: a, session: s}, nowMs)
		case sessionChallenged:
			if s.challengePending && a.sendChallenge(s) {
				s.challengePending = false
				work++
			}
			a.opts.Authenticator.OnChallengedSession(&sessionProxy{agent: a, session: s}, nowMs)
		case sessionAuthenticated:
			position := a.logPublisher.appendSessionOpen(s, a.clusterTimeMs(nowMs))
			if position >= 0 {
				s.state = sessionOpen
				s.OpenedLogPosition = position
				s.TimeOfLastActivityMs = nowMs
				a.sessions[s.ID] = s
				if a.sendSessionEvent(s, codecs.EventOK, "") {
					s.eventSent = true
				}
				work++
				continue
			}
		case sessionRejected:
			a.rejectedSessions = append(a.rejectedSessions, s)
			continue
		}
		kept = append(kept, s)
	}
	a.pendingSessions = kept
	return work
}

func (a *ConsensusModuleAgent) processRejectedSessions(nowMs int64) int {
	if len(a.rejectedSessions) == 0 {
		return 0
	}
	work := 0
	timeout := a.opts.SessionTimeout.Milliseconds()
	kept := a.rejectedSessions[:0]
	for _, s := range a.rejectedSessions {
		code := codecs.EventError
		if s.rejectDetail == "authentication rejected" {
			code = codecs.EventAuthenticationRejected
		}
		if a.sendSessionEvent(s, code, s.rejectDetail) || nowMs > s.TimeOfLastActivityMs+timeout {
			s.close(codecs.CloseReasonServiceAction)
			work++
			continue
		}
		kept = append(kept, s)
	}
	a.rejectedSessions = kept
	return work
}

func (a *ConsensusModuleAgent) processRedirectSessions(nowMs int64) int {
	if len(a.redirectSessions) == 0 {
		return 0
	}
	work := 0
	timeout := a.opts.SessionTimeout.Milliseconds()
	kept := a.redirectSessions[:0]
	for _, s := range a.redirectSessions {
		if a.sendSessionEvent(s, codecs.EventRedirect, "") || nowMs > s.TimeOfLastActivityMs+timeout {
			s.close(codecs.CloseReasonServiceAction)
			work++
			continue
		}
		kept = append(kept, s)
	}
	a.redirectSessions = kept
	return work
}

func (a *ConsensusModuleAgent) onSessionCloseRequest(m codecs.SessionCloseRequest) {
	if !a.isLeader() || m.LeadershipTermID != a.leadershipTermID {
		return
	}
	s, ok := a.sessions[m.ClusterSessionID]
	if !ok {
		return
	}
	if a.logPublisher.appendSessionClose(s.ID, codecs.CloseReasonClientAction, a.clusterTimeMs(a.cachedTimeMs)) >= 0 {
		s.close(codecs.CloseReasonClientAction)
		delete(a.sessions, s.ID)
	}
}

func (a *ConsensusModuleAgent) onIngressMessage(m codecs.SessionMessage) {
	if !a.isLeader() || a.state != StateActive || m.LeadershipTermID != a.leadershipTermID {
		return
	}
	s, ok := a.sessions[m.ClusterSessionID]
	if !ok || !s.IsOpen() {
		return
	}
	position := a.logPublisher.appendMessage(s.ID, a.clusterTimeMs(a.cachedTimeMs), m.Payload)
	if position >= 0 {
		s.TimeOfLastActivityMs = a.cachedTimeMs
	}
	// on back pressure the client retries the frame
}

func (a *ConsensusModuleAgent) onSessionKeepAlive(m codecs.SessionKeepAlive) {
	if !a.isLeader() || m.LeadershipTermID != a.leadershipTermID {
		return
	}
	if s, ok := a.sessions[m.ClusterSessionID]; ok && s.IsOpen() {
		s.TimeOfLastActivityMs = a.cachedTimeMs
	}
}

func (a *ConsensusModuleAgent) onChallengeResponse(m codecs.ChallengeResponse) {
	if !a.isLeader() {
		return
	}
	for _, s := range a.pendingSessions {
		if s.ID == m.ClusterSessionID && s.state == sessionChallenged {
			a.opts.Authenticator.OnChallengeResponse(s.ID, m.EncodedCredentials, a.cachedTimeMs)
			return
		}
	}
}

// deliverNewLeaderEvents pushes the one-shot NewLeader event to every open
// session after a leadership change.
func (a *ConsensusModuleAgent) deliverNewLeaderEvents() int {
	work := 0
	for _, s := range a.sessions {
		if s.hasNewLeaderEventPending && a.sendNewLeaderEvent(s) {
			s.hasNewLeaderEventPending = false
			work++
		}
	}
	return work
}

// ---- service control ----

func (a *ConsensusModuleAgent) onServiceAck(m codecs.ServiceAck) {
	if m.ServiceID < 0 || int(m.ServiceID) >= len(a.serviceAcks) {
		a.fatal(fmt.Errorf("%w: service id %d", ErrInvalidServiceAck, m.ServiceID))
		return
	}
	ack := &a.serviceAcks[m.ServiceID]
	if ack.acked && m.LogPosition < ack.position {
		a.fatal(fmt.Errorf("%w: position %d regressed from %d", ErrInvalidServiceAck, m.LogPosition, ack.position))
		return
	}
	ack.position = m.LogPosition
	ack.relevantID = m.RelevantID
	ack.ackID = m.AckID
	ack.acked = true
}

func (a *ConsensusModuleAgent) onServiceMessage(m codecs.ServiceMessage) {
	id := a.nextServiceSessionID
	a.nextServiceSessionID++
	a.pendingServiceMessages.append(id, m.Payload)
}

func (a *ConsensusModuleAgent) onServiceCloseSession(clusterSessionID int64) {
	if !a.isLeader() {
		return
	}
	s, ok := a.sessions[clusterSessionID]
	if !ok {
		return
	}
	if a.logPublisher.appendSessionClose(s.ID, codecs.CloseReasonServiceAction, a.clusterTimeMs(a.cachedTimeMs)) >= 0 {
		s.close(codecs.CloseReasonServiceAction)
		delete(a.sessions, s.ID)
	}
}

func (a *ConsensusModuleAgent) onScheduleTimer(correlationID, deadline int64) {
	a.timers.Schedule(correlationID, deadline)
}

func (a *ConsensusModuleAgent) onCancelTimer(correlationID int64) {
	a.timers.Cancel(correlationID)
}

func (a *ConsensusModuleAgent) onClusterMembersQuery(correlationID int64) {
	a.serviceProxy.clusterMembersResponse(correlationID, a.leaderMemberID,
		EncodeMembers(a.members), EncodeMembers(a.passiveMembers))
}

// onTimerExpiry appends a TimerEvent on the leader; followers observe the
// expiry through the replay path instead.
func (a *ConsensusModuleAgent) onTimerExpiry(correlationID int64) bool {
	return a.logPublisher.appendTimerEvent(correlationID, a.clusterTime) >= 0
}

// drainPendingServiceMessages appends service-originated messages under
// their pseudo-session ids, bounded per tick.
func (a *ConsensusModuleAgent) drainPendingServiceMessages() int {
	return a.pendingServiceMessages.drain(messageLimit, func(serviceSessionID int64, payload []byte) bool {
		return a.logPublisher.appendMessage(serviceSessionID, a.clusterTime, payload) >= 0
	})
}

// ---- member status ----

func (a *ConsensusModuleAgent) onCanvassPosition(m codecs.CanvassPosition) {
	if peer := findMember(a.members, m.FollowerMemberID); peer != nil {
		peer.AppendedLogPosition = max64(peer.AppendedLogPosition, m.LogPosition)
		peer.TimeOfLastAppendMs = a.cachedTimeMs
	}
	if a.election != nil {
		a.election.onCanvassPosition(a, m)
		return
	}
	if m.LeadershipTermID > a.leadershipTermID {
		a.enterElection(false)
		a.election.onCanvassPosition(a, m)
		return
	}
	// steady state: tell a canvassing late joiner about the current term
	if a.isLeader() && a.logPublisher.publication != nil {
		reply := codecs.NewLeadershipTerm{
			LogLeadershipTermID: a.leadershipTermID,
			LeadershipTermID:    a.leadershipTermID,
			LogPosition:         a.appendedPosition(),
			TermBaseLogPosition: a.termBaseLogPosition,
			Timestamp:           a.clusterTime,
			LeaderMemberID:      a.memberID,
			LogSessionID:        a.logPublisher.publication.SessionID(),
		}
		a.offerToMember(findMember(a.members, m.FollowerMemberID), reply.Encode())
	}
}

func (a *ConsensusModuleAgent) onRequestVote(m codecs.RequestVote) {
	// a higher term forces an election first; the vote is then delivered to
	// the fresh election in the same dispatch so it is not lost
	if a.election == nil && m.CandidateTermID > a.leadershipTermID {
		a.enterElection(false)
	}
	if a.election != nil {
		a.election.onRequestVote(a, m)
	}
}

func (a *ConsensusModuleAgent) onVote(m codecs.Vote) {
	if a.election != nil {
		a.election.onVote(a, m)
	}
}

func (a *ConsensusModuleAgent) onNewLeadershipTerm(m codecs.NewLeadershipTerm) {
	if a.election == nil && m.LeadershipTermID > a.leadershipTermID {
		a.enterElection(false)
	}
	if a.election != nil {
		a.election.onNewLeadershipTerm(a, m)
	}
}

func (a *ConsensusModuleAgent) onAppendedPosition(m codecs.AppendedPosition) {
	peer := findMember(a.members, m.FollowerMemberID)
	if peer == nil {
		return
	}
	peer.AppendedLogPosition = max64(peer.AppendedLogPosition, m.LogPosition)
	peer.CommitPosition = max64(peer.CommitPosition, min64(m.LogPosition, a.commitPos))
	peer.TimeOfLastAppendMs = a.cachedTimeMs

	if a.isLeader() && peer.CatchupReplayID != NullValue && m.LogPosition >= a.termBaseLogPosition {
		stop := codecs.StopCatchup{LeadershipTermID: a.leadershipTermID, FollowerMemberID: peer.ID}
		if a.offerToMember(peer, stop.Encode()) {
			_ = a.opts.Archive.StopReplay(peer.CatchupReplayID)
			peer.CatchupReplayID = NullValue
		}
	}
}

func (a *ConsensusModuleAgent) onCommitPositionMessage(m codecs.CommitPosition) {
	if m.LeadershipTermID > a.leadershipTermID {
		a.enterElection(false)
		return
	}
	if a.isLeader() || m.LeadershipTermID != a.leadershipTermID {
		return
	}
	a.followerCommitPosition = max64(a.followerCommitPosition, m.LogPosition)
	a.timeOfLastLogUpdateMs = a.cachedTimeMs
	a.deliverNewLeaderEvents()
}

func (a *ConsensusModuleAgent) onCatchupPosition(m codecs.CatchupPosition) {
	if !a.isLeader() || m.LeadershipTermID != a.leadershipTermID {
		return
	}
	peer := findMember(a.members, m.FollowerMemberID)
	if peer == nil || peer.CatchupReplayID != NullValue {
		return
	}
	length := a.appendedPosition() - m.LogPosition
	replayID, err := a.opts.Archive.StartReplay(a.logRecordingID, m.LogPosition, length, m.CatchupChannel, a.opts.ReplayStreamID)
	if err != nil {
		a.countError(err)
		return
	}
	peer.CatchupReplayID = replayID
}

func (a *ConsensusModuleAgent) onStopCatchup(m codecs.StopCatchup) {
	if a.election != nil {
		a.election.onStopCatchup(a, m)
	}
}

func (a *ConsensusModuleAgent) onAddPassiveMember(m codecs.AddPassiveMember) {
	if !a.isLeader() {
		// relay towards the leader so any status endpoint works
		if leader := findMember(a.members, a.leaderMemberID); leader != nil {
			a.offerToMember(leader, m.Encode())
		}
		return
	}
	for _, p := range a.passiveMembers {
		if p.CorrelationID == m.CorrelationID {
			a.sendClusterMembersChange(p)
			return
		}
	}
	endpoints, err := ParseEndpoints(m.MemberEndpoints)
	if err != nil {
		a.countError(err)
		return
	}
	a.highMemberID++
	joiner := newMember(a.highMemberID, endpoints)
	joiner.CorrelationID = m.CorrelationID
	a.passiveMembers = append(a.passiveMembers, joiner)
	logutil.Infof(a.opts.Logger, "passive member %d added for %s", joiner.ID, m.MemberEndpoints)
	a.sendClusterMembersChange(joiner)
}

func (a *ConsensusModuleAgent) sendClusterMembersChange(target *Member) {
	m := codecs.ClusterMembersChange{
		CorrelationID:  target.CorrelationID,
		LeaderMemberID: a.memberID,
		ActiveMembers:  EncodeMembers(a.members),
		PassiveMembers: EncodeMembers(a.passiveMembers),
	}
	a.offerToMember(target, m.Encode())
}

func (a *ConsensusModuleAgent) onClusterMembersChange(m codecs.ClusterMembersChange) {
	if a.dynamicJoin != nil {
		a.dynamicJoin.onClusterMembersChange(a, m)
	}
}

func (a *ConsensusModuleAgent) onSnapshotRecordingQuery(m codecs.SnapshotRecordingQuery) {
	if !a.isLeader() {
		return
	}
	target := findMember(a.passiveMembers, m.RequestMemberID)
	if target == nil {
		target = findMember(a.members, m.RequestMemberID)
	}
	if target == nil {
		return
	}
	resp := codecs.SnapshotRecordings{CorrelationID: m.CorrelationID, MemberID: m.RequestMemberID}
	for _, e := range a.recoveryPlan.Snapshots {
		resp.Snapshots = append(resp.Snapshots, codecs.SnapshotRecordingEntry{
			RecordingID:         e.RecordingID,
			LeadershipTermID:    e.LeadershipTermID,
			TermBaseLogPosition: e.TermBaseLogPosition,
			LogPosition:         e.LogPosition,
			Timestamp:           e.Timestamp,
			ServiceID:           e.ServiceID,
		})
	}
	a.offerToMember(target, resp.Encode())
}

func (a *ConsensusModuleAgent) onSnapshotRecordings(m codecs.SnapshotRecordings) {
	if a.dynamicJoin != nil {
		a.dynamicJoin.onSnapshotRecordings(a, m)
	}
}

func (a *ConsensusModuleAgent) onJoinCluster(m codecs.JoinCluster) {
	if !a.isLeader() {
		return
	}
	joiner := findMember(a.passiveMembers, m.MemberID)
	if joiner == nil || joiner.HasRequestedJoin {
		return
	}
	newActive := append(append([]*Member(nil), a.members...), joiner)
	position := a.logPublisher.appendMembershipChange(
		a.appendedPosition(), a.clusterTimeMs(a.cachedTimeMs), a.memberID,
		codecs.ChangeJoin, m.MemberID, EncodeMembers(newActive))
	if position < 0 {
		return
	}
	joiner.HasRequestedJoin = true
	// apply on the leader at append time; followers apply on replay
	a.passiveMembers = removeMember(a.passiveMembers, joiner.ID)
	a.members = newActive
	a.highMemberID = highMemberID(a.members, a.highMemberID)
	a.sendClusterMembersChange(joiner)
	logutil.Infof(a.opts.Logger, "member %d joined the cluster at position %d", m.MemberID, position)
}

func (a *ConsensusModuleAgent) onTerminationPosition(m codecs.TerminationPosition) {
	if a.isLeader() || m.LeadershipTermID != a.leadershipTermID {
		return
	}
	a.terminationPosition = m.LogPosition
	a.terminationDeadlineMs = a.cachedTimeMs + a.opts.TerminationTimeout.Milliseconds()
	a.logAdapter.maxLogPosition = m.LogPosition
}

func (a *ConsensusModuleAgent) onTerminationAck(m codecs.TerminationAck) {
	if !a.isLeader() || m.LogPosition != a.terminationPosition {
		return
	}
	if peer := findMember(a.members, m.MemberID); peer != nil {
		peer.HasTerminationAck = true
	}
}

func (a *ConsensusModuleAgent) onRemoveMember(m codecs.RemoveMember) {
	if !a.isLeader() {
		return
	}
	if m.IsPassive {
		if p := findMember(a.passiveMembers, m.MemberID); p != nil {
			a.passiveMembers = removeMember(a.passiveMembers, m.MemberID)
			if p.Publication != nil {
				_ = p.Publication.Close()
			}
		}
		return
	}
	peer := findMember(a.members, m.MemberID)
	if peer == nil || peer.HasRequestedRemove {
		return
	}
	remaining := removeMember(append([]*Member(nil), a.members...), m.MemberID)
	position := a.logPublisher.appendMembershipChange(
		a.appendedPosition(), a.clusterTimeMs(a.cachedTimeMs), a.memberID,
		codecs.ChangeQuit, m.MemberID, EncodeMembers(remaining))
	if position < 0 {
		return
	}
	peer.HasRequestedRemove = true
	peer.RemovalPosition = position
}

// ---- replay dispatch ----

func (a *ConsensusModuleAgent) onReplaySessionOpen(m codecs.SessionOpen, position int64) {
	a.clusterTime = m.Timestamp
	a.leadershipTermID = max64(a.leadershipTermID, m.LeadershipTermID)
	if _, ok := a.sessions[m.ClusterSessionID]; ok {
		return
	}
	s := newClusterSession(m.ClusterSessionID, m.CorrelationID, m.ResponseStreamID, m.ResponseChannel, a.cachedTimeMs)
	s.state = sessionOpen
	s.OpenedLogPosition = position
	a.sessions[s.ID] = s
	if m.ClusterSessionID >= a.nextSessionID {
		a.nextSessionID = m.ClusterSessionID + 1
	}
}

func (a *ConsensusModuleAgent) onReplaySessionClose(m codecs.SessionClose, _ int64) {
	a.clusterTime = m.Timestamp
	if s, ok := a.sessions[m.ClusterSessionID]; ok {
		s.close(m.CloseReason)
		delete(a.sessions, m.ClusterSessionID)
	}
}

func (a *ConsensusModuleAgent) onReplaySessionMessage(m codecs.SessionMessage, _ int64) {
	a.clusterTime = m.Timestamp
	if m.ClusterSessionID < 0 {
		// service pseudo-session: the sweeper drops pending entries the log
		// now carries
		a.logServiceSessionID = max64(a.logServiceSessionID, m.ClusterSessionID)
		a.pendingServiceMessages.sweep(a.logServiceSessionID)
		return
	}
	if s, ok := a.sessions[m.ClusterSessionID]; ok {
		s.TimeOfLastActivityMs = a.cachedTimeMs
	}
}

func (a *ConsensusModuleAgent) onReplayTimerEvent(m codecs.TimerEvent, _ int64) {
	a.clusterTime = m.Timestamp
	a.timers.OnReplayTimerEvent(m.CorrelationID)
}

func (a *ConsensusModuleAgent) onReplayClusterAction(m codecs.ClusterActionRequest, position int64) {
	a.clusterTime = m.Timestamp
	a.applyClusterAction(m.Action, position)
}

func (a *ConsensusModuleAgent) onReplayNewLeadershipTermEvent(m codecs.NewLeadershipTermEvent, _ int64) {
	a.clusterTime = m.Timestamp
	a.leadershipTermID = max64(a.leadershipTermID, m.LeadershipTermID)
}

func (a *ConsensusModuleAgent) onReplayMembershipChange(m codecs.MembershipChangeEvent, position int64) {
	a.clusterTime = m.Timestamp
	members, err := ParseMembers(m.ClusterMembers)
	if err != nil {
		a.countError(err)
		return
	}
	switch m.ChangeType {
	case codecs.ChangeJoin:
		if a.isLeader() {
			return // applied at append time
		}
		a.mergeMembers(members)
		a.highMemberID = highMemberID(a.members, a.highMemberID)
	case codecs.ChangeQuit:
		if m.MemberID == a.memberID {
			a.state = StateLeaving
			a.terminationPosition = position
			a.terminationDeadlineMs = a.cachedTimeMs + a.opts.TerminationTimeout.Milliseconds()
			logutil.Infof(a.opts.Logger, "member %d observed own quit, leaving", a.memberID)
			return
		}
		if !a.isLeader() {
			if old := findMember(a.members, m.MemberID); old != nil && old.Publication != nil {
				_ = old.Publication.Close()
			}
			a.mergeMembers(members)
		}
	}
}

// mergeMembers replaces the member list, carrying over live runtime state.
func (a *ConsensusModuleAgent) mergeMembers(next []*Member) {
	for _, n := range next {
		if old := findMember(a.members, n.ID); old != nil {
			n.Publication = old.Publication
			n.AppendedLogPosition = old.AppendedLogPosition
			n.CommitPosition = old.CommitPosition
			n.TimeOfLastAppendMs = old.TimeOfLastAppendMs
			n.IsLeader = old.IsLeader
		}
	}
	a.members = next
}

// ---- snapshot & termination ----

// beginSnapshot starts a snapshot attempt at the replicated action's
// position. Every member takes its own module snapshot; services snapshot
// in parallel and ack with their recording ids.
func (a *ConsensusModuleAgent) beginSnapshot(logPosition int64) {
	if a.snapshot != nil {
		return
	}
	a.state = StateSnapshot
	a.expectedAckPosition = logPosition
	for i := range a.serviceAcks {
		a.serviceAcks[i].acked = false
	}
	a.snapshot = &snapshotInProgress{
		logPosition:       logPosition,
		leadershipTermID:  a.leadershipTermID,
		moduleRecordingID: NullValue,
	}
}

func (a *ConsensusModuleAgent) snapshotWork(nowMs int64) int {
	sp := a.snapshot
	work := 0
	if !sp.moduleWritten {
		if err := a.takeModuleSnapshot(sp); err != nil {
			// abandon this attempt; the module stays up unless the log
			// recording itself died
			a.countError(err)
			a.snapshot = nil
			a.expectedAckPosition = NullPosition
			if a.state == StateSnapshot {
				a.state = StateActive
			}
			return 1
		}
		sp.moduleWritten = true
		work++
	}

	if a.opts.ServiceCount > 0 && a.serviceAckPosition() < sp.logPosition {
		return work
	}

	if !sp.entriesAppended {
		termBase := a.termBaseLogPosition
		for id := 0; id < a.opts.ServiceCount; id++ {
			err := a.recordingLog.AppendSnapshot(a.serviceAcks[id].relevantID, sp.leadershipTermID, termBase, sp.logPosition, a.clusterTime, int32(id))
			if err != nil {
				a.countError(err)
				return work
			}
		}
		err := a.recordingLog.AppendSnapshot(sp.moduleRecordingID, sp.leadershipTermID, termBase, sp.logPosition, a.clusterTime, codecs.ConsensusModuleServiceID)
		if err != nil {
			a.countError(err)
			return work
		}
		sp.entriesAppended = true
		a.recoveryPlan = a.recordingLog.NewRecoveryPlan(a.opts.ServiceCount, false, a.appendedPosition())
		a.snapshotsTaken++
		a.snapshotCtr.Set(a.snapshotsTaken)
		obsmetrics.SnapshotsTaken.Inc()
		work++
	}

	a.snapshot = nil
	a.expectedAckPosition = NullPosition
	if a.shutdownPending {
		a.shutdownPending = false
		a.initiateTermination(nowMs)
	} else if a.state == StateSnapshot {
		a.state = StateActive
	}
	logutil.Infof(a.opts.Logger, "snapshot complete at position %d on member %d", sp.logPosition, a.memberID)
	return work + 1
}

// initiateTermination computes the common termination position and tells
// services and followers to halt there. Leader only.
func (a *ConsensusModuleAgent) initiateTermination(nowMs int64) bool {
	if !a.isLeader() {
		return false
	}
	a.terminationPosition = a.appendedPosition()
	a.terminationDeadlineMs = nowMs + a.opts.TerminationTimeout.Milliseconds()
	a.state = StateTerminating
	m := codecs.TerminationPosition{LeadershipTermID: a.leadershipTermID, LogPosition: a.terminationPosition}
	a.publishToAll(m.Encode())
	a.serviceProxy.terminationPosition(a.terminationPosition)
	a.terminationNotified = true
	logutil.Infof(a.opts.Logger, "termination initiated at position %d", a.terminationPosition)
	return true
}

func (a *ConsensusModuleAgent) terminationWork(nowMs int64) int {
	if a.isLeader() {
		if !a.terminationNotified {
			m := codecs.TerminationPosition{LeadershipTermID: a.leadershipTermID, LogPosition: a.terminationPosition}
			a.publishToAll(m.Encode())
			a.serviceProxy.terminationPosition(a.terminationPosition)
			a.terminationNotified = true
		}
		if a.commitPos < a.terminationPosition && nowMs < a.terminationDeadlineMs {
			return 0
		}
		allAcked := true
		for _, peer := range a.members {
			if peer.ID != a.memberID && !peer.HasTerminationAck {
				allAcked = false
			}
		}
		if allAcked || nowMs >= a.terminationDeadlineMs {
			a.closeModule()
			return 1
		}
		return 0
	}

	if a.appendedPosition() < a.terminationPosition && nowMs < a.terminationDeadlineMs {
		return 0
	}
	if a.state != StateLeaving {
		a.state = StateTerminating
	}
	if !a.terminationNotified {
		a.serviceProxy.terminationPosition(a.terminationPosition)
		a.terminationNotified = true
	}
	if !a.terminationAckSent {
		ack := codecs.TerminationAck{
			LeadershipTermID: a.leadershipTermID,
			LogPosition:      a.terminationPosition,
			MemberID:         a.memberID,
		}
		if a.offerToMember(findMember(a.members, a.leaderMemberID), ack.Encode()) {
			a.terminationAckSent = true
		} else if nowMs < a.terminationDeadlineMs {
			return 0
		}
	}
	a.closeModule()
	return 1
}
