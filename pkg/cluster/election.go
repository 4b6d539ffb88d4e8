package cluster

import (
	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/internal/logutil"
)

// electionState tracks progress towards agreement on
// (leadershipTermID, logPosition, leaderID).
type electionState int8

const (
	electInit electionState = iota
	electCanvass
	electNominate
	electCandidateBallot
	electFollowerBallot
	electLeaderReplay
	electLeaderTransition
	electFollowerCatchupInit
	electFollowerCatchup
	electFollowerTransition
	electClosed
)

func (s electionState) String() string {
	switch s {
	case electInit:
		return "init"
	case electCanvass:
		return "canvass"
	case electNominate:
		return "nominate"
	case electCandidateBallot:
		return "candidate-ballot"
	case electFollowerBallot:
		return "follower-ballot"
	case electLeaderReplay:
		return "leader-replay"
	case electLeaderTransition:
		return "leader-transition"
	case electFollowerCatchupInit:
		return "follower-catchup-init"
	case electFollowerCatchup:
		return "follower-catchup"
	case electFollowerTransition:
		return "follower-transition"
	case electClosed:
		return "closed"
	}
	return "unknown"
}

type canvassEntry struct {
	logLeadershipTermID int64
	logPosition         int64
}

// election is the sub-state-machine run while the cluster agrees on a new
// leadership term. It holds a borrowed reference to the agent only for the
// duration of a tick: the agent passes itself into doWork and the message
// handlers.
type election struct {
	state     electionState
	isStartup bool

	logPosition         int64 // this member's appended position
	logLeadershipTermID int64 // term of the last appended record
	leadershipTermID    int64 // highest term seen
	candidateTermID     int64
	votedForTermID      int64

	leaderMemberID         int32
	leaderLogSessionID     int32
	termBaseLogPosition    int64
	leaderAppendedPosition int64

	canvass map[int32]canvassEntry
	votes   map[int32]bool

	deadlineMs       int64
	resendDeadlineMs int64

	// transition progress flags; every step is idempotent and retried
	// across ticks under back pressure.
	replayStarted     bool
	recordingStarted  bool
	termEntryWritten  bool
	termEventAppended bool
	servicesNotified  bool
	catchupRequested  bool
}

func newElection(a *ConsensusModuleAgent, isStartup bool, nowMs int64) *election {
	e := &election{
		state:               electInit,
		isStartup:           isStartup,
		logPosition:         a.appendedPosition(),
		logLeadershipTermID: a.leadershipTermID,
		leadershipTermID:    a.leadershipTermID,
		candidateTermID:     NullValue,
		votedForTermID:      NullValue,
		leaderMemberID:      NullMemberID,
		termBaseLogPosition: NullPosition,
		canvass:             make(map[int32]canvassEntry),
		votes:               make(map[int32]bool),
		deadlineMs:          nowMs + a.opts.ElectionTimeout.Milliseconds(),
	}
	return e
}

func (e *election) doWork(a *ConsensusModuleAgent, nowMs int64) int {
	if nowMs >= e.deadlineMs && e.state != electClosed {
		logutil.Warnf(a.opts.Logger, "election timeout in %s, restarting canvass (member=%d)", e.state, a.memberID)
		a.countError(ErrTimeout)
		e.restart(a, nowMs)
		return 1
	}

	switch e.state {
	case electInit:
		return e.initWork(a, nowMs)
	case electCanvass:
		return e.canvassWork(a, nowMs)
	case electNominate:
		return e.nominateWork(a, nowMs)
	case electCandidateBallot:
		return e.candidateBallotWork(a, nowMs)
	case electFollowerBallot:
		return e.followerBallotWork(a, nowMs)
	case electLeaderReplay:
		return e.leaderReplayWork(a, nowMs)
	case electLeaderTransition:
		return e.leaderTransitionWork(a, nowMs)
	case electFollowerCatchupInit:
		return e.followerCatchupInitWork(a, nowMs)
	case electFollowerCatchup:
		return e.followerCatchupWork(a, nowMs)
	case electFollowerTransition:
		return e.followerTransitionWork(a, nowMs)
	}
	return 0
}

func (e *election) restart(a *ConsensusModuleAgent, nowMs int64) {
	e.state = electCanvass
	e.canvass = make(map[int32]canvassEntry)
	e.votes = make(map[int32]bool)
	e.candidateTermID = NullValue
	e.replayStarted = false
	e.recordingStarted = false
	e.termEntryWritten = false
	e.termEventAppended = false
	e.servicesNotified = false
	e.catchupRequested = false
	e.deadlineMs = nowMs + a.opts.ElectionTimeout.Milliseconds()
	e.resendDeadlineMs = 0
}

func (e *election) initWork(a *ConsensusModuleAgent, nowMs int64) int {
	e.state = electCanvass
	e.resendDeadlineMs = 0
	return 1
}

func (e *election) sendCanvass(a *ConsensusModuleAgent) {
	m := codecs.CanvassPosition{
		LogLeadershipTermID: e.logLeadershipTermID,
		LogPosition:         e.logPosition,
		LeadershipTermID:    e.leadershipTermID,
		FollowerMemberID:    a.memberID,
	}
	a.publishToAll(m.Encode())
}

func (e *election) canvassWork(a *ConsensusModuleAgent, nowMs int64) int {
	work := 0
	if nowMs >= e.resendDeadlineMs {
		e.sendCanvass(a)
		e.resendDeadlineMs = nowMs + a.opts.LeaderHeartbeatInterval.Milliseconds()
		work++
	}

	// decide once a strict majority (including self) has canvassed
	if len(e.canvass)+1 < quorumThreshold(len(a.members)) {
		return work
	}
	nominee := e.nominee(a)
	if nominee == a.memberID {
		e.state = electNominate
	} else {
		e.state = electFollowerBallot
	}
	e.resendDeadlineMs = 0
	return work + 1
}

// nominee picks the member with the highest (logPosition, term); ties prefer
// the appointed leader, then the lowest member id for deterministic
// progress.
func (e *election) nominee(a *ConsensusModuleAgent) int32 {
	bestID := a.memberID
	bestPos := e.logPosition
	bestTerm := e.logLeadershipTermID
	better := func(id int32, pos, term int64) bool {
		if pos != bestPos {
			return pos > bestPos
		}
		if term != bestTerm {
			return term > bestTerm
		}
		if a.opts.AppointedLeaderID != NullMemberID {
			if id == a.opts.AppointedLeaderID {
				return true
			}
			if bestID == a.opts.AppointedLeaderID {
				return false
			}
		}
		return id < bestID
	}
	for id, c := range e.canvass {
		if better(id, c.logPosition, c.logLeadershipTermID) {
			bestID, bestPos, bestTerm = id, c.logPosition, c.logLeadershipTermID
		}
	}
	return bestID
}

func (e *election) nominateWork(a *ConsensusModuleAgent, nowMs int64) int {
	e.candidateTermID = max64(e.leadershipTermID, e.logLeadershipTermID) + 1
	e.votes = map[int32]bool{a.memberID: true}
	e.sendRequestVote(a)
	e.state = electCandidateBallot
	e.resendDeadlineMs = nowMs + a.opts.LeaderHeartbeatInterval.Milliseconds()
	return 1
}

func (e *election) sendRequestVote(a *ConsensusModuleAgent) {
	m := codecs.RequestVote{
		LogLeadershipTermID: e.logLeadershipTermID,
		LogPosition:         e.logPosition,
		CandidateTermID:     e.candidateTermID,
		CandidateMemberID:   a.memberID,
	}
	a.publishToAll(m.Encode())
}

func (e *election) candidateBallotWork(a *ConsensusModuleAgent, nowMs int64) int {
	work := 0
	if nowMs >= e.resendDeadlineMs {
		e.sendRequestVote(a)
		e.resendDeadlineMs = nowMs + a.opts.LeaderHeartbeatInterval.Milliseconds()
		work++
	}
	yes := 0
	for _, v := range e.votes {
		if v {
			yes++
		}
	}
	if yes >= quorumThreshold(len(a.members)) {
		e.leadershipTermID = e.candidateTermID
		e.leaderMemberID = a.memberID
		e.termBaseLogPosition = e.logPosition
		if e.isStartup && a.recoveryPlan.HasReplay() {
			e.state = electLeaderReplay
		} else {
			e.state = electLeaderTransition
		}
		e.resendDeadlineMs = 0
		return work + 1
	}
	return work
}

func (e *election) followerBallotWork(a *ConsensusModuleAgent, nowMs int64) int {
	// waiting for RequestVote / NewLeadershipTerm; keep canvassing so a
	// slow nominee still sees our position
	if nowMs >= e.resendDeadlineMs {
		e.sendCanvass(a)
		e.resendDeadlineMs = nowMs + a.opts.LeaderHeartbeatInterval.Milliseconds()
		return 1
	}
	return 0
}

// leaderReplayWork replays the recovery tail through the log channel so the
// hosted services (and lagging followers) see the records committed in
// previous terms before the new term opens.
func (e *election) leaderReplayWork(a *ConsensusModuleAgent, nowMs int64) int {
	work := 0
	plan := &a.recoveryPlan
	if !e.replayStarted {
		start := plan.SnapshotLogPosition()
		if start == NullPosition {
			start = plan.Log.TermBaseLogPosition
		}
		length := plan.AppendedLogPosition - start
		replayID, err := a.opts.Archive.StartReplay(plan.Log.RecordingID, start, length, a.thisMember().LogEndpoint, a.opts.LogStreamID)
		if err != nil {
			a.countError(err)
			return 0
		}
		e.replayStarted = true
		a.joinLogAsReplay(replayID, plan.AppendedLogPosition)
		work++
	}
	a.tryResolvePendingImage()
	work += a.logAdapter.poll(messageLimit)
	if a.appendedPosition() >= plan.AppendedLogPosition {
		if nowMs >= e.resendDeadlineMs {
			a.serviceProxy.requestServiceAck(plan.AppendedLogPosition)
			e.resendDeadlineMs = nowMs + a.opts.LeaderHeartbeatInterval.Milliseconds()
		}
		if a.serviceAckPosition() >= plan.AppendedLogPosition || a.opts.ServiceCount == 0 {
			a.logAdapter.close()
			e.state = electLeaderTransition
			e.resendDeadlineMs = 0
			work++
		}
	}
	return work
}

func (e *election) leaderTransitionWork(a *ConsensusModuleAgent, nowMs int64) int {
	work := 0

	if a.logPublisher.publication == nil {
		if err := a.createLogPublication(e.leadershipTermID, e.logPosition); err != nil {
			a.countError(err)
			return 0
		}
		work++
	}
	if !e.recordingStarted {
		if err := a.startLogRecording(); err != nil {
			a.countError(err)
			return work
		}
		e.recordingStarted = true
		work++
	}
	if !e.termEntryWritten {
		if err := a.appendTermEntry(e.leadershipTermID, e.logPosition, a.clusterTimeMs(nowMs)); err != nil {
			a.countError(err)
			return work
		}
		e.termEntryWritten = true
		work++
	}
	if nowMs >= e.resendDeadlineMs {
		e.sendNewLeadershipTerm(a, nowMs)
		e.resendDeadlineMs = nowMs + a.opts.LeaderHeartbeatInterval.Milliseconds()
		work++
	}
	if !e.termEventAppended {
		result := a.logPublisher.appendNewLeadershipTermEvent(
			e.logPosition, a.clusterTimeMs(nowMs), e.logPosition, a.memberID,
			a.logPublisher.publication.SessionID(), a.opts.AppVersion)
		if result < 0 {
			return work
		}
		e.termEventAppended = true
		work++
	}
	if !e.servicesNotified {
		if a.opts.ServiceCount > 0 && !a.serviceProxy.joinLog(
			e.leadershipTermID, e.logPosition, int64(^uint64(0)>>1), a.memberID,
			a.logPublisher.publication.SessionID(), a.opts.LogStreamID,
			e.isStartup, codecs.RoleLeader, a.thisMember().LogEndpoint) {
			return work
		}
		e.servicesNotified = true
		work++
	}

	a.becomeLeader(e, nowMs)
	e.state = electClosed
	return work + 1
}

func (e *election) sendNewLeadershipTerm(a *ConsensusModuleAgent, nowMs int64) {
	m := codecs.NewLeadershipTerm{
		LogLeadershipTermID: e.logLeadershipTermID,
		LeadershipTermID:    e.leadershipTermID,
		LogPosition:         a.appendedPosition(),
		TermBaseLogPosition: e.termBaseLogPosition,
		Timestamp:           a.clusterTimeMs(nowMs),
		LeaderMemberID:      a.memberID,
		LogSessionID:        e.leaderLogSessionID,
		IsStartup:           e.isStartup,
	}
	if a.logPublisher.publication != nil {
		m.LogSessionID = a.logPublisher.publication.SessionID()
	}
	a.publishToAll(m.Encode())
}

func (e *election) followerCatchupInitWork(a *ConsensusModuleAgent, nowMs int64) int {
	if !e.catchupRequested || nowMs >= e.resendDeadlineMs {
		m := codecs.CatchupPosition{
			LeadershipTermID: e.leadershipTermID,
			LogPosition:      e.logPosition,
			FollowerMemberID: a.memberID,
			CatchupChannel:   a.thisMember().TransferEndpoint,
		}
		leader := findMember(a.members, e.leaderMemberID)
		a.offerToMember(leader, m.Encode())
		e.catchupRequested = true
		e.resendDeadlineMs = nowMs + a.opts.LeaderHeartbeatInterval.Milliseconds()
	}
	if a.joinCatchupReplay(e) {
		e.state = electFollowerCatchup
		return 1
	}
	return 0
}

func (e *election) followerCatchupWork(a *ConsensusModuleAgent, nowMs int64) int {
	work := a.logAdapter.poll(messageLimit)
	e.logPosition = max64(e.logPosition, a.appendedPosition())
	if nowMs >= e.resendDeadlineMs {
		a.sendAppendedPosition(e.leadershipTermID, e.leaderMemberID)
		e.resendDeadlineMs = nowMs + a.opts.LeaderHeartbeatInterval.Milliseconds()
	}
	if e.logPosition >= e.termBaseLogPosition {
		a.stopCatchup()
		e.state = electFollowerTransition
		work++
	}
	return work
}

func (e *election) followerTransitionWork(a *ConsensusModuleAgent, nowMs int64) int {
	if !a.joinLeaderLog(e) {
		return 0
	}
	if !e.servicesNotified {
		leader := findMember(a.members, e.leaderMemberID)
		if leader == nil {
			return 0
		}
		if a.opts.ServiceCount > 0 && !a.serviceProxy.joinLog(
			e.leadershipTermID, e.logPosition, int64(^uint64(0)>>1), a.memberID,
			e.leaderLogSessionID, a.opts.LogStreamID,
			e.isStartup, codecs.RoleFollower, leader.LogEndpoint) {
			return 0
		}
		e.servicesNotified = true
	}
	a.sendAppendedPosition(e.leadershipTermID, e.leaderMemberID)
	a.becomeFollower(e, nowMs)
	e.state = electClosed
	return 1
}

// message handlers; the agent routes member-status messages here while an
// election is in progress.

func (e *election) onCanvassPosition(a *ConsensusModuleAgent, m codecs.CanvassPosition) {
	_, known := e.canvass[m.FollowerMemberID]
	e.canvass[m.FollowerMemberID] = canvassEntry{
		logLeadershipTermID: m.LogLeadershipTermID,
		logPosition:         m.LogPosition,
	}
	if m.LeadershipTermID > e.leadershipTermID {
		e.leadershipTermID = m.LeadershipTermID
	}
	if known {
		return
	}
	// answer the first sighting directly so a member that started
	// canvassing late still observes our position
	reply := codecs.CanvassPosition{
		LogLeadershipTermID: e.logLeadershipTermID,
		LogPosition:         e.logPosition,
		LeadershipTermID:    e.leadershipTermID,
		FollowerMemberID:    a.memberID,
	}
	a.offerToMember(findMember(a.members, m.FollowerMemberID), reply.Encode())
}

func (e *election) onRequestVote(a *ConsensusModuleAgent, m codecs.RequestVote) {
	// one vote per term, and never for a term already decided
	if m.CandidateTermID <= e.leadershipTermID || m.CandidateTermID <= e.votedForTermID {
		e.sendVote(a, m, false)
		return
	}
	grant := m.LogPosition >= e.logPosition
	if grant {
		e.votedForTermID = m.CandidateTermID
		switch e.state {
		case electCanvass, electNominate, electCandidateBallot, electFollowerBallot:
			e.state = electFollowerBallot
		}
	}
	e.sendVote(a, m, grant)
}

func (e *election) sendVote(a *ConsensusModuleAgent, req codecs.RequestVote, grant bool) {
	m := codecs.Vote{
		CandidateTermID:     req.CandidateTermID,
		LogLeadershipTermID: e.logLeadershipTermID,
		LogPosition:         e.logPosition,
		CandidateMemberID:   req.CandidateMemberID,
		FollowerMemberID:    a.memberID,
		Vote:                grant,
	}
	a.offerToMember(findMember(a.members, req.CandidateMemberID), m.Encode())
}

func (e *election) onVote(a *ConsensusModuleAgent, m codecs.Vote) {
	if e.state == electCandidateBallot && m.CandidateMemberID == a.memberID && m.CandidateTermID == e.candidateTermID {
		e.votes[m.FollowerMemberID] = m.Vote
	}
}

func (e *election) onNewLeadershipTerm(a *ConsensusModuleAgent, m codecs.NewLeadershipTerm) {
	if m.LeadershipTermID < e.leadershipTermID || m.LeaderMemberID == a.memberID {
		return
	}
	e.leadershipTermID = m.LeadershipTermID
	e.leaderMemberID = m.LeaderMemberID
	e.leaderLogSessionID = m.LogSessionID
	e.termBaseLogPosition = m.TermBaseLogPosition
	e.leaderAppendedPosition = m.LogPosition
	e.isStartup = e.isStartup && m.IsStartup

	switch e.state {
	case electLeaderReplay, electLeaderTransition, electClosed:
		// a competing leader with a higher term supersedes us
		e.restart(a, e.resendDeadlineMs)
		e.leaderMemberID = m.LeaderMemberID
	}
	if e.logPosition < e.termBaseLogPosition {
		e.state = electFollowerCatchupInit
	} else {
		e.state = electFollowerTransition
	}
	e.resendDeadlineMs = 0
	e.servicesNotified = false
}

func (e *election) onStopCatchup(a *ConsensusModuleAgent, m codecs.StopCatchup) {
	if e.state == electFollowerCatchup && m.LeadershipTermID == e.leadershipTermID {
		a.stopCatchup()
		e.state = electFollowerTransition
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
