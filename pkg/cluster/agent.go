package cluster

import (
	"fmt"
	"math"

	"github.com/amirimatin/go-quorum/pkg/archive"
	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-quorum/pkg/observability/metrics"
	"github.com/amirimatin/go-quorum/pkg/recording"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

const activityUpdateIntervalMs = 1000

// ConsensusModuleAgent is the per-member consensus agent: a single-threaded
// state machine owning leader election, log replication, session admission,
// commit-position advancement, snapshot orchestration and dynamic
// membership. A conductor drives it by calling DoWork repeatedly; every
// method must be invoked from that one thread.
type ConsensusModuleAgent struct {
	opts Options

	state State
	role  codecs.Role

	memberID       int32
	leaderMemberID int32
	highMemberID   int32

	leadershipTermID int64

	members        []*Member
	passiveMembers []*Member
	selfMember     *Member

	sessions         map[int64]*ClusterSession
	pendingSessions  []*ClusterSession
	rejectedSessions []*ClusterSession
	redirectSessions []*ClusterSession
	nextSessionID    int64

	nextServiceSessionID   int64
	logServiceSessionID    int64
	pendingServiceMessages *pendingServiceMessages

	timers *TimerService

	recordingLog *recording.Log
	recoveryPlan recording.RecoveryPlan

	logPublisher      logPublisher
	logAdapter        logAdapter
	logSubscription   transport.Subscription
	catchupSub        transport.Subscription
	logRecordingID    int64
	logRecordingSubID int64

	pendingImageSessionID int32
	pendingImageMaxPos    int64
	havePendingImage      bool

	ingressAdapter ingressAdapter
	serviceProxy   serviceProxy
	serviceAdapter serviceAdapter
	memberStatus   memberStatusAdapter

	election    *election
	dynamicJoin *dynamicJoin

	controlToggle   *ControlToggle
	commitPosCtr    transport.Counter
	recoveryCtr     transport.Counter
	snapshotCtr     transport.Counter
	clientTimeouts  transport.Counter
	heartbeatStart  int64
	snapshotsTaken  int64

	commitPos              int64
	termBaseLogPosition    int64
	followerCommitPosition int64
	baseAppendedPosition   int64
	expectedAckPosition    int64
	serviceAcks            []serviceAckState

	snapshot        *snapshotInProgress
	shutdownPending bool
	suspendPending  bool
	snapshotLoaded  bool

	terminationPosition   int64
	terminationDeadlineMs int64
	terminationNotified   bool
	terminationAckSent    bool

	cachedTimeMs                 int64
	clusterTime                  int64
	timeOfLastLogUpdateMs        int64
	timeOfLastAppendPositionMs   int64
	heartbeatDeadlineMs          int64
	activityDeadlineMs           int64
	activityTimestampMs          int64
	nextCorrelation              int64

	errorCount int64
	interrupt  bool
	started    bool
}

type serviceAckState struct {
	position   int64
	relevantID int64
	ackID      int64
	acked      bool
}

// New validates options and builds an agent. No transport activity happens
// until OnStart.
func New(opts Options) (*ConsensusModuleAgent, error) {
	opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	members, err := ParseMembers(opts.ClusterMembers)
	if err != nil {
		return nil, err
	}
	a := &ConsensusModuleAgent{
		opts:                 opts,
		state:                StateInit,
		role:                 codecs.RoleFollower,
		memberID:             opts.MemberID,
		leaderMemberID:       NullMemberID,
		highMemberID:         highMemberID(members, NullMemberID),
		leadershipTermID:     -1,
		members:              members,
		sessions:             make(map[int64]*ClusterSession),
		nextSessionID:        1,
		nextServiceSessionID: minServiceSessionID,
		logServiceSessionID:  minServiceSessionID - 1,
		logRecordingID:       NullValue,
		logRecordingSubID:    NullValue,
		commitPos:            0,
		followerCommitPosition: 0,
		expectedAckPosition:  NullPosition,
		terminationPosition:  NullPosition,
		serviceAcks:          make([]serviceAckState, opts.ServiceCount),
	}
	a.pendingServiceMessages = newPendingServiceMessages(16)
	a.timers = NewTimerService(a.onTimerExpiry)
	a.logAdapter = logAdapter{agent: a, maxLogPosition: NullPosition}
	if opts.ClusterMembers == "" {
		endpoints, err := ParseEndpoints(opts.MemberEndpoints)
		if err != nil {
			return nil, err
		}
		a.selfMember = newMember(NullMemberID, endpoints)
	}
	obsmetrics.Register()
	return a, nil
}

// OnStart performs recovery: it loads the recording log, builds the
// recovery plan, restores the module's own snapshot, and opens the control
// channels. Services then acknowledge the recovered position before the
// agent enters election (driven from DoWork).
func (a *ConsensusModuleAgent) OnStart() error {
	if a.started {
		return nil
	}

	rlog, err := recording.Load(a.opts.RecordingStore)
	if err != nil {
		return err
	}
	a.recordingLog = rlog

	lastAppended := recording.NullPosition
	if entries := rlog.Entries(); len(entries) > 0 {
		// the appended position is whatever the last term's recording holds
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].Type == recording.EntryTerm {
				if stop, err := a.opts.Archive.GetStopPosition(entries[i].RecordingID); err == nil && stop > 0 {
					lastAppended = stop
					a.logRecordingID = entries[i].RecordingID
				}
				break
			}
		}
	}
	a.recoveryPlan = rlog.NewRecoveryPlan(a.opts.ServiceCount, a.opts.ClusterMembersIgnoreSnapshot, lastAppended)
	a.baseAppendedPosition = a.recoveryPlan.AppendedLogPosition
	a.leadershipTermID = a.recoveryPlan.LastLeadershipTermID

	if err := a.openControlChannels(); err != nil {
		return err
	}

	if err := a.loadModuleSnapshot(); err != nil {
		return err
	}

	toggle, err := NewControlToggle(a.opts.Transport, a.memberID)
	if err != nil {
		return err
	}
	a.controlToggle = toggle

	a.commitPosCtr, err = a.opts.Transport.AddCounter(transport.CounterTypeCommitPosition, int64(a.memberID), "cluster-commit-pos")
	if err != nil {
		return err
	}
	a.recoveryCtr, err = a.opts.Transport.AddCounter(transport.CounterTypeRecoveryState, int64(a.memberID), "cluster-recovery-state")
	if err != nil {
		return err
	}
	a.snapshotCtr, err = a.opts.Transport.AddCounter(transport.CounterTypeSnapshotCount, int64(a.memberID), "cluster-snapshot-count")
	if err != nil {
		return err
	}
	a.clientTimeouts, err = a.opts.Transport.AddCounter(transport.CounterTypeClientTimeouts, int64(a.memberID), "cluster-client-timeouts")
	if err != nil {
		return err
	}
	a.recoveryCtr.Set(a.baseAppendedPosition)

	a.expectedAckPosition = a.recoveryPlan.SnapshotLogPosition()
	if a.expectedAckPosition == NullPosition {
		a.expectedAckPosition = 0
	}

	if a.opts.ClusterMembers == "" {
		a.dynamicJoin = newDynamicJoin(a, 0)
		logutil.Infof(a.opts.Logger, "starting dynamic join via %d status endpoints", len(a.opts.ClusterMembersStatusEndpoints))
	}
	a.started = true
	return nil
}

func (a *ConsensusModuleAgent) openControlChannels() error {
	servicePub, err := a.opts.Transport.AddPublication(a.opts.ServiceControlChannel, a.opts.ServiceStreamID)
	if err != nil {
		return err
	}
	a.serviceProxy = serviceProxy{publication: servicePub}

	serviceSub, err := a.opts.Transport.AddSubscription(a.opts.ServiceControlChannel, a.opts.ConsensusModuleStreamID)
	if err != nil {
		return err
	}
	a.serviceAdapter = serviceAdapter{agent: a, subscription: serviceSub}

	statusSub, err := a.opts.Transport.AddSubscription(a.thisMember().MemberFacingEndpoint, a.opts.ConsensusStreamID)
	if err != nil {
		return err
	}
	a.memberStatus = memberStatusAdapter{agent: a, subscription: statusSub}

	ingressSub, err := a.opts.Transport.AddSubscription(a.thisMember().ClientFacingEndpoint, a.opts.IngressStreamID)
	if err != nil {
		return err
	}
	a.ingressAdapter = ingressAdapter{agent: a, subscription: ingressSub}
	return nil
}

// DoWork advances the agent by one tick and returns the units of work
// performed. nowMs is supplied by the conductor.
func (a *ConsensusModuleAgent) DoWork(nowMs int64) int {
	if a.state == StateClosed {
		return 0
	}
	work := 0
	if nowMs != a.cachedTimeMs {
		a.cachedTimeMs = nowMs
		work += a.slowTick(nowMs)
	}

	switch {
	case a.dynamicJoin != nil:
		work += a.dynamicJoin.doWork(a, nowMs)
	case a.election != nil:
		work += a.election.doWork(a, nowMs)
		if a.election != nil && a.election.state == electClosed {
			a.election = nil
		}
	default:
		work += a.consensusWork(nowMs)
	}

	work += a.memberStatus.poll()
	work += a.serviceAdapter.poll()
	return work
}

func (a *ConsensusModuleAgent) slowTick(nowMs int64) int {
	work := 0
	if a.opts.Transport.IsClosed() {
		a.fatal(fmt.Errorf("cluster: transport client closed unexpectedly"))
		return 1
	}
	if nowMs >= a.activityDeadlineMs {
		a.activityDeadlineMs = nowMs + activityUpdateIntervalMs
		a.activityTimestampMs = nowMs
		a.updateMetrics()
		work++
	}

	work += a.checkServiceHeartbeats(nowMs)
	work += a.processPendingSessions(nowMs)
	work += a.processRejectedSessions(nowMs)
	work += a.processRedirectSessions(nowMs)

	if a.isLeader() && a.state != StateClosed {
		work += a.checkControlToggle(nowMs)
		work += a.checkSessionLiveness(nowMs)
		work += a.checkQuorumLiveness(nowMs)
		work += a.checkRemovedMembers()
	} else if a.role == codecs.RoleFollower && a.election == nil && a.dynamicJoin == nil &&
		(a.state == StateActive || a.state == StateSuspended) {
		if nowMs >= a.timeOfLastLogUpdateMs+a.opts.LeaderHeartbeatTimeout.Milliseconds() {
			logutil.Warnf(a.opts.Logger, "leader heartbeat timeout on member %d, entering election", a.memberID)
			a.enterElection(false)
			work++
		}
	}
	return work
}

func (a *ConsensusModuleAgent) consensusWork(nowMs int64) int {
	if a.state == StateInit {
		return a.initWork(nowMs)
	}
	work := 0

	if a.isLeader() {
		a.clusterTime = max64(a.clusterTime, nowMs)
		work += a.ingressAdapter.poll()
		if a.state == StateActive {
			work += a.timers.Poll(a.clusterTime)
			work += a.drainPendingServiceMessages()
		}
		work += a.updateLeaderCommitPosition(nowMs)
		work += a.deliverNewLeaderEvents()
	} else {
		work += a.ingressAdapter.poll() // redirects for stray connects
		polled := a.logAdapter.poll(messageLimit)
		work += polled
		if polled > 0 {
			a.timeOfLastLogUpdateMs = nowMs
		}
		work += a.followerPositionWork(nowMs)
	}

	if a.snapshot != nil {
		work += a.snapshotWork(nowMs)
	}
	if a.terminationPosition != NullPosition {
		work += a.terminationWork(nowMs)
	}
	return work
}

// initWork holds the agent in INIT until every hosted service has
// acknowledged the recovered position, then enters the first election.
func (a *ConsensusModuleAgent) initWork(nowMs int64) int {
	if a.opts.ServiceCount > 0 && a.serviceAckPosition() < a.expectedAckPosition {
		return 0
	}
	a.expectedAckPosition = NullPosition
	a.enterElection(true)
	return 1
}

func (a *ConsensusModuleAgent) enterElection(isStartup bool) {
	if a.election != nil {
		return
	}
	if a.isLeader() {
		a.logPublisher.close()
		a.role = codecs.RoleFollower
	}
	a.serviceProxy.electionStart(a.appendedPosition())
	a.election = newElection(a, isStartup, a.cachedTimeMs)
	// detach from the old term's log; the election re-joins the right
	// stream for the new term
	a.baseAppendedPosition = a.appendedPosition()
	a.logAdapter.close()
	obsmetrics.Elections.Inc()
	logutil.Infof(a.opts.Logger, "member %d entering election (startup=%v, term=%d, appended=%d)",
		a.memberID, isStartup, a.leadershipTermID, a.appendedPosition())
}

func (a *ConsensusModuleAgent) becomeLeader(e *election, nowMs int64) {
	a.role = codecs.RoleLeader
	a.leadershipTermID = e.leadershipTermID
	a.leaderMemberID = a.memberID
	a.termBaseLogPosition = e.termBaseLogPosition
	a.logAdapter.close()
	a.logPublisher.leadershipTermID = e.leadershipTermID
	for _, m := range a.members {
		m.IsLeader = m.ID == a.memberID
		m.TimeOfLastAppendMs = nowMs
		if m.AppendedLogPosition == NullPosition {
			m.AppendedLogPosition = 0
		}
	}
	a.timeOfLastLogUpdateMs = nowMs
	a.heartbeatDeadlineMs = nowMs

	// a new leader re-appends pending service messages the old leader
	// never landed, after sweeping what the log already holds
	a.pendingServiceMessages.sweep(a.logServiceSessionID)
	a.pendingServiceMessages.markUnappended()
	if a.nextServiceSessionID <= a.logServiceSessionID {
		a.nextServiceSessionID = a.logServiceSessionID + 1
	}

	for _, s := range a.sessions {
		if s.IsOpen() && e.leadershipTermID > 0 && !e.isStartup {
			s.hasNewLeaderEventPending = true
		}
	}

	a.finishElection(nowMs)
	logutil.Infof(a.opts.Logger, "member %d is leader of term %d at position %d",
		a.memberID, a.leadershipTermID, a.appendedPosition())
}

func (a *ConsensusModuleAgent) becomeFollower(e *election, nowMs int64) {
	a.role = codecs.RoleFollower
	a.leadershipTermID = e.leadershipTermID
	a.leaderMemberID = e.leaderMemberID
	a.termBaseLogPosition = e.termBaseLogPosition
	for _, m := range a.members {
		m.IsLeader = m.ID == e.leaderMemberID
	}
	a.timeOfLastLogUpdateMs = nowMs
	a.timeOfLastAppendPositionMs = nowMs
	a.finishElection(nowMs)
	logutil.Infof(a.opts.Logger, "member %d follows leader %d in term %d",
		a.memberID, a.leaderMemberID, a.leadershipTermID)
}

func (a *ConsensusModuleAgent) finishElection(nowMs int64) {
	if a.state == StateInit {
		if a.suspendPending {
			a.state = StateSuspended
			a.suspendPending = false
		} else {
			a.state = StateActive
		}
	}
	a.updateMetrics()
}

func (a *ConsensusModuleAgent) dynamicJoinComplete(nowMs int64) {
	a.dynamicJoin = nil
	// the member-status subscription opened at start is kept as it is
	a.enterElection(false)
}

// updateLeaderCommitPosition aggregates appended positions across the
// quorum, advances the commit position monotonically, and emits heartbeats.
func (a *ConsensusModuleAgent) updateLeaderCommitPosition(nowMs int64) int {
	work := 0
	self := findMember(a.members, a.memberID)
	if self != nil {
		self.AppendedLogPosition = a.appendedPosition()
		self.TimeOfLastAppendMs = nowMs
	}
	quorumPos := quorumPosition(a.members)
	if quorumPos > a.commitPos {
		a.commitPos = quorumPos
		a.commitPosCtr.Set(a.commitPos)
		a.timeOfLastLogUpdateMs = nowMs
		work++
	}
	if work > 0 || nowMs >= a.heartbeatDeadlineMs {
		m := codecs.CommitPosition{
			LeadershipTermID: a.leadershipTermID,
			LogPosition:      a.commitPos,
			LeaderMemberID:   a.memberID,
		}
		a.publishToAll(m.Encode())
		a.heartbeatDeadlineMs = nowMs + a.opts.LeaderHeartbeatInterval.Milliseconds()
	}
	return work
}

// followerPositionWork publishes the appended position at least once per
// heartbeat interval so the leader's quorum view does not stall.
func (a *ConsensusModuleAgent) followerPositionWork(nowMs int64) int {
	appended := a.appendedPosition()
	commit := min64(appended, a.followerCommitPosition)
	work := 0
	if commit > a.commitPos {
		a.commitPos = commit
		a.commitPosCtr.Set(commit)
		work++
	}
	if nowMs >= a.timeOfLastAppendPositionMs+a.opts.LeaderHeartbeatInterval.Milliseconds() {
		a.sendAppendedPosition(a.leadershipTermID, a.leaderMemberID)
		a.timeOfLastAppendPositionMs = nowMs
		work++
	}
	return work
}

func (a *ConsensusModuleAgent) sendAppendedPosition(leadershipTermID int64, leaderID int32) {
	m := codecs.AppendedPosition{
		LeadershipTermID: leadershipTermID,
		LogPosition:      a.appendedPosition(),
		FollowerMemberID: a.memberID,
	}
	a.offerToMember(findMember(a.members, leaderID), m.Encode())
}

// appendedPosition is this member's highest locally appended log position.
func (a *ConsensusModuleAgent) appendedPosition() int64 {
	pos := a.baseAppendedPosition
	if a.logPublisher.publication != nil {
		pos = max64(pos, a.logPublisher.position())
	}
	if a.logAdapter.image != nil {
		pos = max64(pos, a.logAdapter.position())
	}
	return pos
}

func (a *ConsensusModuleAgent) isLeader() bool { return a.role == codecs.RoleLeader }

func (a *ConsensusModuleAgent) thisMember() *Member {
	if m := findMember(a.members, a.memberID); m != nil {
		return m
	}
	return a.selfMember
}

func (a *ConsensusModuleAgent) selfEndpoints() []string {
	m := a.thisMember()
	return []string{m.ClientFacingEndpoint, m.MemberFacingEndpoint, m.LogEndpoint, m.TransferEndpoint, m.ArchiveEndpoint}
}

func (a *ConsensusModuleAgent) nextCorrelationID() int64 {
	a.nextCorrelation++
	return int64(a.memberID+1)<<32 | a.nextCorrelation
}

// clusterTimeMs advances cluster time from the wall clock; leader side only.
// Followers advance cluster time solely through replayed records.
func (a *ConsensusModuleAgent) clusterTimeMs(nowMs int64) int64 {
	return max64(a.clusterTime, nowMs)
}

func (a *ConsensusModuleAgent) createLogPublication(leadershipTermID, termBaseLogPosition int64) error {
	pub, err := a.opts.Transport.AddExclusivePublicationAt(a.thisMember().LogEndpoint, a.opts.LogStreamID, termBaseLogPosition)
	if err != nil {
		return err
	}
	a.logPublisher = logPublisher{publication: pub, leadershipTermID: leadershipTermID}
	return nil
}

func (a *ConsensusModuleAgent) startLogRecording() error {
	var err error
	var subID int64
	if a.logRecordingID == NullValue {
		subID, err = a.opts.Archive.StartRecording(a.thisMember().LogEndpoint, a.opts.LogStreamID)
		if err != nil {
			return err
		}
		recID, ok, err := a.opts.Archive.FindRecordingBySession(a.logPublisher.publication.SessionID())
		if err != nil {
			return err
		}
		if !ok {
			return ErrRecordingGone
		}
		a.logRecordingID = recID
	} else {
		subID, err = a.opts.Archive.ExtendRecording(a.logRecordingID, a.thisMember().LogEndpoint, a.opts.LogStreamID)
		if err != nil {
			return err
		}
	}
	a.logRecordingSubID = subID
	return nil
}

func (a *ConsensusModuleAgent) appendTermEntry(leadershipTermID, termBaseLogPosition, timestamp int64) error {
	if prev := a.recordingLog.LastLeadershipTermID(); prev >= 0 && prev < leadershipTermID {
		// close the superseded term at the new base
		_ = a.recordingLog.CommitTermLogPosition(prev, termBaseLogPosition)
	}
	return a.recordingLog.AppendTerm(a.logRecordingID, leadershipTermID, termBaseLogPosition, timestamp)
}

func (a *ConsensusModuleAgent) ensureLogSubscription(channel string) error {
	if a.logSubscription != nil && a.logSubscription.Channel() == channel {
		return nil
	}
	if a.logSubscription != nil {
		_ = a.logSubscription.Close()
		a.logSubscription = nil
	}
	sub, err := a.opts.Transport.AddSubscription(channel, a.opts.LogStreamID)
	if err != nil {
		return err
	}
	a.logSubscription = sub
	return nil
}

// joinLogAsReplay arms the log adapter with a pending replay image on this
// member's own log channel.
func (a *ConsensusModuleAgent) joinLogAsReplay(replaySessionID int64, maxLogPosition int64) {
	if err := a.ensureLogSubscription(a.thisMember().LogEndpoint); err != nil {
		a.countError(err)
		return
	}
	a.pendingImageSessionID = archive.ReplayImageSessionID(replaySessionID)
	a.pendingImageMaxPos = maxLogPosition
	a.havePendingImage = true
	a.tryResolvePendingImage()
}

func (a *ConsensusModuleAgent) tryResolvePendingImage() bool {
	if a.logAdapter.image != nil {
		return true
	}
	if !a.havePendingImage || a.logSubscription == nil {
		return false
	}
	img := a.logSubscription.ImageBySessionID(a.pendingImageSessionID)
	if img == nil {
		return false
	}
	a.logAdapter.image = img
	a.logAdapter.maxLogPosition = a.pendingImageMaxPos
	a.havePendingImage = false
	return true
}

// joinLeaderLog attaches the log adapter to the leader's live log stream.
func (a *ConsensusModuleAgent) joinLeaderLog(e *election) bool {
	if a.logAdapter.image != nil {
		if a.logAdapter.image.SessionID() == e.leaderLogSessionID && !a.logAdapter.isImageClosed() {
			return true
		}
		a.baseAppendedPosition = max64(a.baseAppendedPosition, a.logAdapter.position())
		a.logAdapter.close()
	}
	leader := findMember(a.members, e.leaderMemberID)
	if leader == nil {
		return false
	}
	if err := a.ensureLogSubscription(leader.LogEndpoint); err != nil {
		a.countError(err)
		return false
	}
	img := a.logSubscription.ImageBySessionID(e.leaderLogSessionID)
	if img == nil {
		return false
	}
	a.logAdapter.image = img
	a.logAdapter.maxLogPosition = NullPosition
	return true
}

// joinCatchupReplay attaches the log adapter to the leader-initiated replay
// stream on this member's transfer endpoint.
func (a *ConsensusModuleAgent) joinCatchupReplay(e *election) bool {
	if a.logAdapter.image != nil {
		return true
	}
	if a.catchupSub == nil {
		sub, err := a.opts.Transport.AddSubscription(a.thisMember().TransferEndpoint, a.opts.ReplayStreamID)
		if err != nil {
			a.countError(err)
			return false
		}
		a.catchupSub = sub
	}
	for _, img := range a.catchupSub.Images() {
		if !img.IsClosed() {
			a.logAdapter.image = img
			a.logAdapter.maxLogPosition = NullPosition
			return true
		}
	}
	return false
}

func (a *ConsensusModuleAgent) stopCatchup() {
	if a.catchupSub != nil {
		_ = a.catchupSub.Close()
		a.catchupSub = nil
	}
	a.baseAppendedPosition = max64(a.baseAppendedPosition, a.logAdapter.position())
	a.logAdapter.close()
}

func (a *ConsensusModuleAgent) serviceAckPosition() int64 {
	if a.opts.ServiceCount == 0 {
		return math.MaxInt64
	}
	pos := int64(math.MaxInt64)
	for i := range a.serviceAcks {
		if !a.serviceAcks[i].acked {
			return NullPosition
		}
		pos = min64(pos, a.serviceAcks[i].position)
	}
	return pos
}

// countError routes a non-fatal error through the counted handler.
func (a *ConsensusModuleAgent) countError(err error) {
	if err == nil {
		return
	}
	a.errorCount++
	obsmetrics.Errors.Inc()
	if a.opts.ErrorHandler != nil {
		a.opts.ErrorHandler(err)
	} else {
		logutil.Errorf(a.opts.Logger, "member %d: %v", a.memberID, err)
	}
}

// fatal counts the error, runs the termination hook and closes the module.
func (a *ConsensusModuleAgent) fatal(err error) {
	a.countError(err)
	if a.opts.TerminationHook != nil {
		a.opts.TerminationHook()
	}
	a.closeModule()
}

func (a *ConsensusModuleAgent) closeModule() {
	if a.state == StateClosed {
		return
	}
	a.state = StateClosed
	a.logPublisher.close()
	a.logAdapter.close()
	if a.logSubscription != nil {
		_ = a.logSubscription.Close()
		a.logSubscription = nil
	}
	if a.catchupSub != nil {
		_ = a.catchupSub.Close()
		a.catchupSub = nil
	}
	a.ingressAdapter.close()
	a.serviceProxy.close()
	a.serviceAdapter.close()
	a.memberStatus.close()
	for _, m := range a.members {
		if m.Publication != nil {
			_ = m.Publication.Close()
			m.Publication = nil
		}
	}
	for _, s := range a.sessions {
		s.disconnect()
	}
	a.updateMetrics()
	logutil.Infof(a.opts.Logger, "member %d closed", a.memberID)
}

// OnClose shuts the agent down without waiting for cluster-wide
// termination.
func (a *ConsensusModuleAgent) OnClose() {
	a.interrupt = true
	a.closeModule()
}

func (a *ConsensusModuleAgent) interrupted() bool { return a.interrupt }

func (a *ConsensusModuleAgent) updateMetrics() {
	obsmetrics.LeadershipTerm.Set(float64(a.leadershipTermID))
	obsmetrics.CommitPosition.Set(float64(a.commitPos))
	if a.isLeader() {
		obsmetrics.IsLeader.Set(1)
	} else {
		obsmetrics.IsLeader.Set(0)
	}
	open := 0
	for _, s := range a.sessions {
		if s.IsOpen() {
			open++
		}
	}
	obsmetrics.OpenSessions.Set(float64(open))
	obsmetrics.ClusterMembers.Set(float64(len(a.members)))
	obsmetrics.PendingServiceMessages.Set(float64(a.pendingServiceMessages.size()))
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Accessors used by the management endpoint and tests. They are safe only
// from the conductor thread; external observers should use the shared
// counters instead.

func (a *ConsensusModuleAgent) State() State               { return a.state }
func (a *ConsensusModuleAgent) Role() codecs.Role          { return a.role }
func (a *ConsensusModuleAgent) MemberID() int32            { return a.memberID }
func (a *ConsensusModuleAgent) LeaderMemberID() int32      { return a.leaderMemberID }
func (a *ConsensusModuleAgent) LeadershipTermID() int64    { return a.leadershipTermID }
func (a *ConsensusModuleAgent) CommitPosition() int64      { return a.commitPos }
func (a *ConsensusModuleAgent) AppendedPosition() int64    { return a.appendedPosition() }
func (a *ConsensusModuleAgent) ErrorCount() int64          { return a.errorCount }
func (a *ConsensusModuleAgent) ActivityTimestampMs() int64 { return a.activityTimestampMs }
func (a *ConsensusModuleAgent) ClusterMembers() string     { return EncodeMembers(a.members) }
func (a *ConsensusModuleAgent) ControlToggle() *ControlToggle { return a.controlToggle }
func (a *ConsensusModuleAgent) SnapshotsTaken() int64      { return a.snapshotsTaken }
func (a *ConsensusModuleAgent) WasSnapshotLoaded() bool    { return a.snapshotLoaded }

func (a *ConsensusModuleAgent) OpenSessionCount() int {
	n := 0
	for _, s := range a.sessions {
		if s.IsOpen() {
			n++
		}
	}
	return n
}
