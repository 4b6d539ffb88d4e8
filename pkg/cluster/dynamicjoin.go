package cluster

import (
	"strings"

	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/internal/logutil"
	"github.com/amirimatin/go-quorum/pkg/recording"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

type dynamicJoinState int8

const (
	djInit dynamicJoinState = iota
	djAwaitMembers
	djSnapshotQuery
	djAwaitSnapshots
	djReplicate
	djJoinRequest
	djAwaitJoin
	djDone
)

// dynamicJoin is the sub-state-machine by which a member started with no
// static member list discovers the cluster through the status endpoints,
// localises the latest snapshots, and is admitted via a JOIN membership
// change. Like the election it borrows the agent per tick.
type dynamicJoin struct {
	state         dynamicJoinState
	correlationID int64

	statusEndpoints []string
	statusPubs      []transport.Publication
	nextEndpoint    int

	leaderMemberID int32
	activeMembers  string
	passiveMembers string

	snapshots []codecs.SnapshotRecordingEntry

	resendDeadlineMs int64
}

func newDynamicJoin(a *ConsensusModuleAgent, nowMs int64) *dynamicJoin {
	return &dynamicJoin{
		state:           djInit,
		correlationID:   a.nextCorrelationID(),
		statusEndpoints: a.opts.ClusterMembersStatusEndpoints,
		leaderMemberID:  NullMemberID,
	}
}

func (d *dynamicJoin) doWork(a *ConsensusModuleAgent, nowMs int64) int {
	switch d.state {
	case djInit, djAwaitMembers:
		return d.addPassiveWork(a, nowMs)
	case djSnapshotQuery, djAwaitSnapshots:
		return d.snapshotQueryWork(a, nowMs)
	case djReplicate:
		return d.replicateWork(a, nowMs)
	case djJoinRequest, djAwaitJoin:
		return d.joinWork(a, nowMs)
	}
	return 0
}

func (d *dynamicJoin) offerToStatusEndpoint(a *ConsensusModuleAgent, buf []byte) bool {
	if len(d.statusEndpoints) == 0 {
		return false
	}
	if len(d.statusPubs) == 0 {
		for _, ep := range d.statusEndpoints {
			pub, err := a.opts.Transport.AddPublication(strings.TrimSpace(ep), a.opts.ConsensusStreamID)
			if err != nil {
				a.countError(err)
				continue
			}
			d.statusPubs = append(d.statusPubs, pub)
		}
	}
	if len(d.statusPubs) == 0 {
		return false
	}
	// rotate across endpoints so one dead member does not stall the join
	pub := d.statusPubs[d.nextEndpoint%len(d.statusPubs)]
	d.nextEndpoint++
	return pub.Offer(buf) >= 0
}

func (d *dynamicJoin) offerToLeader(a *ConsensusModuleAgent, buf []byte) bool {
	members, err := ParseMembers(d.activeMembers)
	if err != nil {
		a.countError(err)
		return false
	}
	leader := findMember(members, d.leaderMemberID)
	if leader == nil {
		return d.offerToStatusEndpoint(a, buf)
	}
	pub, err := a.opts.Transport.AddPublication(leader.MemberFacingEndpoint, a.opts.ConsensusStreamID)
	if err != nil {
		a.countError(err)
		return false
	}
	defer func() { _ = pub.Close() }()
	return pub.Offer(buf) >= 0
}

func (d *dynamicJoin) addPassiveWork(a *ConsensusModuleAgent, nowMs int64) int {
	if nowMs < d.resendDeadlineMs {
		return 0
	}
	m := codecs.AddPassiveMember{
		CorrelationID:   d.correlationID,
		MemberEndpoints: a.opts.MemberEndpoints,
	}
	d.offerToStatusEndpoint(a, m.Encode())
	d.state = djAwaitMembers
	d.resendDeadlineMs = nowMs + a.opts.LeaderHeartbeatInterval.Milliseconds()
	return 1
}

func (d *dynamicJoin) snapshotQueryWork(a *ConsensusModuleAgent, nowMs int64) int {
	if nowMs < d.resendDeadlineMs {
		return 0
	}
	m := codecs.SnapshotRecordingQuery{
		CorrelationID:   d.correlationID,
		RequestMemberID: a.memberID,
	}
	d.offerToLeader(a, m.Encode())
	d.state = djAwaitSnapshots
	d.resendDeadlineMs = nowMs + a.opts.LeaderHeartbeatInterval.Milliseconds()
	return 1
}

// replicateWork localises the leader's snapshot recordings into fresh local
// recording ids and records them so the recovery plan can use them.
func (d *dynamicJoin) replicateWork(a *ConsensusModuleAgent, nowMs int64) int {
	for _, s := range d.snapshots {
		localID, err := a.opts.Archive.Replicate(s.RecordingID)
		if err != nil {
			a.countError(err)
			return 0
		}
		err = a.recordingLog.AppendSnapshot(localID, s.LeadershipTermID, s.TermBaseLogPosition, s.LogPosition, s.Timestamp, s.ServiceID)
		if err != nil {
			a.countError(err)
			return 0
		}
	}
	if len(d.snapshots) > 0 {
		a.recoveryPlan = a.recordingLog.NewRecoveryPlan(a.opts.ServiceCount, false, recording.NullPosition)
		if err := a.loadModuleSnapshot(); err != nil {
			a.countError(err)
		}
	}
	d.snapshots = nil
	d.state = djJoinRequest
	d.resendDeadlineMs = 0
	return 1
}

func (d *dynamicJoin) joinWork(a *ConsensusModuleAgent, nowMs int64) int {
	if nowMs < d.resendDeadlineMs {
		return 0
	}
	m := codecs.JoinCluster{
		LeadershipTermID: a.leadershipTermID,
		MemberID:         a.memberID,
	}
	d.offerToLeader(a, m.Encode())
	d.state = djAwaitJoin
	d.resendDeadlineMs = nowMs + a.opts.LeaderHeartbeatInterval.Milliseconds()
	return 1
}

// onClusterMembersChange handles both the passive-member acceptance and the
// final join confirmation.
func (d *dynamicJoin) onClusterMembersChange(a *ConsensusModuleAgent, m codecs.ClusterMembersChange) {
	if m.CorrelationID != d.correlationID {
		return
	}
	d.leaderMemberID = m.LeaderMemberID
	d.activeMembers = m.ActiveMembers
	d.passiveMembers = m.PassiveMembers

	switch d.state {
	case djAwaitMembers:
		// the leader assigned us a fresh id in the passive list; find it by
		// our member-facing endpoint
		passive, err := ParseMembers(m.PassiveMembers)
		if err != nil {
			a.countError(err)
			return
		}
		self := a.selfEndpoints()
		for _, p := range passive {
			if p.MemberFacingEndpoint == self[1] {
				a.memberID = p.ID
				d.state = djSnapshotQuery
				d.resendDeadlineMs = 0
				logutil.Infof(a.opts.Logger, "dynamic join: assigned member id %d by leader %d", a.memberID, m.LeaderMemberID)
				return
			}
		}
	case djAwaitJoin:
		active, err := ParseMembers(m.ActiveMembers)
		if err != nil {
			a.countError(err)
			return
		}
		if findMember(active, a.memberID) == nil {
			return
		}
		a.members = active
		a.highMemberID = highMemberID(active, a.highMemberID)
		d.state = djDone
		d.close()
		logutil.Infof(a.opts.Logger, "dynamic join complete: member %d entering election", a.memberID)
		a.dynamicJoinComplete(nowZero(a))
	}
}

func (d *dynamicJoin) onSnapshotRecordings(a *ConsensusModuleAgent, m codecs.SnapshotRecordings) {
	if m.CorrelationID != d.correlationID || d.state != djAwaitSnapshots {
		return
	}
	if a.opts.ClusterMembersIgnoreSnapshot {
		m.Snapshots = nil
	}
	d.snapshots = m.Snapshots
	d.state = djReplicate
}

func (d *dynamicJoin) close() {
	for _, pub := range d.statusPubs {
		_ = pub.Close()
	}
	d.statusPubs = nil
}

func nowZero(a *ConsensusModuleAgent) int64 { return a.cachedTimeMs }
