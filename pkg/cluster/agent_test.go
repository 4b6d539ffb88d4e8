package cluster

import (
	"fmt"
	"log"
	"testing"
	"time"

	amemory "github.com/amirimatin/go-quorum/pkg/archive/memory"
	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/recording"
	"github.com/amirimatin/go-quorum/pkg/transport"
	tmemory "github.com/amirimatin/go-quorum/pkg/transport/memory"
)

// testCluster drives agents deterministically with a manual clock over the
// in-process transport.
type testCluster struct {
	t      *testing.T
	hub    *tmemory.Hub
	arch   *amemory.Archive
	agents map[int32]*ConsensusModuleAgent
	nowMs  int64
}

func memberString(ids ...int32) string {
	s := ""
	for i, id := range ids {
		if i > 0 {
			s += "|"
		}
		s += fmt.Sprintf("%d,client-%d,status-%d,log-%d,transfer-%d,archive-%d", id, id, id, id, id, id)
	}
	return s
}

func newTestCluster(t *testing.T, ids ...int32) *testCluster {
	hub := tmemory.NewHub()
	tc := &testCluster{
		t:      t,
		hub:    hub,
		arch:   amemory.New(hub),
		agents: make(map[int32]*ConsensusModuleAgent),
		nowMs:  1000,
	}
	members := memberString(ids...)
	for _, id := range ids {
		tc.addAgent(id, members)
	}
	return tc
}

func (tc *testCluster) addAgent(id int32, members string) *ConsensusModuleAgent {
	agent, err := New(tc.options(id, members))
	if err != nil {
		tc.t.Fatalf("new agent %d: %v", id, err)
	}
	if err := agent.OnStart(); err != nil {
		tc.t.Fatalf("start agent %d: %v", id, err)
	}
	tc.agents[id] = agent
	return agent
}

func (tc *testCluster) options(id int32, members string) Options {
	return Options{
		MemberID:                id,
		AppointedLeaderID:       0,
		ClusterMembers:          members,
		ServiceCount:            0,
		SessionTimeout:          2 * time.Second,
		LeaderHeartbeatInterval: 5 * time.Millisecond,
		LeaderHeartbeatTimeout:  200 * time.Millisecond,
		ServiceHeartbeatTimeout: time.Hour,
		TerminationTimeout:      time.Second,
		ElectionTimeout:         5 * time.Second,
		SnapshotChannel:         fmt.Sprintf("snapshot-%d", id),
		ReplayChannel:           fmt.Sprintf("replay-%d", id),
		ServiceControlChannel:   fmt.Sprintf("service-%d", id),
		Transport:               tc.hub.NewClient(),
		Archive:                 tc.arch,
		RecordingStore:          recording.NewMemoryStore(),
		Logger:                  log.New(testWriter{tc.t}, "", 0),
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// tick advances the manual clock by one millisecond and works every agent.
func (tc *testCluster) tick(n int) {
	for i := 0; i < n; i++ {
		tc.nowMs++
		for _, a := range tc.agents {
			a.DoWork(tc.nowMs)
		}
	}
}

func (tc *testCluster) leader() *ConsensusModuleAgent {
	for _, a := range tc.agents {
		if a.Role() == codecs.RoleLeader && a.State() == StateActive {
			return a
		}
	}
	return nil
}

func (tc *testCluster) awaitLeader() *ConsensusModuleAgent {
	for i := 0; i < 5000; i++ {
		tc.tick(1)
		if l := tc.leader(); l != nil {
			return l
		}
	}
	tc.t.Fatalf("no leader elected")
	return nil
}

// testClient is a minimal ingress client against one member.
type testClient struct {
	t             *testing.T
	ingress       transport.Publication
	egress        transport.Subscription
	correlationID int64
	sessionID     int64
	term          int64
	events        []codecs.SessionEvent
	newLeader     []codecs.NewLeaderEvent
}

func (tc *testCluster) connectClient(memberID int32) *testClient {
	client := tc.hub.NewClient()
	c := &testClient{t: tc.t, correlationID: 7777}
	sub, err := client.AddSubscription("client-response", 999)
	if err != nil {
		tc.t.Fatalf("egress sub: %v", err)
	}
	c.egress = sub
	pub, err := client.AddPublication(fmt.Sprintf("client-%d", memberID), DefaultIngressStreamID)
	if err != nil {
		tc.t.Fatalf("ingress pub: %v", err)
	}
	c.ingress = pub

	connect := codecs.SessionConnectRequest{
		CorrelationID:    c.correlationID,
		ResponseStreamID: 999,
		Version:          codecs.SemanticVersionCompose(ProtocolMajor, ProtocolMinor, ProtocolPatch),
		ResponseChannel:  "client-response",
	}
	if pub.Offer(connect.Encode()) < 0 {
		tc.t.Fatalf("connect offer failed")
	}

	for i := 0; i < 1000 && c.sessionID == 0; i++ {
		tc.tick(1)
		c.poll()
	}
	if c.sessionID == 0 {
		tc.t.Fatalf("session not opened: events=%v", c.events)
	}
	return c
}

func (c *testClient) poll() {
	c.egress.Poll(func(buf []byte, _ transport.Header) {
		switch codecs.TemplateID(buf) {
		case codecs.TemplateSessionEvent:
			ev, err := codecs.DecodeSessionEvent(buf)
			if err != nil {
				c.t.Fatalf("decode event: %v", err)
			}
			c.events = append(c.events, ev)
			if ev.Code == codecs.EventOK {
				c.sessionID = ev.ClusterSessionID
				c.term = ev.LeadershipTermID
			}
		case codecs.TemplateNewLeaderEvent:
			ev, err := codecs.DecodeNewLeaderEvent(buf)
			if err != nil {
				c.t.Fatalf("decode new leader: %v", err)
			}
			c.newLeader = append(c.newLeader, ev)
			c.term = ev.LeadershipTermID
		}
	}, 100)
}

func (c *testClient) send(payload []byte) {
	m := codecs.SessionMessage{
		LeadershipTermID: c.term,
		ClusterSessionID: c.sessionID,
		Payload:          payload,
	}
	if c.ingress.Offer(m.Encode()) < 0 {
		c.t.Fatalf("ingress offer failed")
	}
}

func TestSingleMemberBecomesLeader(t *testing.T) {
	tc := newTestCluster(t, 0)
	leader := tc.awaitLeader()
	if leader.MemberID() != 0 {
		t.Fatalf("leader = %d", leader.MemberID())
	}
	if leader.LeadershipTermID() != 0 {
		t.Fatalf("term = %d", leader.LeadershipTermID())
	}
}

func TestThreeMembers_AppointedLeaderWins(t *testing.T) {
	tc := newTestCluster(t, 0, 1, 2)
	leader := tc.awaitLeader()
	if leader.MemberID() != 0 {
		t.Fatalf("appointed leader lost: %d", leader.MemberID())
	}
	tc.tick(50)
	leaders := 0
	for _, a := range tc.agents {
		if a.Role() == codecs.RoleLeader {
			leaders++
		} else if a.LeaderMemberID() != 0 {
			t.Fatalf("member %d sees leader %d", a.MemberID(), a.LeaderMemberID())
		}
	}
	if leaders != 1 {
		t.Fatalf("leaders = %d", leaders)
	}
}

func TestClientMessages_CommitAndReplicate(t *testing.T) {
	tc := newTestCluster(t, 0, 1, 2)
	leader := tc.awaitLeader()
	c := tc.connectClient(leader.MemberID())

	before := leader.CommitPosition()
	const n = 100
	for i := 0; i < n; i++ {
		c.send([]byte{byte(i), 0, 0, 0})
		tc.tick(2)
	}
	tc.tick(100)

	frame := transport.AlignedFrameLength(len((&codecs.SessionMessage{Payload: make([]byte, 4)}).Encode()))
	if got := leader.CommitPosition() - before; got < int64(n)*frame {
		t.Fatalf("commit advance = %d, want >= %d", got, int64(n)*frame)
	}
	// invariant: commit <= appended on every member, terms never regress
	for _, a := range tc.agents {
		if a.CommitPosition() > a.AppendedPosition() {
			t.Fatalf("member %d: commit %d > appended %d", a.MemberID(), a.CommitPosition(), a.AppendedPosition())
		}
		if a.LeadershipTermID() != 0 {
			t.Fatalf("member %d term = %d", a.MemberID(), a.LeadershipTermID())
		}
	}
}

func TestLeaderFailover_NewLeaderEventOnce(t *testing.T) {
	tc := newTestCluster(t, 0, 1, 2)
	leader := tc.awaitLeader()
	c := tc.connectClient(leader.MemberID())
	c.send([]byte("x"))
	tc.tick(100)

	leader.OnClose()
	delete(tc.agents, leader.MemberID())

	var next *ConsensusModuleAgent
	for i := 0; i < 10000 && next == nil; i++ {
		tc.tick(1)
		c.poll()
		next = tc.leader()
	}
	if next == nil {
		t.Fatalf("no new leader after failover")
	}
	if next.LeadershipTermID() < 1 {
		t.Fatalf("term did not advance: %d", next.LeadershipTermID())
	}
	for i := 0; i < 2000 && len(c.newLeader) == 0; i++ {
		tc.tick(1)
		c.poll()
	}
	if len(c.newLeader) != 1 {
		t.Fatalf("new leader events = %d, want 1", len(c.newLeader))
	}
	if c.newLeader[0].LeaderMemberID != next.MemberID() {
		t.Fatalf("new leader event names %d, leader is %d", c.newLeader[0].LeaderMemberID, next.MemberID())
	}
}

func TestSessionTimeout_ClosesWithTimeoutReason(t *testing.T) {
	tc := newTestCluster(t, 0)
	leader := tc.awaitLeader()
	c := tc.connectClient(leader.MemberID())
	if leader.OpenSessionCount() != 1 {
		t.Fatalf("open sessions = %d", leader.OpenSessionCount())
	}

	// go silent past the session timeout
	tc.nowMs += 3000
	tc.tick(10)
	if leader.OpenSessionCount() != 0 {
		t.Fatalf("session not timed out")
	}
	ctr, ok := tc.agents[0].opts.Transport.FindCounter(transport.CounterTypeClientTimeouts, 0)
	if !ok || ctr.Get() != 1 {
		t.Fatalf("client timeout counter wrong")
	}
	_ = c
}

func TestSnapshotToggle_RecordsEntriesAndRestores(t *testing.T) {
	tc := newTestCluster(t, 0)
	leader := tc.awaitLeader()
	c := tc.connectClient(leader.MemberID())
	c.send([]byte("hello"))
	tc.tick(50)

	if !leader.ControlToggle().Signal(ToggleSnapshot) {
		t.Fatalf("toggle busy")
	}
	for i := 0; i < 1000 && leader.SnapshotsTaken() == 0; i++ {
		tc.tick(1)
	}
	if leader.SnapshotsTaken() != 1 {
		t.Fatalf("snapshots = %d", leader.SnapshotsTaken())
	}
	if leader.State() != StateActive {
		t.Fatalf("state after snapshot = %v", leader.State())
	}

	// restart from the same store and archive: the snapshot restores the
	// session without log replay
	store := leader.opts.RecordingStore
	leader.OnClose()
	delete(tc.agents, int32(0))

	opts := tc.options(0, memberString(0))
	opts.RecordingStore = store
	restarted, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := restarted.OnStart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !restarted.WasSnapshotLoaded() {
		t.Fatalf("snapshot not loaded on restart")
	}
	if restarted.OpenSessionCount() != 1 {
		t.Fatalf("restored sessions = %d", restarted.OpenSessionCount())
	}
	tc.agents[0] = restarted
	if l := tc.awaitLeader(); l.LeadershipTermID() < 1 {
		t.Fatalf("restarted term = %d", l.LeadershipTermID())
	}
}

func TestAbortToggle_TerminatesCluster(t *testing.T) {
	tc := newTestCluster(t, 0, 1, 2)
	leader := tc.awaitLeader()
	if !leader.ControlToggle().Signal(ToggleAbort) {
		t.Fatalf("toggle busy")
	}
	for i := 0; i < 5000; i++ {
		tc.tick(1)
		closed := 0
		for _, a := range tc.agents {
			if a.State() == StateClosed {
				closed++
			}
		}
		if closed == 3 {
			return
		}
	}
	for _, a := range tc.agents {
		t.Logf("member %d state %v", a.MemberID(), a.State())
	}
	t.Fatalf("cluster did not terminate")
}

func TestHigherTermForcesElection(t *testing.T) {
	tc := newTestCluster(t, 0, 1, 2)
	leader := tc.awaitLeader()

	// a stale-looking commit from a higher term must push the leader into
	// election rather than being ignored
	msg := codecs.CommitPosition{LeadershipTermID: leader.LeadershipTermID() + 5, LogPosition: 0, LeaderMemberID: 99}
	leader.onCommitPositionMessage(msg)
	if leader.election == nil {
		t.Fatalf("higher term did not force election")
	}
}
