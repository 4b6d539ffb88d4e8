//go:build integration

package integration

import (
	"fmt"
	"log"
	"testing"
	"time"

	amemory "github.com/amirimatin/go-quorum/pkg/archive/memory"
	"github.com/amirimatin/go-quorum/pkg/cluster"
	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/recording"
	"github.com/amirimatin/go-quorum/pkg/transport"
	tmemory "github.com/amirimatin/go-quorum/pkg/transport/memory"
)

// harness drives full members (agent + stub service) deterministically on a
// manual clock over the in-process transport.
type harness struct {
	t        *testing.T
	hub      *tmemory.Hub
	arch     *amemory.Archive
	agents   map[int32]*cluster.ConsensusModuleAgent
	services map[int32]*stubService
	stores   map[int32]recording.Store
	nowMs    int64
}

const (
	serviceStream = 104
	moduleStream  = 105
)

func members(ids ...int32) string {
	s := ""
	for i, id := range ids {
		if i > 0 {
			s += "|"
		}
		s += endpointsFor(id, true)
	}
	return s
}

func endpointsFor(id int32, withID bool) string {
	e := fmt.Sprintf("client-%d,status-%d,log-%d,transfer-%d,archive-%d", id, id, id, id, id)
	if withID {
		return fmt.Sprintf("%d,%s", id, e)
	}
	return e
}

func newHarness(t *testing.T, ids ...int32) *harness {
	hub := tmemory.NewHub()
	h := &harness{
		t:        t,
		hub:      hub,
		arch:     amemory.New(hub),
		agents:   make(map[int32]*cluster.ConsensusModuleAgent),
		services: make(map[int32]*stubService),
		stores:   make(map[int32]recording.Store),
		nowMs:    1000,
	}
	memberStr := members(ids...)
	for _, id := range ids {
		h.stores[id] = recording.NewMemoryStore()
		h.startMember(id, memberStr)
	}
	return h
}

func (h *harness) options(id int32, memberStr string) cluster.Options {
	return cluster.Options{
		MemberID:                id,
		AppointedLeaderID:       0,
		ClusterMembers:          memberStr,
		ServiceCount:            1,
		SessionTimeout:          2 * time.Second,
		LeaderHeartbeatInterval: 5 * time.Millisecond,
		LeaderHeartbeatTimeout:  200 * time.Millisecond,
		ServiceHeartbeatTimeout: time.Hour,
		TerminationTimeout:      2 * time.Second,
		ElectionTimeout:         5 * time.Second,
		SnapshotChannel:         fmt.Sprintf("snapshot-%d", id),
		ReplayChannel:           fmt.Sprintf("replay-%d", id),
		ServiceControlChannel:   fmt.Sprintf("service-%d", id),
		ServiceStreamID:         serviceStream,
		ConsensusModuleStreamID: moduleStream,
		Transport:               h.hub.NewClient(),
		Archive:                 h.arch,
		RecordingStore:          h.stores[id],
		Logger:                  log.New(logWriter{h.t}, "", 0),
	}
}

type logWriter struct{ t *testing.T }

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func (h *harness) startMember(id int32, memberStr string) *cluster.ConsensusModuleAgent {
	opts := h.options(id, memberStr)
	agent, err := cluster.New(opts)
	if err != nil {
		h.t.Fatalf("new member %d: %v", id, err)
	}
	if err := agent.OnStart(); err != nil {
		h.t.Fatalf("start member %d: %v", id, err)
	}
	h.agents[id] = agent
	h.services[id] = newStubService(h.t, h.hub, id, opts.ServiceControlChannel, serviceStream, moduleStream)
	return agent
}

func (h *harness) stopMember(id int32) {
	h.agents[id].OnClose()
	delete(h.agents, id)
	delete(h.services, id)
}

func (h *harness) tick(n int) {
	for i := 0; i < n; i++ {
		h.nowMs++
		for _, a := range h.agents {
			a.DoWork(h.nowMs)
		}
		for _, s := range h.services {
			s.doWork()
		}
	}
}

func (h *harness) leader() *cluster.ConsensusModuleAgent {
	for _, a := range h.agents {
		if a.Role() == codecs.RoleLeader && a.State() == cluster.StateActive {
			return a
		}
	}
	return nil
}

func (h *harness) awaitLeader() *cluster.ConsensusModuleAgent {
	for i := 0; i < 10000; i++ {
		h.tick(1)
		if l := h.leader(); l != nil {
			return l
		}
	}
	h.t.Fatalf("no leader elected")
	return nil
}

func (h *harness) await(what string, cond func() bool) {
	for i := 0; i < 20000; i++ {
		h.tick(1)
		if cond() {
			return
		}
	}
	h.t.Fatalf("timed out awaiting %s", what)
}

// client mirrors an ingress client against the leader.
type client struct {
	t         *testing.T
	h         *harness
	ingress   transport.Publication
	egress    transport.Subscription
	sessionID int64
	term      int64
	newLeader int
}

func (h *harness) connect(leaderID int32) *client {
	cl := h.hub.NewClient()
	c := &client{t: h.t, h: h}
	sub, err := cl.AddSubscription("egress-client", 1)
	if err != nil {
		h.t.Fatalf("egress: %v", err)
	}
	c.egress = sub
	pub, err := cl.AddPublication(fmt.Sprintf("client-%d", leaderID), cluster.DefaultIngressStreamID)
	if err != nil {
		h.t.Fatalf("ingress: %v", err)
	}
	c.ingress = pub
	connect := codecs.SessionConnectRequest{
		CorrelationID:    42,
		ResponseStreamID: 1,
		Version:          codecs.SemanticVersionCompose(1, 0, 0),
		ResponseChannel:  "egress-client",
	}
	if pub.Offer(connect.Encode()) < 0 {
		h.t.Fatalf("connect offer")
	}
	h.await("session open", func() bool {
		c.poll()
		return c.sessionID != 0
	})
	return c
}

func (c *client) poll() {
	c.egress.Poll(func(buf []byte, _ transport.Header) {
		switch codecs.TemplateID(buf) {
		case codecs.TemplateSessionEvent:
			ev, _ := codecs.DecodeSessionEvent(buf)
			if ev.Code == codecs.EventOK {
				c.sessionID = ev.ClusterSessionID
				c.term = ev.LeadershipTermID
			}
		case codecs.TemplateNewLeaderEvent:
			ev, _ := codecs.DecodeNewLeaderEvent(buf)
			c.term = ev.LeadershipTermID
			c.newLeader++
		}
	}, 100)
}

func (c *client) send(payload []byte) {
	m := codecs.SessionMessage{
		LeadershipTermID: c.term,
		ClusterSessionID: c.sessionID,
		Payload:          payload,
	}
	if c.ingress.Offer(m.Encode()) < 0 {
		c.t.Fatalf("send offer failed")
	}
}

// S1: three-member happy path.
func TestS1_ThreeMemberHappyPath(t *testing.T) {
	h := newHarness(t, 0, 1, 2)
	leader := h.awaitLeader()
	if leader.MemberID() != 0 {
		t.Fatalf("appointed leader lost: %d", leader.MemberID())
	}
	c := h.connect(0)
	before := leader.CommitPosition()

	const n = 100
	for i := 0; i < n; i++ {
		c.send([]byte{byte(i), 0, 0, 0})
		h.tick(2)
	}
	h.await("all services see 100 messages", func() bool {
		for _, s := range h.services {
			if len(s.sessionMessages) < n {
				return false
			}
		}
		return true
	})
	for id, s := range h.services {
		for i := 0; i < n; i++ {
			if s.sessionMessages[i][0] != byte(i) {
				t.Fatalf("member %d message %d out of order", id, i)
			}
		}
	}
	frame := transport.AlignedFrameLength(len((&codecs.SessionMessage{Payload: make([]byte, 4)}).Encode()))
	if adv := leader.CommitPosition() - before; adv < int64(n)*frame {
		t.Fatalf("commit advance %d < %d", adv, int64(n)*frame)
	}
}

// S2: leader failover.
func TestS2_LeaderFailover(t *testing.T) {
	h := newHarness(t, 0, 1, 2)
	h.awaitLeader()
	c := h.connect(0)
	c.send([]byte("warm"))
	h.tick(100)

	h.stopMember(0)
	var next *cluster.ConsensusModuleAgent
	h.await("new leader", func() bool {
		c.poll()
		next = h.leader()
		return next != nil
	})
	if next.MemberID() == 0 {
		t.Fatalf("dead member elected")
	}
	h.await("exactly one new-leader event", func() bool {
		c.poll()
		return c.newLeader >= 1
	})
	if c.newLeader != 1 {
		t.Fatalf("new leader events = %d", c.newLeader)
	}

	// further messages are accepted and replicated by the new leader
	nc := h.connect(next.MemberID())
	seen := len(h.services[next.MemberID()].sessionMessages)
	for i := 0; i < 10; i++ {
		nc.send([]byte{byte(i)})
		h.tick(2)
	}
	h.await("10 further messages", func() bool {
		return len(h.services[next.MemberID()].sessionMessages) >= seen+10
	})
}

// S3: snapshot via control toggle, then full restart.
func TestS3_SnapshotAndRestart(t *testing.T) {
	h := newHarness(t, 0, 1, 2)
	leader := h.awaitLeader()
	c := h.connect(0)
	for i := 0; i < 5; i++ {
		c.send([]byte{byte(i)})
		h.tick(2)
	}
	h.tick(100)

	if !leader.ControlToggle().Signal(cluster.ToggleSnapshot) {
		t.Fatalf("toggle busy")
	}
	h.await("snapshot on all members", func() bool {
		for _, a := range h.agents {
			if a.SnapshotsTaken() < 1 {
				return false
			}
		}
		return true
	})

	for _, id := range []int32{0, 1, 2} {
		h.stopMember(id)
	}
	memberStr := members(0, 1, 2)
	for _, id := range []int32{0, 1, 2} {
		h.startMember(id, memberStr)
	}
	leader = h.awaitLeader()
	for id, a := range h.agents {
		if !a.WasSnapshotLoaded() {
			t.Fatalf("member %d did not load snapshot", id)
		}
	}

	// one more message goes through after restart
	c2 := h.connect(leader.MemberID())
	svc := h.services[leader.MemberID()]
	seen := len(svc.sessionMessages)
	c2.send([]byte("after"))
	h.await("post-restart message", func() bool {
		return len(svc.sessionMessages) > seen
	})
}

// S4: dynamic join of a fourth member.
func TestS4_DynamicJoin(t *testing.T) {
	h := newHarness(t, 0, 1, 2)
	h.awaitLeader()
	c := h.connect(0)
	for i := 0; i < 5; i++ {
		c.send([]byte{byte(i)})
		h.tick(2)
	}
	h.await("5 committed", func() bool {
		return len(h.services[0].sessionMessages) >= 5
	})

	h.stores[3] = recording.NewMemoryStore()
	opts := h.options(3, "")
	opts.MemberID = cluster.NullMemberID
	opts.AppointedLeaderID = cluster.NullMemberID
	opts.MemberEndpoints = endpointsFor(3, false)
	opts.ClusterMembersStatusEndpoints = []string{"status-0", "status-1", "status-2"}
	joiner, err := cluster.New(opts)
	if err != nil {
		t.Fatalf("new joiner: %v", err)
	}
	if err := joiner.OnStart(); err != nil {
		t.Fatalf("start joiner: %v", err)
	}
	h.agents[3] = joiner
	h.services[3] = newStubService(t, h.hub, 3, opts.ServiceControlChannel, serviceStream, moduleStream)

	h.await("joiner becomes follower", func() bool {
		return joiner.MemberID() == 3 &&
			joiner.Role() == codecs.RoleFollower &&
			joiner.State() == cluster.StateActive
	})
	h.await("joiner service sees 5 messages", func() bool {
		return len(h.services[3].sessionMessages) >= 5
	})
	// the join is replicated: every member now tracks four members
	for id, a := range h.agents {
		if got := len(parseMemberIDs(a.ClusterMembers())); got != 4 {
			t.Fatalf("member %d tracks %d members", id, got)
		}
	}
}

func parseMemberIDs(memberStr string) []string {
	if memberStr == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(memberStr); i++ {
		if i == len(memberStr) || memberStr[i] == '|' {
			out = append(out, memberStr[start:i])
			start = i + 1
		}
	}
	return out
}

// S5: abort terminates every member.
func TestS5_Abort(t *testing.T) {
	h := newHarness(t, 0, 1, 2)
	leader := h.awaitLeader()
	if !leader.ControlToggle().Signal(cluster.ToggleAbort) {
		t.Fatalf("toggle busy")
	}
	h.await("all members closed", func() bool {
		for _, a := range h.agents {
			if a.State() != cluster.StateClosed {
				return false
			}
		}
		return true
	})
	for id, s := range h.services {
		if !s.terminated {
			t.Fatalf("service %d not terminated", id)
		}
	}
}

// S6: silent session is closed with TIMEOUT and replicated.
func TestS6_SessionTimeout(t *testing.T) {
	h := newHarness(t, 0, 1, 2)
	leader := h.awaitLeader()
	c := h.connect(0)
	_ = c
	if leader.OpenSessionCount() != 1 {
		t.Fatalf("open sessions = %d", leader.OpenSessionCount())
	}

	h.nowMs += 3000 // beyond session timeout
	h.await("session timed out", func() bool {
		return leader.OpenSessionCount() == 0
	})
	// close replicated to followers
	h.await("followers closed session", func() bool {
		for _, a := range h.agents {
			if a.OpenSessionCount() != 0 {
				return false
			}
		}
		return true
	})
}
