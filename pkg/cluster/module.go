package cluster

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Status is a JSON-serializable snapshot of one member, served by the
// management endpoint and tooling.
type Status struct {
	MemberID            int32  `json:"memberId"`
	State               string `json:"state"`
	Role                string `json:"role"`
	LeadershipTermID    int64  `json:"leadershipTermId"`
	LeaderMemberID      int32  `json:"leaderMemberId"`
	CommitPosition      int64  `json:"commitPosition"`
	AppendedPosition    int64  `json:"appendedPosition"`
	Members             string `json:"members"`
	OpenSessions        int    `json:"openSessions"`
	Errors              int64  `json:"errors"`
	SnapshotsTaken      int64  `json:"snapshotsTaken"`
	ActivityTimestampMs int64  `json:"activityTimestampMs"`
}

// ConsensusModule hosts a ConsensusModuleAgent on a conductor goroutine.
// All agent access is marshalled onto that goroutine through a command
// queue; external callers only touch thread-safe surfaces.
type ConsensusModule struct {
	agent *ConsensusModuleAgent

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	cmds    chan func(*ConsensusModuleAgent)
}

// NewConsensusModule builds the agent without starting the conductor.
func NewConsensusModule(opts Options) (*ConsensusModule, error) {
	agent, err := New(opts)
	if err != nil {
		return nil, err
	}
	return &ConsensusModule{
		agent: agent,
		done:  make(chan struct{}),
		cmds:  make(chan func(*ConsensusModuleAgent), 16),
	}, nil
}

// Agent exposes the agent for single-threaded embedding (tests drive
// DoWork themselves instead of starting the conductor).
func (m *ConsensusModule) Agent() *ConsensusModuleAgent { return m.agent }

// Start performs recovery and launches the conductor loop.
func (m *ConsensusModule) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if m.closed {
		return ErrClosed
	}
	if err := m.agent.OnStart(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true
	go m.run(ctx)
	return nil
}

func (m *ConsensusModule) run(ctx context.Context) {
	defer close(m.done)
	idleCount := 0
	for {
		select {
		case <-ctx.Done():
			m.agent.OnClose()
			return
		case cmd := <-m.cmds:
			cmd(m.agent)
		default:
		}

		work := m.agent.DoWork(time.Now().UnixMilli())
		if m.agent.State() == StateClosed {
			return
		}
		if work > 0 {
			idleCount = 0
			continue
		}
		// conductor back-off: spin briefly, then yield with a short sleep
		idleCount++
		if idleCount > 10 {
			time.Sleep(time.Millisecond)
		}
	}
}

// Status captures the member state from the conductor thread.
func (m *ConsensusModule) Status(ctx context.Context) (*Status, error) {
	out := make(chan Status, 1)
	cmd := func(a *ConsensusModuleAgent) {
		out <- Status{
			MemberID:            a.MemberID(),
			State:               a.State().String(),
			Role:                a.Role().String(),
			LeadershipTermID:    a.LeadershipTermID(),
			LeaderMemberID:      a.LeaderMemberID(),
			CommitPosition:      a.CommitPosition(),
			AppendedPosition:    a.AppendedPosition(),
			Members:             a.ClusterMembers(),
			OpenSessions:        a.OpenSessionCount(),
			Errors:              a.ErrorCount(),
			SnapshotsTaken:      a.SnapshotsTaken(),
			ActivityTimestampMs: a.ActivityTimestampMs(),
		}
	}
	select {
	case m.cmds <- cmd:
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case s := <-out:
		return &s, nil
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Toggle signals the control toggle; the agent acts on its next slow tick.
func (m *ConsensusModule) Toggle(t ToggleState) error {
	toggle := m.agent.ControlToggle()
	if toggle == nil {
		return errors.New("cluster: not started")
	}
	if !toggle.Signal(t) {
		return errors.New("cluster: control toggle busy")
	}
	return nil
}

// Close stops the conductor and the agent.
func (m *ConsensusModule) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	started := m.started
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if started {
		<-m.done
	} else {
		m.agent.OnClose()
	}
	return nil
}
