//go:build integration

package integration

import (
	"testing"

	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/transport"
	tmemory "github.com/amirimatin/go-quorum/pkg/transport/memory"
)

// stubService is a minimal hosted-service container: it acknowledges the
// recovered position, follows join-log events, consumes the committed
// stream, and snapshots on request. One instance runs per member.
type stubService struct {
	t        *testing.T
	memberID int32
	client   *tmemory.Client

	control  transport.Subscription
	toModule transport.Publication
	logSub   transport.Subscription

	recoveryCtr transport.Counter
	ackedStart  bool
	nextAckID   int64

	sessionMessages [][]byte
	serviceMessages int
	terminationPos  int64
	terminated      bool
	snapshotCount   int
	logPosition     int64
}

func newStubService(t *testing.T, hub *tmemory.Hub, memberID int32, controlChannel string, serviceStream, moduleStream int32) *stubService {
	client := hub.NewClient()
	control, err := client.AddSubscription(controlChannel, serviceStream)
	if err != nil {
		t.Fatalf("service control sub: %v", err)
	}
	toModule, err := client.AddPublication(controlChannel, moduleStream)
	if err != nil {
		t.Fatalf("service control pub: %v", err)
	}
	return &stubService{
		t:              t,
		memberID:       memberID,
		client:         client,
		control:        control,
		toModule:       toModule,
		terminationPos: -1,
	}
}

func (s *stubService) ack(position, relevantID int64) {
	m := codecs.ServiceAck{
		LogPosition: position,
		AckID:       s.nextAckID,
		RelevantID:  relevantID,
		ServiceID:   0,
	}
	s.nextAckID++
	for s.toModule.Offer(m.Encode()) < 0 {
		s.t.Fatalf("service ack back pressured")
	}
}

// sendMessage originates a service message towards the module.
func (s *stubService) sendMessage(payload []byte) {
	m := codecs.ServiceMessage{Payload: payload}
	if s.toModule.Offer(m.Encode()) < 0 {
		s.t.Fatalf("service message offer failed")
	}
}

func (s *stubService) doWork() {
	// acknowledge recovery once the module publishes its recovered position
	if !s.ackedStart {
		if ctr, ok := s.client.FindCounter(transport.CounterTypeRecoveryState, int64(s.memberID)); ok {
			s.ack(ctr.Get(), -1)
			s.ackedStart = true
		}
	}

	s.control.Poll(func(buf []byte, _ transport.Header) {
		switch codecs.TemplateID(buf) {
		case codecs.TemplateJoinLog:
			m, err := codecs.DecodeJoinLog(buf)
			if err != nil {
				s.t.Fatalf("decode join log: %v", err)
			}
			if s.logSub == nil || s.logSub.Channel() != m.Channel {
				if s.logSub != nil {
					_ = s.logSub.Close()
				}
				sub, err := s.client.AddSubscription(m.Channel, m.LogStreamID)
				if err != nil {
					s.t.Fatalf("log sub: %v", err)
				}
				s.logSub = sub
			}
		case codecs.TemplateServiceTerminationPosition:
			m, _ := codecs.DecodeServiceTerminationPosition(buf)
			s.terminationPos = m.LogPosition
		case codecs.TemplateRequestServiceAck:
			m, _ := codecs.DecodeRequestServiceAck(buf)
			s.ack(m.LogPosition, -1)
		case codecs.TemplateElectionStartEvent, codecs.TemplateClusterMembersResponse:
			// informational
		}
	}, 10)

	if s.logSub != nil {
		s.logSub.Poll(func(buf []byte, header transport.Header) {
			s.logPosition = header.Position
			switch codecs.TemplateID(buf) {
			case codecs.TemplateSessionMessage:
				m, err := codecs.DecodeSessionMessage(buf)
				if err != nil {
					s.t.Fatalf("decode log message: %v", err)
				}
				if m.ClusterSessionID < 0 {
					s.serviceMessages++
				} else {
					s.sessionMessages = append(s.sessionMessages, m.Payload)
				}
			case codecs.TemplateClusterAction:
				m, err := codecs.DecodeClusterActionRequest(buf)
				if err != nil {
					s.t.Fatalf("decode action: %v", err)
				}
				if m.Action == codecs.ActionSnapshot {
					s.snapshotCount++
					// ack with this service's snapshot recording id
					s.ack(header.Position, int64(1000+s.memberID))
				}
			}
		}, 10)
	}

	if s.terminationPos >= 0 && s.logPosition >= s.terminationPos {
		s.terminated = true
	}
}
