package membership

import (
    "context"
    "time"
)

// MemberInfo describes a node as observed by the gossip layer. Meta carries
// auxiliary data such as the management address and consensus member id.
// The gossip view is advisory: consensus-critical membership lives in the
// replicated member registry, and liveness flows through the log.
type MemberInfo struct {
    ID   string
    Addr string
    Meta map[string]string
}

type EventType string

const (
    // EventJoin indicates a member joined or became visible.
    EventJoin   EventType = "join"
    // EventLeave indicates a member left the cluster.
    EventLeave  EventType = "leave"
    // EventFailed indicates membership marked the node as failed/unreachable.
    EventFailed EventType = "failed"
)

// Event is the translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the abstraction over the underlying gossip/failure-detection
// layer used for the operator-facing health view and mgmt-address lookup.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}

// HealthReporter is optionally implemented to expose a gossip health score.
type HealthReporter interface {
    HealthScore() int
}
