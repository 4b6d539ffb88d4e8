package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    LeadershipTerm = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "quorum",
        Name:      "leadership_term",
        Help:      "Current leadership term id as observed by this member",
    })

    CommitPosition = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "quorum",
        Name:      "commit_position",
        Help:      "Highest log position known to be on a quorum of members",
    })

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "quorum",
        Name:      "is_leader",
        Help:      "1 if this member is the leader, else 0",
    })

    OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "quorum",
        Name:      "open_sessions",
        Help:      "Number of open client sessions",
    })

    SessionsTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "quorum",
        Name:      "sessions_timed_out_total",
        Help:      "Total client sessions closed for inactivity",
    })

    SnapshotsTaken = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "quorum",
        Name:      "snapshots_taken_total",
        Help:      "Total snapshots taken by this member",
    })

    Elections = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "quorum",
        Name:      "elections_total",
        Help:      "Total elections entered by this member",
    })

    Errors = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "quorum",
        Name:      "errors_total",
        Help:      "Total errors routed through the counted error handler",
    })

    ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "quorum",
        Name:      "members_total",
        Help:      "Current number of active cluster members",
    })

    PendingServiceMessages = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "quorum",
        Name:      "pending_service_messages",
        Help:      "Service messages awaiting leader-side append",
    })
)

// Register registers all collectors exactly once with the default registry.
func Register() {
    once.Do(func() {
        prometheus.MustRegister(
            LeadershipTerm,
            CommitPosition,
            IsLeader,
            OpenSessions,
            SessionsTimedOut,
            SnapshotsTaken,
            Elections,
            Errors,
            ClusterMembers,
            PendingServiceMessages,
        )
    })
}
