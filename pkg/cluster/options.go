package cluster

import (
	"errors"
	"log"
	"time"

	"github.com/amirimatin/go-quorum/pkg/archive"
	"github.com/amirimatin/go-quorum/pkg/codecs"
	"github.com/amirimatin/go-quorum/pkg/recording"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

// Protocol version offered to clients; a major mismatch rejects the connect.
const (
	ProtocolMajor = 1
	ProtocolMinor = 0
	ProtocolPatch = 0
)

// messageLimit bounds fragment polling and append emission per tick.
const messageLimit = 10

// Default stream ids; overridable through Options.
const (
	DefaultLogStreamID             int32 = 100
	DefaultIngressStreamID         int32 = 101
	DefaultConsensusStreamID       int32 = 102
	DefaultReplayStreamID          int32 = 103
	DefaultServiceStreamID         int32 = 104
	DefaultConsensusModuleStreamID int32 = 105
	DefaultSnapshotStreamID        int32 = 106
)

// Options carries dependency-injected collaborators and runtime
// configuration for one consensus module agent. Instances are typically
// produced from bootstrap.Config.
type Options struct {
	// MemberID is this member's id; NullMemberID when dynamically joining.
	MemberID int32
	// AppointedLeaderID biases the first election; NullMemberID for none.
	AppointedLeaderID int32
	// ClusterMembers is the static member string; empty for dynamic join.
	ClusterMembers string
	// ClusterMembersStatusEndpoints lists member-facing endpoints to
	// contact for dynamic join.
	ClusterMembersStatusEndpoints []string
	// MemberEndpoints is this member's own bare endpoint list
	// "client,member,log,transfer,archive"; required for dynamic join.
	MemberEndpoints string
	// ClusterMembersIgnoreSnapshot skips snapshot consumption on recovery.
	ClusterMembersIgnoreSnapshot bool

	ServiceCount          int
	MaxConcurrentSessions int
	AppVersion            uint32

	SessionTimeout          time.Duration
	LeaderHeartbeatInterval time.Duration
	LeaderHeartbeatTimeout  time.Duration
	ServiceHeartbeatTimeout time.Duration
	TerminationTimeout      time.Duration
	ElectionTimeout         time.Duration

	// Stream ids. Channels for the log, ingress and member-status streams
	// come from the member endpoints.
	LogStreamID          int32
	IngressStreamID      int32
	ConsensusStreamID    int32
	ReplayStreamID       int32
	SnapshotStreamID     int32
	ServiceStreamID      int32 // module -> services
	ConsensusModuleStreamID int32 // services -> module

	// SnapshotChannel and ReplayChannel are member-local channels.
	SnapshotChannel string
	ReplayChannel   string
	// ServiceControlChannel carries both service-control streams.
	ServiceControlChannel string

	Transport      transport.Client
	Archive        archive.Archive
	RecordingStore recording.Store
	Authenticator  Authenticator
	Logger         *log.Logger

	// ErrorHandler receives every counted error. Optional.
	ErrorHandler func(error)
	// TerminationHook runs when a fatal condition closes the module.
	TerminationHook func()
}

// Validate checks the options before New.
func (o *Options) Validate() error {
	if o.Transport == nil {
		return errors.New("cluster: nil Transport")
	}
	if o.Archive == nil {
		return errors.New("cluster: nil Archive")
	}
	if o.RecordingStore == nil {
		return errors.New("cluster: nil RecordingStore")
	}
	if o.ClusterMembers == "" && len(o.ClusterMembersStatusEndpoints) == 0 {
		return errors.New("cluster: neither ClusterMembers nor ClusterMembersStatusEndpoints given")
	}
	if o.ClusterMembers == "" {
		if o.MemberID != NullMemberID {
			return errors.New("cluster: dynamic join requires MemberID -1")
		}
		if _, err := ParseEndpoints(o.MemberEndpoints); err != nil {
			return err
		}
	}
	if o.ClusterMembers != "" && o.MemberID == NullMemberID {
		return errors.New("cluster: static member list requires MemberID")
	}
	if o.ServiceCount < 0 {
		return errors.New("cluster: negative ServiceCount")
	}
	if o.ServiceControlChannel == "" {
		return errors.New("cluster: empty ServiceControlChannel")
	}
	if o.SnapshotChannel == "" {
		return errors.New("cluster: empty SnapshotChannel")
	}
	if o.ReplayChannel == "" {
		return errors.New("cluster: empty ReplayChannel")
	}
	return nil
}

// withDefaults fills unset tunables.
func (o *Options) withDefaults() {
	if o.AppointedLeaderID == 0 && o.ClusterMembers == "" {
		o.AppointedLeaderID = NullMemberID
	}
	if o.MaxConcurrentSessions <= 0 {
		o.MaxConcurrentSessions = 250
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 10 * time.Second
	}
	if o.LeaderHeartbeatInterval <= 0 {
		o.LeaderHeartbeatInterval = 200 * time.Millisecond
	}
	if o.LeaderHeartbeatTimeout <= 0 {
		o.LeaderHeartbeatTimeout = 10 * time.Second
	}
	if o.ServiceHeartbeatTimeout <= 0 {
		o.ServiceHeartbeatTimeout = 10 * time.Second
	}
	if o.TerminationTimeout <= 0 {
		o.TerminationTimeout = 10 * time.Second
	}
	if o.ElectionTimeout <= 0 {
		o.ElectionTimeout = 10 * time.Second
	}
	if o.LogStreamID == 0 {
		o.LogStreamID = DefaultLogStreamID
	}
	if o.IngressStreamID == 0 {
		o.IngressStreamID = DefaultIngressStreamID
	}
	if o.ConsensusStreamID == 0 {
		o.ConsensusStreamID = DefaultConsensusStreamID
	}
	if o.ReplayStreamID == 0 {
		o.ReplayStreamID = DefaultReplayStreamID
	}
	if o.ServiceStreamID == 0 {
		o.ServiceStreamID = DefaultServiceStreamID
	}
	if o.ConsensusModuleStreamID == 0 {
		o.ConsensusModuleStreamID = DefaultConsensusModuleStreamID
	}
	if o.SnapshotStreamID == 0 {
		o.SnapshotStreamID = DefaultSnapshotStreamID
	}
	if o.AppVersion == 0 {
		o.AppVersion = AppVersion()
	}
	if o.Authenticator == nil {
		o.Authenticator = AllowAllAuthenticator()
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// AppVersion is the default semantic app version.
func AppVersion() uint32 {
	return codecs.SemanticVersionCompose(ProtocolMajor, ProtocolMinor, ProtocolPatch)
}
