package bootstrap

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "path/filepath"
    "os"
    "strconv"
    "time"

    "github.com/amirimatin/go-quorum/pkg/archive"
    archaeron "github.com/amirimatin/go-quorum/pkg/archive/aeron"
    archmemory "github.com/amirimatin/go-quorum/pkg/archive/memory"
    "github.com/amirimatin/go-quorum/pkg/cluster"
    "github.com/amirimatin/go-quorum/pkg/discovery"
    dDNS "github.com/amirimatin/go-quorum/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-quorum/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-quorum/pkg/discovery/static"
    "github.com/amirimatin/go-quorum/pkg/internal/logutil"
    "github.com/amirimatin/go-quorum/pkg/membership"
    ml "github.com/amirimatin/go-quorum/pkg/membership/memberlist"
    "github.com/amirimatin/go-quorum/pkg/mgmt"
    mgmtgrpc "github.com/amirimatin/go-quorum/pkg/mgmt/grpc"
    mgmthttp "github.com/amirimatin/go-quorum/pkg/mgmt/httpjson"
    "github.com/amirimatin/go-quorum/pkg/recording"
    tlsx "github.com/amirimatin/go-quorum/pkg/security/tlsconfig"
    "github.com/amirimatin/go-quorum/pkg/transport"
    traeron "github.com/amirimatin/go-quorum/pkg/transport/aeron"
    trmemory "github.com/amirimatin/go-quorum/pkg/transport/memory"

    aeronarch "github.com/lirm/aeron-go/archive"
    "github.com/lirm/aeron-go/aeron"
)

// Config defines high-level inputs to assemble a consensus-module node with
// sensible defaults. Applications embed the node by providing this structure
// and calling Build/Run.
type Config struct {
    // Identity and membership
    MemberID          int32  // cluster_member_id; -1 with dynamic join
    AppointedLeaderID int32  // appointed_leader_id; -1 for none
    ClusterMembers    string // "id,client,member,log,transfer,archive|..."
    // MemberEndpoints is this node's own endpoint list for dynamic join.
    MemberEndpoints string
    // StatusEndpointsCSV lists member-status endpoints for dynamic join.
    StatusEndpointsCSV string
    IgnoreSnapshot     bool

    ServiceCount          int
    MaxConcurrentSessions int

    // Timeouts (zero means defaults)
    SessionTimeout          time.Duration
    LeaderHeartbeatInterval time.Duration
    LeaderHeartbeatTimeout  time.Duration
    ServiceHeartbeatTimeout time.Duration
    TerminationTimeout      time.Duration
    ElectionTimeout         time.Duration

    // Media driver / archive. When AeronDir is empty an in-process
    // transport and archive are used (single-node development mode).
    AeronDir              string
    ArchiveRequestChannel string
    ArchiveRequestStream  int32
    ArchiveResponseChannel string
    ArchiveResponseStream  int32

    // DataDir selects the bolt-backed recording log when non-empty.
    DataDir string

    // Management API (status/toggle/metrics)
    MgmtAddr  string
    MgmtProto string // "http" (default) or "grpc"

    // Gossip membership (operator health view)
    MemBind string
    MemAdv  string

    // Discovery of gossip seeds
    DiscoveryKind string // "static" (default), "dns", or "file"
    SeedsCSV      string
    DNSNamesCSV   string
    DNSPort       int
    DiscRefresh   time.Duration
    FilePath      string
    FileEnv       string

    // TLS (optional) for the management API
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger
}

// Node bundles the running pieces of one member.
type Node struct {
    Module     *cluster.ConsensusModule
    Membership membership.Membership
    MgmtServer mgmt.Server

    logger *log.Logger
}

// Build assembles a Node from Config without starting it.
func Build(cfg Config) (*Node, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }

    // Transport + archive
    var (
        client transport.Client
        arch   archive.Archive
        err    error
    )
    if cfg.AeronDir != "" {
        ac, err := traeron.Connect(traeron.Options{AeronDir: cfg.AeronDir})
        if err != nil { return nil, err }
        aopts := aeronarch.DefaultOptions()
        if cfg.ArchiveRequestChannel != "" { aopts.RequestChannel = cfg.ArchiveRequestChannel }
        if cfg.ArchiveRequestStream != 0 { aopts.RequestStream = cfg.ArchiveRequestStream }
        if cfg.ArchiveResponseChannel != "" { aopts.ResponseChannel = cfg.ArchiveResponseChannel }
        if cfg.ArchiveResponseStream != 0 { aopts.ResponseStream = cfg.ArchiveResponseStream }
        aeronCtx := aeron.NewContext().AeronDir(cfg.AeronDir)
        arch, err = archaeron.Connect(archaeron.Options{ArchiveOptions: aopts, AeronContext: aeronCtx})
        if err != nil { return nil, err }
        client = ac
    } else {
        hub := trmemory.NewHub()
        client = hub.NewClient()
        arch = archmemory.New(hub)
        logutil.Warnf(cfg.Logger, "no aeron dir configured; using in-process transport (development mode)")
    }

    // Recording log store
    var store recording.Store
    if cfg.DataDir != "" {
        if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil { return nil, err }
        store, err = recording.OpenBolt(filepath.Join(cfg.DataDir, "recording.log"))
        if err != nil { return nil, err }
    } else {
        store = recording.NewMemoryStore()
    }

    memberID := cfg.MemberID
    opts := cluster.Options{
        MemberID:                      memberID,
        AppointedLeaderID:             cfg.AppointedLeaderID,
        ClusterMembers:                cfg.ClusterMembers,
        ClusterMembersStatusEndpoints: dStatic.Parse(cfg.StatusEndpointsCSV),
        MemberEndpoints:               cfg.MemberEndpoints,
        ClusterMembersIgnoreSnapshot:  cfg.IgnoreSnapshot,
        ServiceCount:                  cfg.ServiceCount,
        MaxConcurrentSessions:         cfg.MaxConcurrentSessions,
        SessionTimeout:                cfg.SessionTimeout,
        LeaderHeartbeatInterval:       cfg.LeaderHeartbeatInterval,
        LeaderHeartbeatTimeout:        cfg.LeaderHeartbeatTimeout,
        ServiceHeartbeatTimeout:       cfg.ServiceHeartbeatTimeout,
        TerminationTimeout:            cfg.TerminationTimeout,
        ElectionTimeout:               cfg.ElectionTimeout,
        SnapshotChannel:               fmt.Sprintf("quorum-snapshot-%d", memberID),
        ReplayChannel:                 fmt.Sprintf("quorum-replay-%d", memberID),
        ServiceControlChannel:         fmt.Sprintf("quorum-service-%d", memberID),
        Transport:                     client,
        Archive:                       arch,
        RecordingStore:                store,
        Logger:                        cfg.Logger,
    }

    module, err := cluster.NewConsensusModule(opts)
    if err != nil { return nil, err }

    node := &Node{Module: module, logger: cfg.Logger}

    // Gossip membership (optional)
    if cfg.MemBind != "" {
        meta := map[string]string{"memberId": strconv.Itoa(int(memberID))}
        if cfg.MgmtAddr != "" { meta["mgmt"] = cfg.MgmtAddr }
        mem, err := ml.New(ml.Options{
            NodeID:    fmt.Sprintf("member-%d", memberID),
            Bind:      cfg.MemBind,
            Advertise: cfg.MemAdv,
            Logger:    cfg.Logger,
            Meta:      meta,
        })
        if err != nil { return nil, err }
        node.Membership = mem
    }

    // Management API (optional)
    if cfg.MgmtAddr != "" {
        var srvTLS *tls.Config
        if cfg.TLSEnable {
            topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
            srvTLS, err = topts.ServerHotReload()
            if err != nil { return nil, err }
        }
        switch cfg.MgmtProto {
        case "grpc":
            s := mgmtgrpc.NewServer(cfg.MgmtAddr)
            if srvTLS != nil { s.UseTLS(srvTLS) }
            node.MgmtServer = s
        default:
            s := mgmthttp.NewServer(cfg.MgmtAddr, cfg.Logger)
            if srvTLS != nil { s.UseTLS(srvTLS) }
            node.MgmtServer = s
        }
    }

    return node, nil
}

// gossipSeeds resolves the configured discovery backend.
func gossipSeeds(cfg Config) discovery.Discovery {
    switch cfg.DiscoveryKind {
    case "dns":
        names := dStatic.Parse(cfg.DNSNamesCSV)
        opts := dDNS.Options{Names: names, Port: cfg.DNSPort}
        if cfg.DiscRefresh > 0 { opts.Refresh = cfg.DiscRefresh }
        return dDNS.New(opts)
    case "file":
        opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
        if cfg.DiscRefresh > 0 { opts.Refresh = cfg.DiscRefresh }
        return dFile.New(opts)
    default:
        return dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
    }
}

// Start launches the module conductor, gossip membership and the management
// endpoint.
func (n *Node) Start(ctx context.Context, cfg Config) error {
    if err := n.Module.Start(ctx); err != nil { return err }

    if n.Membership != nil {
        if err := n.Membership.Start(ctx); err != nil { return err }
        if seeds := gossipSeeds(cfg).Seeds(); len(seeds) > 0 {
            logutil.Infof(n.logger, "joining gossip seeds: %v", seeds)
            _ = n.Membership.Join(seeds)
        }
    }

    if n.MgmtServer != nil {
        statusFn := func(ctx context.Context) ([]byte, error) { return n.statusJSON(ctx) }
        toggleFn := func(ctx context.Context, req mgmt.ToggleRequest) (mgmt.ToggleResponse, error) {
            t, ok := cluster.ParseToggle(req.Command)
            if !ok {
                return mgmt.ToggleResponse{Accepted: false, Error: "unknown command"}, nil
            }
            if err := n.Module.Toggle(t); err != nil {
                return mgmt.ToggleResponse{Accepted: false, Error: err.Error()}, nil
            }
            return mgmt.ToggleResponse{Accepted: true}, nil
        }
        if err := n.MgmtServer.Start(ctx, statusFn, toggleFn); err != nil { return err }
        logutil.Infof(n.logger, "management endpoint listening at %s (status/toggle/metrics/healthz)", n.MgmtServer.Addr())
    }
    return nil
}

// NodeStatus is the management status payload: module state plus the
// advisory gossip view.
type NodeStatus struct {
    cluster.Status
    GossipMembers []membership.MemberInfo `json:"gossipMembers,omitempty"`
    GossipHealth  int                     `json:"gossipHealth,omitempty"`
}

func (n *Node) statusJSON(ctx context.Context) ([]byte, error) {
    st, err := n.Module.Status(ctx)
    if err != nil { return nil, err }
    out := NodeStatus{Status: *st, GossipHealth: -1}
    if n.Membership != nil {
        out.GossipMembers = n.Membership.Members()
        if hr, ok := n.Membership.(membership.HealthReporter); ok {
            out.GossipHealth = hr.HealthScore()
        }
    }
    return json.Marshal(out)
}

// Stop gracefully shuts down the node.
func (n *Node) Stop(ctx context.Context) error {
    if n.MgmtServer != nil { _ = n.MgmtServer.Stop(ctx) }
    if n.Membership != nil {
        _ = n.Membership.Leave()
        _ = n.Membership.Stop()
    }
    return n.Module.Close()
}

// Run builds and starts a node, returning it for lifecycle control.
func Run(ctx context.Context, cfg Config) (*Node, error) {
    node, err := Build(cfg)
    if err != nil { return nil, err }
    if err := node.Start(ctx, cfg); err != nil { return nil, err }
    return node, nil
}
