package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-quorum/pkg/bootstrap"
    "github.com/amirimatin/go-quorum/pkg/mgmt"
    mgmtgrpc "github.com/amirimatin/go-quorum/pkg/mgmt/grpc"
    mgmthttp "github.com/amirimatin/go-quorum/pkg/mgmt/httpjson"
    tracing "github.com/amirimatin/go-quorum/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-quorum/pkg/security/tlsconfig"
)

// AddAll attaches quorum subcommands (run/status/toggle) to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewToggleCmd())
}

// NewRunCmd returns the "run" command used to start a cluster member.
func NewRunCmd() *cobra.Command {
    var (
        memberID, appointedLeader                          int32
        members, memberEndpoints, statusEndpoints          string
        serviceCount, maxSessions                          int
        sessionTimeout, heartbeatInterval, heartbeatTimeout time.Duration
        serviceTimeout, terminationTimeout, electionTimeout time.Duration
        aeronDir, dataDir, mgmtAddr, mgmtProto             string
        memBind, memAdv, discoveryKind, seedsCSV           string
        dnsNames, filePath, fileEnv                        string
        dnsPort                                            int
        discRefresh                                        time.Duration
        ignoreSnapshot, tlsEnable, tlsSkip, traceEnable    bool
        tlsCA, tlsCert, tlsKey, tlsServerName              string
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a consensus-module member",
        RunE: func(cmd *cobra.Command, args []string) error {
            if members == "" && statusEndpoints == "" {
                return fmt.Errorf("one of -members or -status-endpoints is required")
            }
            ctx, cancel := signalContext()
            defer cancel()

            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            cfg := bootstrap.Config{
                MemberID:                memberID,
                AppointedLeaderID:       appointedLeader,
                ClusterMembers:          members,
                MemberEndpoints:         memberEndpoints,
                StatusEndpointsCSV:      statusEndpoints,
                IgnoreSnapshot:          ignoreSnapshot,
                ServiceCount:            serviceCount,
                MaxConcurrentSessions:   maxSessions,
                SessionTimeout:          sessionTimeout,
                LeaderHeartbeatInterval: heartbeatInterval,
                LeaderHeartbeatTimeout:  heartbeatTimeout,
                ServiceHeartbeatTimeout: serviceTimeout,
                TerminationTimeout:      terminationTimeout,
                ElectionTimeout:         electionTimeout,
                AeronDir:                aeronDir,
                DataDir:                 dataDir,
                MgmtAddr:                mgmtAddr,
                MgmtProto:               mgmtProto,
                MemBind:                 memBind,
                MemAdv:                  memAdv,
                DiscoveryKind:           discoveryKind,
                SeedsCSV:                seedsCSV,
                DNSNamesCSV:             dnsNames,
                DNSPort:                 dnsPort,
                DiscRefresh:             discRefresh,
                FilePath:                filePath,
                FileEnv:                 fileEnv,
                TLSEnable:               tlsEnable,
                TLSCA:                   tlsCA,
                TLSCert:                 tlsCert,
                TLSKey:                  tlsKey,
                TLSServerName:           tlsServerName,
                TLSSkipVerify:           tlsSkip,
            }
            node, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            <-ctx.Done()
            return node.Stop(context.Background())
        },
    }
    cmd.Flags().Int32Var(&memberID, "member-id", -1, "this member's id (required with -members)")
    cmd.Flags().Int32Var(&appointedLeader, "appointed-leader", -1, "member id biased to win the first election")
    cmd.Flags().StringVar(&members, "members", "", "static member list: id,client,member,log,transfer,archive|...")
    cmd.Flags().StringVar(&memberEndpoints, "member-endpoints", "", "own endpoints client,member,log,transfer,archive (dynamic join)")
    cmd.Flags().StringVar(&statusEndpoints, "status-endpoints", "", "comma-separated member-status endpoints (dynamic join)")
    cmd.Flags().BoolVar(&ignoreSnapshot, "ignore-snapshot", false, "skip snapshot consumption on recovery")
    cmd.Flags().IntVar(&serviceCount, "service-count", 1, "number of hosted services")
    cmd.Flags().IntVar(&maxSessions, "max-sessions", 250, "max concurrent client sessions")
    cmd.Flags().DurationVar(&sessionTimeout, "session-timeout", 10*time.Second, "client session liveness timeout")
    cmd.Flags().DurationVar(&heartbeatInterval, "leader-heartbeat-interval", 200*time.Millisecond, "leader heartbeat interval")
    cmd.Flags().DurationVar(&heartbeatTimeout, "leader-heartbeat-timeout", 10*time.Second, "leader heartbeat timeout")
    cmd.Flags().DurationVar(&serviceTimeout, "service-heartbeat-timeout", 10*time.Second, "hosted service heartbeat timeout")
    cmd.Flags().DurationVar(&terminationTimeout, "termination-timeout", 10*time.Second, "graceful termination timeout")
    cmd.Flags().DurationVar(&electionTimeout, "election-timeout", 10*time.Second, "overall election timeout")
    cmd.Flags().StringVar(&aeronDir, "aeron-dir", "", "media driver directory (empty: in-process transport, dev only)")
    cmd.Flags().StringVar(&dataDir, "data", "", "data dir for the bolt recording log")
    cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17946", "management address (tcp)")
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().StringVar(&memBind, "mem-bind", "", "gossip bind addr (host:port); empty disables gossip")
    cmd.Flags().StringVar(&memAdv, "mem-adv", "", "gossip advertise addr (host:port, optional)")
    cmd.Flags().StringVar(&discoveryKind, "discovery", "static", "gossip seed discovery backend: static|dns|file")
    cmd.Flags().StringVar(&seedsCSV, "join", "", "comma-separated gossip seeds (host:port) — used by discovery=static")
    cmd.Flags().StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records")
    cmd.Flags().IntVar(&dnsPort, "dns-port", 7946, "port used for A/AAAA lookups")
    cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
    cmd.Flags().StringVar(&filePath, "file-path", "", "path or glob to a file with seeds (one per line or CSV)")
    cmd.Flags().StringVar(&fileEnv, "file-env", "", "ENV var name containing CSV seeds; overrides file when set")
    cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable mTLS for the management endpoint")
    cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to node certificate (PEM)")
    cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to node private key (PEM)")
    cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var (
        addr, mgmtProto string
        timeout         time.Duration
        tlsEnable, tlsSkip bool
        tlsCA, tlsCert, tlsKey, tlsServerName string
    )
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch member status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := newMgmtClient(mgmtProto, timeout, tlsEnable, tlsCA, tlsCert, tlsKey, tlsServerName, tlsSkip)
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            data, err := client.GetStatus(ctx, addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            os.Stdout.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { os.Stdout.Write([]byte("\n")) }
            return nil
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of a member (host:port)")
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    addTLSFlags(cmd, &tlsEnable, &tlsSkip, &tlsCA, &tlsCert, &tlsKey, &tlsServerName)
    return cmd
}

// NewToggleCmd returns the "toggle" command used to signal the control
// toggle (suspend/resume/snapshot/shutdown/abort) on the leader.
func NewToggleCmd() *cobra.Command {
    var (
        addr, command, mgmtProto string
        timeout                  time.Duration
        tlsEnable, tlsSkip bool
        tlsCA, tlsCert, tlsKey, tlsServerName string
    )
    cmd := &cobra.Command{
        Use:   "toggle",
        Short: "Signal the cluster control toggle",
        RunE: func(cmd *cobra.Command, args []string) error {
            if command == "" { return fmt.Errorf("missing -command") }
            client, err := newMgmtClient(mgmtProto, timeout, tlsEnable, tlsCA, tlsCert, tlsKey, tlsServerName, tlsSkip)
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            resp, err := client.PostToggle(ctx, addr, mgmt.ToggleRequest{Command: command})
            if err != nil { return fmt.Errorf("toggle error: %w", err) }
            return json.NewEncoder(os.Stdout).Encode(resp)
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of the leader (host:port)")
    cmd.Flags().StringVar(&command, "command", "", "suspend|resume|snapshot|shutdown|abort")
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    addTLSFlags(cmd, &tlsEnable, &tlsSkip, &tlsCA, &tlsCert, &tlsKey, &tlsServerName)
    return cmd
}

func addTLSFlags(cmd *cobra.Command, enable, skip *bool, ca, cert, key, serverName *string) {
    cmd.Flags().BoolVar(enable, "tls-enable", false, "enable mTLS for management transport")
    cmd.Flags().StringVar(ca, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(cert, "tls-cert", "", "path to client certificate (PEM)")
    cmd.Flags().StringVar(key, "tls-key", "", "path to client private key (PEM)")
    cmd.Flags().BoolVar(skip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(serverName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func newMgmtClient(proto string, timeout time.Duration, tlsEnable bool, ca, cert, key, serverName string, skip bool) (mgmt.Client, error) {
    var cliTLS *tls.Config
    if tlsEnable {
        topts := tlsx.Options{Enable: true, CAFile: ca, CertFile: cert, KeyFile: key, InsecureSkipVerify: skip, ServerName: serverName}
        var err error
        cliTLS, err = topts.Client()
        if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    }
    switch proto {
    case "grpc":
        cli := mgmtgrpc.NewClient(timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    default:
        cli := mgmthttp.NewClient(timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    }
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}
