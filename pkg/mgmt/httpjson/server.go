package httpjson

import (
    "crypto/tls"
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-quorum/pkg/mgmt"
    "github.com/amirimatin/go-quorum/pkg/observability/tracing"
)

// Server is a minimal HTTP server exposing management endpoints for status,
// control toggle and metrics/healthz. It is intended for operators and
// development tooling.
type Server struct {
    bind   string
    srv    *http.Server
    lis    net.Listener
    logger *log.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Start launches the HTTP server and registers handlers backed by the provided
// functions. The server is shut down when the context is canceled.
func (s *Server) Start(ctx context.Context, status mgmt.StatusFunc, toggle mgmt.ToggleFunc) error {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    // Prometheus metrics
    mux.Handle("/metrics", promhttp.Handler())
    mux.HandleFunc("/toggle", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if toggle == nil { http.Error(w, "toggle not supported", http.StatusNotImplemented); return }
        var req mgmt.ToggleRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http.toggle")
        defer end()
        resp, err := toggle(ctx, req)
        w.Header().Set("Content-Type", "application/json")
        if err != nil {
            w.WriteHeader(http.StatusInternalServerError)
            _ = json.NewEncoder(w).Encode(resp)
            return
        }
        _ = json.NewEncoder(w).Encode(resp)
    })

    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
    s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second, TLSConfig: s.tlsCfg}
    go func() {
        var serveErr error
        if s.tlsCfg != nil {
            serveErr = s.srv.ServeTLS(lis, "", "")
        } else {
            serveErr = s.srv.Serve(lis)
        }
        if serveErr != nil && serveErr != http.ErrServerClosed {
            s.logger.Printf("mgmt http server: %v", serveErr)
        }
    }()
    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    return s.srv.Shutdown(ctx)
}

var _ mgmt.Server = (*Server)(nil)
