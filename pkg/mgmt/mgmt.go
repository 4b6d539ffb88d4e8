package mgmt

import "context"

// StatusFunc returns a JSON-encoded status payload for the management
// /status endpoint. Using []byte avoids import cycles on cluster types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// ToggleRequest asks a member to apply a control-toggle command
// (suspend|resume|snapshot|shutdown|abort).
type ToggleRequest struct {
    Command string `json:"command"`
}

// ToggleResponse reports whether the command was accepted.
type ToggleResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

// ToggleFunc handles control-toggle requests (applied by the agent on its
// next slow tick).
type ToggleFunc func(ctx context.Context, req ToggleRequest) (ToggleResponse, error)

// Server exposes management endpoints (status, toggle, metrics, healthz)
// for operators and tooling.
type Server interface {
    Start(ctx context.Context, status StatusFunc, toggle ToggleFunc) error
    Addr() string
    Stop(ctx context.Context) error
}

// Client performs management calls against other members using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type Client interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostToggle(ctx context.Context, addr string, req ToggleRequest) (ToggleResponse, error)
}
