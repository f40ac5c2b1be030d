package workflow

import (
	"context"
	"time"
)

// CommandOutput is one device's outcome from a Commander run.
type CommandOutput struct {
	Device     string `json:"device"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	ParsedData any    `json:"parsed_data,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CommandResult is the aggregate outcome of a Commander run.
type CommandResult struct {
	Status  string          `json:"status"`
	Results []CommandOutput `json:"results"`
	Error   string          `json:"error,omitempty"`
}

// Commander executes a CLI command on a set of network devices.
type Commander interface {
	Run(ctx context.Context, devices []string, command string, parse bool) (*CommandResult, error)
}

// DeployResult is the outcome of a stack deployment.
type DeployResult struct {
	Status   string           `json:"status"`
	Services []map[string]any `json:"services,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// StackDeployer deploys a pre-defined service stack.
type StackDeployer interface {
	Deploy(ctx context.Context, stackID string) (*DeployResult, error)
}

// PingResult reports reachability of a single address.
type PingResult struct {
	Reachable bool
	RTT       time.Duration // zero when the utility did not report one
	Output    string
}

// Pinger sends a single probe to an address.
type Pinger interface {
	Ping(ctx context.Context, addr string, timeout time.Duration) (PingResult, error)
}

// CommanderFunc adapts a function to Commander.
type CommanderFunc func(ctx context.Context, devices []string, command string, parse bool) (*CommandResult, error)

// Run implements Commander.
func (f CommanderFunc) Run(ctx context.Context, devices []string, command string, parse bool) (*CommandResult, error) {
	return f(ctx, devices, command, parse)
}

// StackDeployerFunc adapts a function to StackDeployer.
type StackDeployerFunc func(ctx context.Context, stackID string) (*DeployResult, error)

// Deploy implements StackDeployer.
func (f StackDeployerFunc) Deploy(ctx context.Context, stackID string) (*DeployResult, error) {
	return f(ctx, stackID)
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context, addr string, timeout time.Duration) (PingResult, error)

// Ping implements Pinger.
func (f PingerFunc) Ping(ctx context.Context, addr string, timeout time.Duration) (PingResult, error) {
	return f(ctx, addr, timeout)
}
