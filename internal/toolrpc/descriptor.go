// Package toolrpc talks JSON-RPC 2.0 to external tool servers, either child
// processes over stdio or TCP endpoints, and keeps a registry of the tools
// they expose.
package toolrpc

import (
	"fmt"
	"strings"
	"time"
)

// Transport selects how a server is reached.
type Transport string

const (
	TransportProcess Transport = "process"
	TransportNetwork Transport = "network"
)

const DefaultTimeout = 30 * time.Second

// ServerDescriptor describes one tool server.
type ServerDescriptor struct {
	Name      string            `json:"name"`
	Transport Transport         `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	// Endpoint is host:port for network servers.
	Endpoint string        `json:"endpoint,omitempty"`
	Enabled  bool          `json:"enabled"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	// RateLimit is the allowed calls per second; zero disables limiting.
	RateLimit float64 `json:"rate_limit,omitempty"`
	Burst     int     `json:"burst,omitempty"`
}

func (d ServerDescriptor) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("toolrpc: server name is empty")
	}
	if strings.Contains(d.Name, ".") {
		return fmt.Errorf("toolrpc: server name %q must not contain '.'", d.Name)
	}
	switch d.Transport {
	case TransportProcess:
		if strings.TrimSpace(d.Command) == "" {
			return fmt.Errorf("toolrpc: server %s: command is empty", d.Name)
		}
	case TransportNetwork:
		if strings.TrimSpace(d.Endpoint) == "" {
			return fmt.Errorf("toolrpc: server %s: endpoint is empty", d.Name)
		}
	default:
		return fmt.Errorf("toolrpc: server %s: unknown transport %q", d.Name, d.Transport)
	}
	return nil
}

func (d ServerDescriptor) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

// Tool is one registered tool. QualifiedName is "server.name".
type Tool struct {
	QualifiedName string         `json:"qualified_name"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	InputSchema   map[string]any `json:"input_schema,omitempty"`
	Server        string         `json:"server"`
}

// Qualify joins a server and tool name.
func Qualify(server, tool string) string { return server + "." + tool }

// SplitQualified splits "server.tool" at the first dot.
func SplitQualified(q string) (server, tool string, ok bool) {
	i := strings.IndexByte(q, '.')
	if i <= 0 || i == len(q)-1 {
		return "", "", false
	}
	return q[:i], q[i+1:], true
}
