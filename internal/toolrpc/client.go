package toolrpc

import (
	"context"
	"encoding/json"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultStopGrace = 2 * time.Second
	startAllLimit    = 4
)

// Config configures a Client.
type Config struct {
	// StopGrace is how long a child gets after SIGTERM before it is killed.
	StopGrace time.Duration
	Logger    *zerolog.Logger
}

type server struct {
	desc    ServerDescriptor
	limiter *rate.Limiter
	running bool
	proc    *process
	conn    *conn
}

// Client owns the tool servers and the tool registry.
type Client struct {
	log       zerolog.Logger
	stopGrace time.Duration
	dialer    net.Dialer

	mu      sync.Mutex
	servers map[string]*server
	tools   map[string]Tool
}

func New(cfg Config) *Client {
	lg := zerolog.Nop()
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &Client{
		log:       lg.With().Str("component", "toolrpc").Logger(),
		stopGrace: cfg.StopGrace,
		servers:   make(map[string]*server),
		tools:     make(map[string]Tool),
	}
}

// RegisterServer adds or replaces a descriptor. A running server keeps its
// connection until it is restarted.
func (c *Client) RegisterServer(d ServerDescriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	var lim *rate.Limiter
	if d.RateLimit > 0 {
		burst := d.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(d.RateLimit), burst)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.servers[d.Name]; ok {
		s.desc = d
		s.limiter = lim
		return nil
	}
	c.servers[d.Name] = &server{desc: d, limiter: lim}
	return nil
}

// Servers returns the registered descriptors sorted by name.
func (c *Client) Servers() []ServerDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ServerDescriptor, 0, len(c.servers))
	for _, s := range c.servers {
		out = append(out, s.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Running reports whether a server is started and its connection alive.
func (c *Client) Running(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[name]
	return ok && s.running
}

// Start launches a process server or marks a network server ready. Starting
// a running server is a no-op.
func (c *Client) Start(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[name]
	if !ok {
		return &Error{Kind: KindNotFound, Server: name}
	}
	if !s.desc.Enabled {
		return &Error{Kind: KindDisabled, Server: name}
	}
	if s.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	log := c.log.With().Str("server", name).Logger()

	switch s.desc.Transport {
	case TransportProcess:
		proc, stdin, stdout, err := startProcess(s.desc, log)
		if err != nil {
			return &Error{Kind: KindTransport, Server: name, Err: err}
		}
		cn := newConn(name, stdin, log, c.connClosed)
		s.proc, s.conn, s.running = proc, cn, true
		go cn.readLoop(stdout)
		log.Info().Int("pid", proc.cmd.Process.Pid).Msg("tool server started")
	case TransportNetwork:
		s.running = true
		log.Info().Str("endpoint", s.desc.Endpoint).Msg("tool server ready")
	}
	return nil
}

func (c *Client) connClosed(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[cn.server]
	if !ok || s.conn != cn {
		return
	}
	s.conn = nil
	s.running = false
	c.log.Warn().Str("server", cn.server).Msg("tool server connection closed")
}

// Stop shuts a server down and removes its tools from the registry. Stopping
// a stopped server is a no-op.
func (c *Client) Stop(name string) error {
	c.mu.Lock()
	s, ok := c.servers[name]
	if !ok {
		c.mu.Unlock()
		return &Error{Kind: KindNotFound, Server: name}
	}
	cn, proc := s.conn, s.proc
	s.conn, s.proc, s.running = nil, nil, false
	for q, t := range c.tools {
		if t.Server == name {
			delete(c.tools, q)
		}
	}
	c.mu.Unlock()

	if cn != nil {
		_ = cn.close()
	}
	if proc != nil {
		proc.stop(c.stopGrace)
		c.log.Info().Str("server", name).Msg("tool server stopped")
	}
	return nil
}

// Cleanup stops every server.
func (c *Client) Cleanup() {
	c.mu.Lock()
	names := make([]string, 0, len(c.servers))
	for n := range c.servers {
		names = append(names, n)
	}
	c.mu.Unlock()
	for _, n := range names {
		_ = c.Stop(n)
	}
}

// StartAll starts every enabled server and lists its tools. Failures are
// logged per server and never abort the others.
func (c *Client) StartAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(startAllLimit)
	for _, d := range c.Servers() {
		if !d.Enabled {
			continue
		}
		name := d.Name
		g.Go(func() error {
			if err := c.Start(ctx, name); err != nil {
				c.log.Warn().Err(err).Str("server", name).Msg("start tool server")
				return nil
			}
			tools, err := c.ListTools(ctx, name)
			if err != nil {
				c.log.Warn().Err(err).Str("server", name).Msg("list tools")
				return nil
			}
			c.log.Info().Str("server", name).Int("tools", len(tools)).Msg("tools registered")
			return nil
		})
	}
	_ = g.Wait()
}

// Tools returns the registry sorted by qualified name.
func (c *Client) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName < out[j].QualifiedName })
	return out
}

// ListTools asks a running server for its tools and replaces that server's
// registry entries with the answer.
func (c *Client) ListTools(ctx context.Context, name string) ([]Tool, error) {
	raw, err := c.request(ctx, name, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Tools == nil {
		return nil, &Error{Kind: KindMalformed, Server: name, Err: err}
	}

	tools := make([]Tool, 0, len(payload.Tools))
	for _, t := range payload.Tools {
		if t.Name == "" {
			continue
		}
		tools = append(tools, Tool{
			QualifiedName: Qualify(name, t.Name),
			Name:          t.Name,
			Description:   t.Description,
			InputSchema:   t.InputSchema,
			Server:        name,
		})
	}

	c.mu.Lock()
	for q, t := range c.tools {
		if t.Server == name {
			delete(c.tools, q)
		}
	}
	for _, t := range tools {
		c.tools[t.QualifiedName] = t
	}
	c.mu.Unlock()
	return tools, nil
}

// CallTool invokes a registered tool and returns the decoded result.
func (c *Client) CallTool(ctx context.Context, qualifiedName string, args map[string]any) (any, error) {
	c.mu.Lock()
	t, ok := c.tools[qualifiedName]
	knownServer := false
	if srv, _, split := SplitQualified(qualifiedName); split {
		_, knownServer = c.servers[srv]
	}
	c.mu.Unlock()
	if !ok {
		e := &Error{Kind: KindNotFound, Tool: qualifiedName}
		if !knownServer {
			e.Message = "unknown server"
		}
		return nil, e
	}
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	raw, err := c.request(ctx, t.Server, "tools/call", map[string]any{
		"name":      t.Name,
		"arguments": args,
	})
	toolCallDuration.WithLabelValues(t.Server).Observe(time.Since(start).Seconds())
	toolCallsTotal.WithLabelValues(t.Server, resultLabel(err)).Inc()
	if err != nil {
		if e, ok := err.(*Error); ok && e.Tool == "" {
			e.Tool = qualifiedName
		}
		return nil, err
	}

	var out any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, &Error{Kind: KindMalformed, Server: t.Server, Tool: qualifiedName, Err: err}
		}
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, name, method string, params any) (json.RawMessage, error) {
	cn, s, err := c.connFor(ctx, name)
	if err != nil {
		return nil, err
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return cn.call(ctx, method, params, s.desc.timeout())
}

// connFor returns the live connection of a running server, dialing network
// servers on first use.
func (c *Client) connFor(ctx context.Context, name string) (*conn, *server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[name]
	if !ok {
		return nil, nil, &Error{Kind: KindNotFound, Server: name}
	}
	if !s.running {
		return nil, nil, &Error{Kind: KindNotRunning, Server: name}
	}
	if s.conn != nil {
		return s.conn, s, nil
	}
	if s.desc.Transport != TransportNetwork {
		return nil, nil, &Error{Kind: KindNotRunning, Server: name}
	}

	dctx, cancel := context.WithTimeout(ctx, s.desc.timeout())
	defer cancel()
	nc, err := c.dialer.DialContext(dctx, "tcp", s.desc.Endpoint)
	if err != nil {
		return nil, nil, &Error{Kind: KindTransport, Server: name, Err: err}
	}
	log := c.log.With().Str("server", name).Logger()
	cn := newConn(name, nc, log, c.connClosed)
	s.conn = cn
	go cn.readLoop(nc)
	log.Debug().Str("endpoint", s.desc.Endpoint).Msg("dialed tool server")
	return cn, s, nil
}
