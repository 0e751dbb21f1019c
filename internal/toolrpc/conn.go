package toolrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const maxLineBytes = 16 << 20

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type reply struct {
	result json.RawMessage
	err    error
}

// conn multiplexes line-delimited JSON-RPC requests over one stream. Each
// request gets the next id; the read loop routes responses to the waiting
// caller by id.
type conn struct {
	server string
	w      io.WriteCloser
	log    zerolog.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan reply
	closed  bool

	done    chan struct{}
	onClose func(*conn)
}

func newConn(server string, w io.WriteCloser, log zerolog.Logger, onClose func(*conn)) *conn {
	return &conn{
		server:  server,
		w:       w,
		log:     log,
		pending: make(map[int64]chan reply),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// call sends one request and waits for its response, the timeout or ctx.
func (c *conn) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &Error{Kind: KindNotRunning, Server: c.server}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	line, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return nil, err
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	_, err = c.w.Write(line)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, &Error{Kind: KindTransport, Server: c.server, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.result, r.err
	case <-timer.C:
		c.forget(id)
		return nil, &Error{Kind: KindTimeout, Server: c.server}
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *conn) resolve(id int64, r reply) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

// failOldest fails the pending request with the lowest id.
func (c *conn) failOldest(err error) {
	c.mu.Lock()
	var (
		oldest int64
		found  bool
	)
	for id := range c.pending {
		if !found || id < oldest {
			oldest, found = id, true
		}
	}
	c.mu.Unlock()
	if found {
		c.resolve(oldest, reply{err: err})
	}
}

func (c *conn) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil || (resp.ID == nil && resp.Method == "") {
			c.log.Warn().Str("line", truncate(string(line), 200)).Msg("malformed response line")
			c.failOldest(&Error{Kind: KindMalformed, Server: c.server, Err: err})
			continue
		}
		if resp.ID == nil {
			// server-initiated notification
			continue
		}
		var rep reply
		if resp.Error != nil {
			rep.err = &Error{Kind: KindRemote, Server: c.server, Code: resp.Error.Code, Message: resp.Error.Message}
		} else {
			rep.result = resp.Result
		}
		if !c.resolve(*resp.ID, rep) {
			c.log.Debug().Int64("id", *resp.ID).Msg("dropping response without a waiting request")
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdown(err)
}

// shutdown fails every pending request and marks the conn closed.
func (c *conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan reply)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: &Error{Kind: KindTransport, Server: c.server, Err: cause}}
	}
	close(c.done)
	if c.onClose != nil {
		c.onClose(c)
	}
}

// close closes the write side. The read loop ends when the peer goes away.
func (c *conn) close() error {
	err := c.w.Close()
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
