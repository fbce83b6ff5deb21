package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Client talks to a running daemon's control socket.
type Client struct {
	conn   net.Conn
	mu     sync.Mutex // serializes writes
	nextID atomic.Int64
	once   sync.Once

	pendMu  sync.Mutex
	pending map[string]chan Response
	eventCh chan Event
	done    chan struct{}
}

// Dial connects to the control socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Response),
		eventCh: make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends a request and waits for its response. Error responses come back
// as Go errors with the daemon's message.
func (c *Client) Call(method string, params any) (*Response, error) {
	id := fmt.Sprintf("%d", c.nextID.Add(1))
	ch := c.register(id)
	defer c.unregister(id)

	req := Request{ID: id, Method: method}
	if params != nil {
		req.Params, _ = json.Marshal(params)
	}
	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Type == "error" {
			var body struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(resp.Data, &body)
			return &resp, fmt.Errorf("daemon: %s", body.Error)
		}
		return &resp, nil
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	}
}

// call is the typed wrapper over Call used by the convenience getters.
func call[T any](c *Client, method string, params any) (*T, error) {
	resp, err := c.Call(method, params)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return &out, nil
}

// Status fetches the daemon status.
func (c *Client) Status() (*StatusResult, error) {
	return call[StatusResult](c, "status", nil)
}

// Sessions lists the daemon's live sessions.
func (c *Client) Sessions() (*SessionsResult, error) {
	return call[SessionsResult](c, "sessions", nil)
}

// Logs fetches the tail of the daemon log ring; tail <= 0 returns all
// retained entries.
func (c *Client) Logs(tail int) (*LogsResult, error) {
	return call[LogsResult](c, "logs", LogsParams{Tail: tail})
}

// Subscribe asks the daemon to stream events matching the given types
// (none = all). Delivery happens on Events().
func (c *Client) Subscribe(events ...string) error {
	req := Request{ID: fmt.Sprintf("%d", c.nextID.Add(1)), Method: "subscribe"}
	if len(events) > 0 {
		req.Params, _ = json.Marshal(SubscribeParams{Events: events})
	}
	return c.send(req)
}

// Events returns the channel carrying subscribed events. Closed when the
// connection drops.
func (c *Client) Events() <-chan Event {
	return c.eventCh
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) register(id string) chan Response {
	ch := make(chan Response, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()
	return ch
}

func (c *Client) unregister(id string) {
	c.pendMu.Lock()
	delete(c.pending, id)
	c.pendMu.Unlock()
}

func (c *Client) send(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.once.Do(func() { close(c.done) })
		close(c.eventCh)
	}()

	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, readBufInit), readBufMax)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		c.route(resp)
	}
}

// route hands a response to its waiting Call, or onto the event channel.
// Events the consumer is too slow for are shed rather than blocking reads.
func (c *Client) route(resp Response) {
	if resp.Type == "event" {
		var evt Event
		if err := json.Unmarshal(resp.Data, &evt); err == nil {
			select {
			case c.eventCh <- evt:
			default:
			}
		}
		return
	}
	if resp.ID == "" {
		return
	}
	c.pendMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendMu.Unlock()
	if ok {
		ch <- resp
	}
}
