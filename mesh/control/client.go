package control

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/TheusHen/meshcore/mesh/consensus"
)

// Client talks to a Server over a DEALER socket. It is safe for concurrent
// use; replies are matched to requests by ID.
type Client struct {
	sock   zmq4.Socket
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *Response
	err     error
	done    chan struct{}
}

func Dial(ctx context.Context, endpoint string) (*Client, error) {
	var id [8]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sock := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity("meshctl-"+hex.EncodeToString(id[:]))))
	if err := sock.Dial(endpoint); err != nil {
		cancel()
		sock.Close()
		return nil, fmt.Errorf("control: dial %s: %w", endpoint, err)
	}
	c := &Client{
		sock:    sock,
		cancel:  cancel,
		pending: make(map[uint64]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.sock.Recv()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		var resp Response
		if err := json.Unmarshal(msg.Bytes(), &resp); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// Do sends req and waits for its response. A response carrying an error
// is returned as a Go error.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := c.sock.Send(zmq4.NewMsg(data)); err != nil {
		return nil, fmt.Errorf("control: send: %w", err)
	}
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) View(ctx context.Context) (consensus.MembershipView, error) {
	resp, err := c.Do(ctx, Request{Op: OpView})
	if err != nil || resp.View == nil {
		return consensus.MembershipView{}, errOrEmpty(err)
	}
	return *resp.View, nil
}

func (c *Client) Health(ctx context.Context) ([]PeerHealth, error) {
	resp, err := c.Do(ctx, Request{Op: OpHealth})
	if err != nil {
		return nil, err
	}
	return resp.Health, nil
}

func (c *Client) Status(ctx context.Context) (consensus.Status, error) {
	resp, err := c.Do(ctx, Request{Op: OpStatus})
	if err != nil || resp.Status == nil {
		return consensus.Status{}, errOrEmpty(err)
	}
	return *resp.Status, nil
}

// Propose submits cmd. With wait set it returns once cmd is applied.
func (c *Client) Propose(ctx context.Context, cmd consensus.Command, wait bool) (consensus.Proposal, error) {
	resp, err := c.Do(ctx, Request{Op: OpPropose, Command: &cmd, Wait: wait})
	if err != nil || resp.Proposal == nil {
		return consensus.Proposal{}, errOrEmpty(err)
	}
	return *resp.Proposal, nil
}

func (c *Client) Close() error {
	c.cancel()
	return c.sock.Close()
}

func errOrEmpty(err error) error {
	if err != nil {
		return err
	}
	return errors.New("control: empty response")
}
