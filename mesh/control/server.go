package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/TheusHen/meshcore/mesh/consensus"
)

// Backend is the node state the server exposes.
type Backend interface {
	View() consensus.MembershipView
	Status() consensus.Status
	Health() []PeerHealth
	Propose(ctx context.Context, cmd consensus.Command, wait bool) (consensus.Proposal, error)
}

// Server answers control requests on a ROUTER socket.
type Server struct {
	backend Backend
	log     *zap.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	router zmq4.Socket

	sendMu sync.Mutex
	wg     sync.WaitGroup
}

// Listen binds a ROUTER socket on endpoint, e.g. "tcp://127.0.0.1:7790".
// timeout bounds each propose request.
func Listen(ctx context.Context, endpoint string, b Backend, timeout time.Duration, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		backend: b,
		log:     logger.Named("control"),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		router:  zmq4.NewRouter(ctx, zmq4.WithID(zmq4.SocketIdentity("meshcore-control"))),
	}
	if err := s.router.Listen(endpoint); err != nil {
		cancel()
		s.router.Close()
		return nil, fmt.Errorf("control: listen %s: %w", endpoint, err)
	}
	return s, nil
}

// Addr is the bound address.
func (s *Server) Addr() net.Addr { return s.router.Addr() }

// Serve reads requests until Close or the parent context ends.
func (s *Server) Serve() error {
	for {
		msg, err := s.router.Recv()
		if err != nil {
			if s.ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.log.Debug("recv failed", zap.Error(err))
			continue
		}
		if len(msg.Frames) < 2 {
			continue
		}
		peer := msg.Frames[0]
		req, err := decodeRequest(msg.Frames[len(msg.Frames)-1])
		if err != nil {
			s.reply(peer, &Response{Error: "control: malformed request"})
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reply(peer, s.handle(req))
		}()
	}
}

func (s *Server) Close() error {
	s.cancel()
	return s.router.Close()
}

func (s *Server) handle(req *Request) *Response {
	resp := &Response{ID: req.ID}
	switch req.Op {
	case OpView:
		v := s.backend.View()
		resp.View = &v
	case OpHealth:
		resp.Health = s.backend.Health()
	case OpStatus:
		st := s.backend.Status()
		resp.Status = &st
	case OpPropose:
		if req.Command == nil {
			resp.Error = consensus.ErrInvalidCommand.Error()
			break
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		p, err := s.backend.Propose(ctx, *req.Command, req.Wait)
		if err != nil {
			s.log.Info("propose failed", zap.Stringer("kind", req.Command.Kind), zap.Error(err))
			resp.Error = err.Error()
			break
		}
		resp.Proposal = &p
	default:
		resp.Error = fmt.Sprintf("%s %q", ErrUnknownOp, req.Op)
	}
	return resp
}

func (s *Server) reply(peer []byte, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("encoding response failed", zap.Error(err))
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.router.Send(zmq4.NewMsgFrom(peer, data)); err != nil {
		s.log.Debug("reply failed", zap.Error(err))
	}
}
