package rpc

import (
	"context"
	"errors"
	"fmt"
)

// State is the position of a connection in the bind, request, close
// exchange.
type State int

const (
	AwaitingBind State = iota
	BoundAwaitingRequest
	RequestServed
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingBind:
		return "awaiting bind"
	case BoundAwaitingRequest:
		return "bound"
	case RequestServed:
		return "request served"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var ErrSessionClosed = errors.New("rpc: session closed")

// RequestHandler turns the stub data of a request into the stub data of the
// response.
type RequestHandler func(ctx context.Context, stub []byte) ([]byte, error)

// Session drives one connection. It is not safe for concurrent use.
type Session struct {
	port   int
	handle RequestHandler
	state  State
	binds  int
}

// NewSession returns a session that advertises port in bind acks and
// passes request stubs to handle.
func NewSession(port int, handle RequestHandler) *Session {
	return &Session{port: port, handle: handle}
}

func (s *Session) State() State {
	return s.state
}

// Binds counts the bind acks sent so far.
func (s *Session) Binds() int {
	return s.binds
}

// Process consumes one packet and returns the bytes to send back. A
// session is done once State reports Closed; the reply, if any, must still
// be written first. Binds may repeat and a request without a prior bind is
// still served. On error nothing is sent and the session is closed.
func (s *Session) Process(ctx context.Context, packet []byte) ([]byte, error) {
	if s.state == Closed || s.state == RequestServed {
		s.state = Closed
		return nil, ErrSessionClosed
	}

	switch Classify(packet) {
	case KindBind:
		ack, err := BuildBindAck(packet, s.port)
		if err != nil {
			s.state = Closed
			return nil, fmt.Errorf("bind: %w", err)
		}
		s.binds++
		s.state = BoundAwaitingRequest
		return ack, nil

	case KindRequest:
		s.state = Closed
		_, stub, err := ParseRequest(packet)
		if err != nil {
			return nil, fmt.Errorf("request: %w", err)
		}
		payload, err := s.handle(ctx, stub)
		if err != nil {
			return nil, err
		}
		resp, err := WrapResponse(packet, payload)
		if err != nil {
			return nil, fmt.Errorf("response: %w", err)
		}
		s.state = RequestServed
		return resp, nil
	}

	s.state = Closed
	return nil, ErrUnrecognizedPacket
}

// Done reports whether the connection should be closed after the last
// reply is written.
func (s *Session) Done() bool {
	return s.state == RequestServed || s.state == Closed
}
