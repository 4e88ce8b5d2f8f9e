// Package tcp implements the executor's request server: a line-delimited
// JSON protocol over TCP where each accepted connection carries exactly
// one request and receives exactly one response before being closed. No
// pipelining, no keepalive.
package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/dispatch"
	"github.com/dead-pool-aka-wilson/moltgate/internal/port/inbound"
)

// telemetry is the subset of service.Telemetry the server needs, kept
// narrow here so this adapter doesn't import the service package for a
// single method.
type telemetry interface {
	StartRequestSpan(ctx context.Context, msgType string) (context.Context, trace.Span)
}

// Server listens on a TCP endpoint and routes each connection's single
// request to the dispatcher. A bounded worker pool processes connections
// concurrently; workers are short-lived and hold no cross-request state.
type Server struct {
	addr       string
	dispatcher inbound.Dispatcher
	telemetry  telemetry
	workers    int
	logger     *slog.Logger

	listener net.Listener

	connCh chan net.Conn
	wg     sync.WaitGroup
}

// NewServer constructs a Server. workers bounds the number of concurrent
// connection handlers; 0 defaults to 32. tel may be nil, in which case
// spans are simply not recorded.
func NewServer(addr string, dispatcher inbound.Dispatcher, tel telemetry, workers int, logger *slog.Logger) *Server {
	if workers <= 0 {
		workers = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:       addr,
		dispatcher: dispatcher,
		telemetry:  tel,
		workers:    workers,
		logger:     logger,
		connCh:     make(chan net.Conn, workers),
	}
}

// ListenAndServe binds the listening socket and blocks, dispatching
// accepted connections to the worker pool, until ctx is cancelled.
// Cancellation closes the listener; in-flight handlers are allowed to
// complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("request server listening", "addr", s.addr, "workers", s.workers)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				close(s.connCh)
				s.wg.Wait()
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		select {
		case s.connCh <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			close(s.connCh)
			s.wg.Wait()
			return nil
		}
	}
}

func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for conn := range s.connCh {
		s.handleConn(ctx, conn)
	}
}

// maxMessageSize bounds a single request line; requests are small,
// structured control messages, never bulk content.
const maxMessageSize = 1024 * 1024

// handleConn reads exactly one newline-terminated JSON request, dispatches
// it, writes exactly one newline-terminated JSON response, and closes the
// connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxMessageSize)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			s.logger.Debug("connection read failed", "error", err)
		}
		return
	}
	raw := append([]byte(nil), scanner.Bytes()...)

	start := time.Now()
	resp := s.route(ctx, raw)
	s.logger.Debug("handled request", "latency_us", time.Since(start).Microseconds())

	s.writeResponse(conn, resp)
}

// spanFor wraps ctx in a request span named after msgType, if telemetry is
// configured.
func (s *Server) spanFor(ctx context.Context, msgType string) (context.Context, trace.Span) {
	if s.telemetry == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.telemetry.StartRequestSpan(ctx, msgType)
}

// route decodes the envelope, dispatches to the matching handler, and
// marshals the response. Malformed JSON and unrecognized types both
// produce an ErrorResponse rather than closing the connection early, so
// the caller always gets exactly one well-formed response.
func (s *Server) route(ctx context.Context, raw []byte) interface{} {
	var env dispatch.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return dispatch.NewErrorResponse("Invalid JSON")
	}

	spanCtx, span := s.spanFor(ctx, env.Type)
	defer span.End()
	ctx = spanCtx

	switch env.Type {
	case dispatch.TypePing:
		var req dispatch.PingRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return dispatch.NewErrorResponse("Invalid JSON")
		}
		return s.dispatcher.Ping(ctx, req)

	case dispatch.TypeStatus:
		var req dispatch.StatusRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return dispatch.NewErrorResponse("Invalid JSON")
		}
		return s.dispatcher.Status(ctx, req)

	case dispatch.TypeListActions:
		var req dispatch.ListActionsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return dispatch.NewErrorResponse("Invalid JSON")
		}
		return s.dispatcher.ListActions(ctx, req)

	case dispatch.TypeCapabilityRequest:
		var req dispatch.CapabilityRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return dispatch.NewErrorResponse("Invalid JSON")
		}
		return s.dispatcher.CapabilityRequest(ctx, req)

	case dispatch.TypeCapabilityExecute:
		var req dispatch.CapabilityExecute
		if err := json.Unmarshal(raw, &req); err != nil {
			return dispatch.NewErrorResponse("Invalid JSON")
		}
		return s.dispatcher.CapabilityExecute(ctx, req)

	case dispatch.TypeContentSanitized:
		var req dispatch.ContentSanitized
		if err := json.Unmarshal(raw, &req); err != nil {
			return dispatch.NewErrorResponse("Invalid JSON")
		}
		return s.dispatcher.ContentSanitized(ctx, req)

	case dispatch.TypeApprovalResponse:
		var req dispatch.ApprovalResponse
		if err := json.Unmarshal(raw, &req); err != nil {
			return dispatch.NewErrorResponse("Invalid JSON")
		}
		return s.dispatcher.ApprovalResponse(ctx, req)

	case dispatch.TypeKill:
		var req dispatch.KillRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return dispatch.NewErrorResponse("Invalid JSON")
		}
		return s.dispatcher.Kill(ctx, req)

	default:
		return dispatch.NewErrorResponse("Unknown message type: " + env.Type)
	}
}

func (s *Server) writeResponse(conn net.Conn, resp interface{}) {
	body, err := dispatch.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", "error", err)
		body, _ = dispatch.Marshal(dispatch.NewErrorResponse("internal error"))
	}
	body = append(body, '\n')
	if _, err := conn.Write(body); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// Close closes the listening socket, if open.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
