package txnwire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/core/regionserver"
	"github.com/sushant-115/toriidb/core/storage_engine/kvstore"
	"github.com/sushant-115/toriidb/core/transaction"
)

// maxLineBytes bounds a single request line; a value payload has to fit in
// it after base64 expansion.
const maxLineBytes = 16 * 1024 * 1024

// Server speaks the line protocol on a TCP listener and forwards every
// command to the region dispatcher. Each connection is served by one
// goroutine in strict request/response order.
type Server struct {
	dispatcher *regionserver.Server
	logger     *zap.Logger
	tracer     trace.Tracer

	mu     sync.Mutex
	lis    net.Listener
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewServer wraps the dispatcher with the wire protocol. A nil tracer
// disables tracing.
func NewServer(dispatcher *regionserver.Server, logger *zap.Logger, tracer trace.Tracer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return &Server{
		dispatcher: dispatcher,
		logger:     logger.Named("txnwire"),
		tracer:     tracer,
		conns:      make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Close. It returns nil after a
// graceful close.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	s.logger.Info("Wire protocol listening", zap.String("addr", lis.Addr().String()))

	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Close stops the listener, closes every connection and waits for handlers.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	if s.lis != nil {
		_ = s.lis.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("Wire protocol closed")
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("Client connected", zap.String("remote", remote))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = Response{Status: StatusError, Code: CodeBadRequest,
				Message: fmt.Sprintf("malformed request: %v", err)}
		} else {
			resp = s.handleRequest(context.Background(), req)
		}

		out, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("Failed to encode response", zap.Error(err))
			return
		}
		out = append(out, '\n')
		if _, err := writer.Write(out); err != nil {
			s.logger.Debug("Client write failed", zap.String("remote", remote), zap.Error(err))
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("Client read failed", zap.String("remote", remote), zap.Error(err))
	}
	s.logger.Debug("Client disconnected", zap.String("remote", remote))
}

// handleRequest wraps the command dispatch in a trace span. The span status
// mirrors the wire status so error rates are visible per command.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	ctx, span := s.tracer.Start(ctx, "txnwire."+req.Command, trace.WithAttributes(
		attribute.String("region", req.Region),
	))
	resp := s.dispatch(ctx, req)
	if resp.Status == StatusError {
		span.SetStatus(otelcodes.Error, resp.Code)
	} else {
		span.SetStatus(otelcodes.Ok, resp.Status)
	}
	span.End()
	return resp
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	d := s.dispatcher
	switch req.Command {
	case CmdBegin:
		if err := d.Begin(req.Region, req.TxnID); err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusOK}

	case CmdGet:
		val, found, err := d.Get(req.Region, req.TxnID, req.Key)
		if err != nil {
			return errorResponse(err)
		}
		if !found {
			return Response{Status: StatusNotFound}
		}
		return Response{Status: StatusOK, Value: val, Found: true}

	case CmdPut:
		items := storeItems(req.Items)
		if len(items) == 0 && req.Key != "" {
			items = []kvstore.Item{{Key: req.Key, Value: req.Value}}
		}
		if err := d.Put(req.Region, req.TxnID, items); err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusOK}

	case CmdDelete:
		keys := req.Keys
		if len(keys) == 0 && req.Key != "" {
			keys = []string{req.Key}
		}
		if err := d.Delete(req.Region, req.TxnID, keys); err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusOK}

	case CmdCommitRequest:
		vote, err := d.CommitRequest(req.Region, req.TxnID)
		if err != nil {
			return errorResponse(err)
		}
		if vote == transaction.VoteConflict {
			return Response{Status: StatusConflict, Vote: vote.String()}
		}
		return Response{Status: StatusOK, Vote: vote.String()}

	case CmdCommit:
		if err := d.Commit(req.Region, req.TxnID); err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusCommitted}

	case CmdCommitIfPossible:
		ok, err := d.CommitIfPossible(req.Region, req.TxnID)
		if err != nil {
			return errorResponse(err)
		}
		if !ok {
			return Response{Status: StatusConflict, Vote: transaction.VoteConflict.String()}
		}
		return Response{Status: StatusCommitted, Vote: transaction.VoteCommittable.String()}

	case CmdAbort:
		if err := d.Abort(req.Region, req.TxnID); err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusAborted}

	case CmdTouch:
		if err := d.Touch(req.Region, req.TxnID); err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusOK}

	case CmdOpenScanner:
		id, err := d.OpenScanner(req.Region, req.TxnID, req.StartKey, req.EndKey, req.Limit)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusOK, ScannerID: id}

	case CmdScannerNext:
		items, err := d.ScannerNext(req.ScannerID, req.BatchSize)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusOK, Items: wireItems(items)}

	case CmdScannerClose:
		if err := d.ScannerClose(req.ScannerID); err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusOK}

	case CmdCloseRegion:
		if err := d.CloseRegion(req.Region); err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusOK}

	case CmdRemoveRegion:
		result, err := d.RemoveRegion(ctx, req.Region)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusOK, Message: fmt.Sprintf(
			"removed=%v already_removed=%v segments_archived=%d",
			result.Removed, result.AlreadyRemoved, result.SegmentsArchived)}

	case CmdSplitRegion:
		if err := d.SplitRegion(ctx, req.Region, req.SplitKey, req.LeftRegion, req.RightRegion); err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusOK}

	default:
		return Response{Status: StatusError, Code: CodeBadRequest,
			Message: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func wireItems(items []kvstore.Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		out = append(out, Item{Key: it.Key, Value: it.Value})
	}
	return out
}

func storeItems(items []Item) []kvstore.Item {
	out := make([]kvstore.Item, 0, len(items))
	for _, it := range items {
		out = append(out, kvstore.Item{Key: it.Key, Value: it.Value})
	}
	return out
}
