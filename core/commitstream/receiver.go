package commitstream

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

// BackpressurePolicy decides what happens when the receiver's queue is full.
type BackpressurePolicy int

const (
	// BlockSender stalls the incoming stream until a slot frees up.
	BlockSender BackpressurePolicy = iota
	// DropIfFull discards the event, protecting latency at the cost of loss.
	DropIfFull
)

// ReceiverConfig controls the listening endpoint and its limits.
type ReceiverConfig struct {
	Addr    string       `toml:"addr"`     // e.g. ":8444"
	URLPath string       `toml:"url_path"` // defaults to /commits
	TLS     *tls.Config  `toml:"-"`        // required for HTTP/3
	QUIC    *quic.Config `toml:"-"`

	QueueCapacity  int                `toml:"queue_capacity"`
	MaxEventBytes  int                `toml:"max_event_bytes"`
	MaxStreamBytes int64              `toml:"max_stream_bytes"` // 0 = unlimited
	MaxConcurrency int                `toml:"max_concurrency"`  // 0 = unlimited
	Backpressure   BackpressurePolicy `toml:"-"`
}

func (c *ReceiverConfig) applyDefaults() {
	if c.URLPath == "" {
		c.URLPath = "/commits"
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.MaxEventBytes <= 0 {
		c.MaxEventBytes = 1 << 20
	}
}

// Receiver is the listening end of the commit stream. Incoming POST bodies
// are parsed as length-prefixed frames and decoded events are delivered on
// the Events channel.
type Receiver struct {
	cfg    ReceiverConfig
	logger *zap.Logger

	server *http3.Server
	ln     net.PacketConn
	events chan Event
	sem    chan struct{}

	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	// handlerMu fences handler registration against Close: no new handler
	// may join once the events channel is about to close.
	handlerMu sync.RWMutex
	handlerWg sync.WaitGroup

	accepted atomic.Uint64
	droppedN atomic.Uint64
}

// NewReceiver builds a receiver; Start makes it listen.
func NewReceiver(cfg ReceiverConfig, logger *zap.Logger) (*Receiver, error) {
	if cfg.Addr == "" {
		return nil, errors.New("commitstream: receiver address is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("commitstream: receiver TLS config is required for HTTP/3")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Receiver{
		cfg:    cfg,
		logger: logger.Named("commitstream"),
		events: make(chan Event, cfg.QueueCapacity),
	}
	if cfg.MaxConcurrency > 0 {
		r.sem = make(chan struct{}, cfg.MaxConcurrency)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.URLPath, r.streamHandler)
	r.server = &http3.Server{
		Addr:       cfg.Addr,
		TLSConfig:  cfg.TLS,
		Handler:    mux,
		QUICConfig: cfg.QUIC,
	}
	return r, nil
}

// Start begins listening on UDP and serving HTTP/3.
func (r *Receiver) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("commitstream: receiver already started")
	}
	conn, err := net.ListenPacket("udp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen UDP %s: %w", r.cfg.Addr, err)
	}
	r.ln = conn
	r.logger.Info("Commit stream receiver listening",
		zap.String("addr", conn.LocalAddr().String()), zap.String("path", r.cfg.URLPath))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("Commit stream receiver serve error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (r *Receiver) Addr() string {
	if r.ln == nil {
		return r.cfg.Addr
	}
	return r.ln.LocalAddr().String()
}

// Events is the consumer side of the stream. It is closed by Close after
// every in-flight handler has finished.
func (r *Receiver) Events() <-chan Event {
	return r.events
}

// Accepted reports how many events were delivered to the channel.
func (r *Receiver) Accepted() uint64 { return r.accepted.Load() }

// Dropped reports how many events were discarded.
func (r *Receiver) Dropped() uint64 { return r.droppedN.Load() }

// Close stops the server and closes the events channel once all handlers
// have returned, or when ctx expires.
func (r *Receiver) Close(ctx context.Context) error {
	r.handlerMu.Lock()
	if !r.closed.CompareAndSwap(false, true) {
		r.handlerMu.Unlock()
		return nil
	}
	r.handlerMu.Unlock()

	_ = r.server.Close()
	if r.ln != nil {
		_ = r.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		r.handlerWg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		// A handler could still be sending; the channel stays open.
		r.logger.Warn("Commit stream receiver close timed out", zap.Error(ctx.Err()))
		return ctx.Err()
	case <-done:
	}

	close(r.events)
	r.logger.Info("Commit stream receiver closed")
	return nil
}

func (r *Receiver) acquire() func() {
	if r.sem == nil {
		return func() {}
	}
	r.sem <- struct{}{}
	return func() { <-r.sem }
}

// streamHandler consumes one length-prefixed stream:
// [4B big-endian length][payload] repeated until EOF.
func (r *Receiver) streamHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if req.Body == nil {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	r.handlerMu.RLock()
	if r.closed.Load() {
		r.handlerMu.RUnlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	r.handlerWg.Add(1)
	r.handlerMu.RUnlock()
	defer r.handlerWg.Done()

	release := r.acquire()
	defer release()

	// Acknowledge early so the sender's streaming request settles; frames
	// keep flowing on the request body afterwards.
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	remote := req.RemoteAddr
	r.logger.Debug("Commit stream opened", zap.String("remote", remote))

	ctx := req.Context()
	body := req.Body
	var lenBuf [4]byte
	var streamBytes int64

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Commit stream sender went away",
				zap.String("remote", remote), zap.Error(ctx.Err()))
			return
		default:
		}

		if r.cfg.MaxStreamBytes > 0 && streamBytes >= r.cfg.MaxStreamBytes {
			r.drop("stream byte cap reached")
			return
		}

		if _, err := io.ReadFull(body, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			r.logger.Error("Commit stream length read failed",
				zap.String("remote", remote), zap.Error(err))
			return
		}
		streamBytes += 4

		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue
		}
		if int(n) > r.cfg.MaxEventBytes {
			r.drop(fmt.Sprintf("event of %d bytes exceeds limit", n))
			return
		}

		payload := make([]byte, int(n))
		if _, err := io.ReadFull(body, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			r.logger.Error("Commit stream payload read failed",
				zap.String("remote", remote), zap.Error(err))
			return
		}
		streamBytes += int64(n)

		ev, err := DecodeEvent(payload)
		if err != nil {
			r.drop(fmt.Sprintf("undecodable event: %v", err))
			continue
		}

		switch r.cfg.Backpressure {
		case BlockSender:
			select {
			case r.events <- ev:
				r.accepted.Add(1)
			case <-ctx.Done():
				r.drop("sender went away while queue was full")
				return
			}
		case DropIfFull:
			select {
			case r.events <- ev:
				r.accepted.Add(1)
			default:
				r.drop("queue full")
			}
		}
	}
}

func (r *Receiver) drop(reason string) {
	r.droppedN.Add(1)
	r.logger.Warn("Commit stream event dropped", zap.String("reason", reason))
}
