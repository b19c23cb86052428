package commitstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/core/transaction"
)

// ErrPublisherClosed is returned once Close has been called.
var ErrPublisherClosed = errors.New("commit stream publisher is closed")

// PublisherConfig controls batching, buffering and retry behavior.
type PublisherConfig struct {
	// Remote endpoint.
	Addr    string      `toml:"addr"`     // host:port of the receiver
	URLPath string      `toml:"url_path"` // defaults to /commits
	TLS     *tls.Config `toml:"-"`

	// Concurrency and buffering.
	NumConnections   int           `toml:"num_connections"`
	QueueCapacity    int           `toml:"queue_capacity"`
	MaxBatchBytes    int           `toml:"max_batch_bytes"`
	MaxBatchMessages int           `toml:"max_batch_messages"`
	FlushInterval    time.Duration `toml:"flush_interval"`

	// Retry policy for connection establishment and batch writes.
	MaxWriteRetries   int           `toml:"max_write_retries"`
	InitialBackoff    time.Duration `toml:"initial_backoff"`
	MaxBackoff        time.Duration `toml:"max_backoff"`
	BackoffJitterFrac float64       `toml:"backoff_jitter_frac"`

	// Low-level QUIC knobs, optional.
	QUIC *quic.Config `toml:"-"`
}

func (c *PublisherConfig) applyDefaults() {
	if c.URLPath == "" {
		c.URLPath = "/commits"
	}
	if c.NumConnections <= 0 {
		c.NumConnections = 2
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 64 * 1024
	}
	if c.MaxBatchMessages <= 0 {
		c.MaxBatchMessages = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MaxWriteRetries < 0 {
		c.MaxWriteRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffJitterFrac <= 0 {
		c.BackoffJitterFrac = 0.2
	}
}

// PublisherStats is a snapshot of the publisher's counters.
type PublisherStats struct {
	Enqueued     uint64
	Dropped      uint64
	Batches      uint64
	Retries      uint64
	ConnFailures uint64
}

// Publisher streams commit events to a receiver over concurrent long-lived
// HTTP/3 POSTs. It implements transaction.CommitObserver: the commit hook
// runs with the coordinator locked, so enqueueing never blocks and a full
// queue drops the event rather than stalling commits.
type Publisher struct {
	cfg    PublisherConfig
	url    string
	logger *zap.Logger

	quit   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	client     *http.Client
	rt         *http3.Transport
	eventsCh   chan []byte
	connInputs []chan []byte
	randSrc    *rand.Rand

	enqueued     atomic.Uint64
	dropped      atomic.Uint64
	batches      atomic.Uint64
	retries      atomic.Uint64
	connFailures atomic.Uint64
}

// NewPublisher starts the batching loop and one manager per connection.
func NewPublisher(cfg PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	cfg.applyDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("commitstream: publisher address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := &http3.Transport{TLSClientConfig: cfg.TLS, QUICConfig: cfg.QUIC}
	p := &Publisher{
		cfg:      cfg,
		url:      fmt.Sprintf("https://%s%s", cfg.Addr, cfg.URLPath),
		logger:   logger.Named("commitstream"),
		quit:     make(chan struct{}),
		client:   &http.Client{Transport: rt},
		rt:       rt,
		eventsCh: make(chan []byte, cfg.QueueCapacity),
		randSrc:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	p.connInputs = make([]chan []byte, cfg.NumConnections)
	for i := range p.connInputs {
		p.connInputs[i] = make(chan []byte, 1)
	}

	p.wg.Add(1)
	go p.batchingLoop()
	for i := 0; i < cfg.NumConnections; i++ {
		p.wg.Add(1)
		go p.connectionManager(i, p.connInputs[i])
	}
	return p, nil
}

// TransactionCommitted enqueues one commit event. It runs on the committing
// goroutine and never blocks; when the queue is full the event is counted as
// dropped and the commit proceeds untouched.
func (p *Publisher) TransactionCommitted(ev transaction.CommitEvent) {
	if p.closed.Load() {
		return
	}
	data, err := encodeEvent(ev)
	if err != nil {
		p.dropped.Add(1)
		return
	}
	select {
	case p.eventsCh <- data:
		p.enqueued.Add(1)
	default:
		p.dropped.Add(1)
	}
}

// Stats returns a snapshot of the publisher's counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Enqueued:     p.enqueued.Load(),
		Dropped:      p.dropped.Load(),
		Batches:      p.batches.Load(),
		Retries:      p.retries.Load(),
		ConnFailures: p.connFailures.Load(),
	}
}

// Close drains what is already queued and stops all goroutines.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPublisherClosed
	}
	close(p.quit)
	p.wg.Wait()
	return p.rt.Close()
}

func (p *Publisher) batchingLoop() {
	defer p.wg.Done()
	defer func() {
		for _, ch := range p.connInputs {
			close(ch)
		}
	}()

	var batch bytes.Buffer
	msgs := 0
	flushTimer := time.NewTimer(p.cfg.FlushInterval)
	defer flushTimer.Stop()

	dispatch := func() {
		if msgs == 0 {
			return
		}
		payload := make([]byte, batch.Len())
		copy(payload, batch.Bytes())
		batch.Reset()
		msgs = 0
		p.batches.Add(1)

		// Hand off to any idle connection first, then block on one.
		start := p.randSrc.Intn(len(p.connInputs))
		for i := 0; i < len(p.connInputs); i++ {
			select {
			case p.connInputs[(start+i)%len(p.connInputs)] <- payload:
				return
			default:
			}
		}
		select {
		case p.connInputs[start] <- payload:
		case <-p.quit:
		}
	}

	resetTimer := func() {
		if !flushTimer.Stop() {
			select {
			case <-flushTimer.C:
			default:
			}
		}
		flushTimer.Reset(p.cfg.FlushInterval)
	}

	for {
		select {
		case <-p.quit:
			for {
				select {
				case m := <-p.eventsCh:
					frameAppend(&batch, m)
					msgs++
				default:
					dispatch()
					return
				}
			}

		case m := <-p.eventsCh:
			frameAppend(&batch, m)
			msgs++
			if batch.Len() >= p.cfg.MaxBatchBytes || msgs >= p.cfg.MaxBatchMessages {
				dispatch()
				resetTimer()
			}

		case <-flushTimer.C:
			dispatch()
			resetTimer()
		}
	}
}

type connectionState struct {
	writer    io.WriteCloser
	cancelReq context.CancelFunc
}

func (p *Publisher) connectionManager(id int, in <-chan []byte) {
	defer p.wg.Done()
	var st *connectionState
	defer func() {
		if st != nil {
			_ = st.writer.Close()
			st.cancelReq()
		}
	}()

	for payload := range in {
		if st == nil {
			var err error
			st, err = p.establishConnection()
			if err != nil {
				p.noteConnFailed(id, err)
				if !p.retrySend(id, payload) {
					p.dropBatch(id, payload, "establish failed")
				}
				continue
			}
		}
		if _, err := st.writer.Write(payload); err != nil {
			p.logger.Warn("Commit stream write failed, reconnecting",
				zap.Int("conn", id), zap.Error(err))
			_ = st.writer.Close()
			st.cancelReq()
			st = nil
			if !p.retrySend(id, payload) {
				p.dropBatch(id, payload, "write failed")
			}
		}
	}
}

// retrySend re-establishes a connection and rewrites the payload with
// exponential backoff until it succeeds or the retry budget runs out.
func (p *Publisher) retrySend(id int, payload []byte) bool {
	var st *connectionState
	defer func() {
		if st != nil {
			_ = st.writer.Close()
			st.cancelReq()
		}
	}()

	backoff := p.cfg.InitialBackoff
	for attempt := 1; attempt <= p.cfg.MaxWriteRetries; attempt++ {
		if !p.sleepBackoff(backoff) {
			return false
		}
		backoff = nextBackoff(backoff, p.cfg.MaxBackoff, p.cfg.BackoffJitterFrac, p.randSrc)
		p.retries.Add(1)

		var err error
		st, err = p.establishConnection()
		if err != nil {
			p.noteConnFailed(id, err)
			continue
		}
		if _, err := st.writer.Write(payload); err == nil {
			return true
		}
		_ = st.writer.Close()
		st.cancelReq()
		st = nil
	}
	return false
}

func (p *Publisher) sleepBackoff(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-p.quit:
		return false
	}
}

func nextBackoff(cur, max time.Duration, jitterFrac float64, r *rand.Rand) time.Duration {
	next := 2 * cur
	if next > max {
		next = max
	}
	if jitterFrac > 0 && r != nil {
		j := 1 + (r.Float64()*2-1)*jitterFrac
		next = time.Duration(math.Max(0, float64(next)*j))
	}
	return next
}

func (p *Publisher) dropBatch(id int, payload []byte, reason string) {
	p.dropped.Add(1)
	p.logger.Warn("Dropping commit batch",
		zap.Int("conn", id), zap.Int("bytes", len(payload)), zap.String("reason", reason))
}

func (p *Publisher) noteConnFailed(id int, err error) {
	p.connFailures.Add(1)
	p.logger.Debug("Commit stream connect failed", zap.Int("conn", id), zap.Error(err))
}

// establishConnection opens a streaming POST whose body is an io.Pipe; each
// batch written to the pipe flows straight onto the wire.
func (p *Publisher) establishConnection() (*connectionState, error) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("new request: %w", err)
	}

	go func() {
		resp, err := p.client.Do(req)
		if err != nil {
			_ = pw.CloseWithError(fmt.Errorf("commit stream request failed: %w", err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			_ = pw.CloseWithError(fmt.Errorf("commit stream receiver returned %s", resp.Status))
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = pw.Close()
	}()

	return &connectionState{writer: pw, cancelReq: cancel}, nil
}

// frameAppend writes a 4-byte big-endian length prefix followed by msg.
func frameAppend(buf *bytes.Buffer, msg []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(msg)))
	buf.Write(n[:])
	buf.Write(msg)
}
