// Package client is the Go client for the transactional region server. It
// speaks the line protocol over pooled TCP connections and layers a
// transaction handle with conflict-retry on top.
package client

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/api/txnwire"
	"github.com/sushant-115/toriidb/pkg/connection"
)

// ErrTooManyConflicts is returned by RunInTransaction when every attempt
// lost its commit race.
var ErrTooManyConflicts = errors.New("transaction conflicted on every attempt")

// Item is one key/value pair returned by reads and scans.
type Item = txnwire.Item

// Config controls connection pooling, timeouts and retry behavior.
type Config struct {
	Addr           string        `toml:"addr"`
	PoolSize       int           `toml:"pool_size"`
	DialTimeout    time.Duration `toml:"dial_timeout"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	RetryAttempts  int           `toml:"retry_attempts"`
	RetryBackoff   time.Duration `toml:"retry_backoff"`
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 25 * time.Millisecond
	}
}

// Client talks to one server address. It is safe for concurrent use; each
// request borrows a pooled connection for its round trip.
type Client struct {
	cfg    Config
	pools  *connection.PoolManager
	logger *zap.Logger
}

// New builds a client. No connection is dialed until the first request.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("client: server address is required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		pools:  connection.NewPoolManager(cfg.PoolSize, cfg.DialTimeout),
		logger: logger.Named("client"),
	}, nil
}

// Close releases every pooled connection.
func (c *Client) Close() {
	c.pools.Close()
}

// do runs one request/response round trip. A transport failure discards the
// connection; a server-side error keeps it, because the protocol stream is
// still in lockstep.
func (c *Client) do(req txnwire.Request) (txnwire.Response, error) {
	pc, err := c.pools.Get(c.cfg.Addr)
	if err != nil {
		return txnwire.Response{}, err
	}

	resp, err := c.exchange(pc, req)
	if err != nil {
		_ = pc.Discard()
		return txnwire.Response{}, err
	}
	_ = pc.Close()

	if resp.Status == txnwire.StatusError {
		return resp, txnwire.ErrorFromResponse(resp)
	}
	return resp, nil
}

func (c *Client) exchange(pc *connection.PooledConn, req txnwire.Request) (txnwire.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return txnwire.Response{}, fmt.Errorf("encode request: %w", err)
	}
	data = append(data, '\n')

	if err := pc.SetDeadline(time.Now().Add(c.cfg.RequestTimeout)); err != nil {
		return txnwire.Response{}, err
	}
	defer pc.SetDeadline(time.Time{})

	if _, err := pc.Write(data); err != nil {
		return txnwire.Response{}, fmt.Errorf("send %s: %w", req.Command, err)
	}

	line, err := bufio.NewReader(pc).ReadBytes('\n')
	if err != nil {
		return txnwire.Response{}, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	var resp txnwire.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return txnwire.Response{}, fmt.Errorf("decode %s response: %w", req.Command, err)
	}
	return resp, nil
}

// Get reads a key outside any transaction.
func (c *Client) Get(region, key string) ([]byte, bool, error) {
	resp, err := c.do(txnwire.Request{Command: txnwire.CmdGet, Region: region, Key: key})
	if err != nil {
		return nil, false, err
	}
	if resp.Status == txnwire.StatusNotFound {
		return nil, false, nil
	}
	return resp.Value, true, nil
}

// Put writes a key outside any transaction.
func (c *Client) Put(region, key string, value []byte) error {
	_, err := c.do(txnwire.Request{Command: txnwire.CmdPut, Region: region, Key: key, Value: value})
	return err
}

// Delete removes keys outside any transaction.
func (c *Client) Delete(region string, keys ...string) error {
	_, err := c.do(txnwire.Request{Command: txnwire.CmdDelete, Region: region, Keys: keys})
	return err
}

// CloseRegion drains and closes a region on the server.
func (c *Client) CloseRegion(region string) error {
	_, err := c.do(txnwire.Request{Command: txnwire.CmdCloseRegion, Region: region})
	return err
}

// RemoveRegion closes a region and removes its transaction log.
func (c *Client) RemoveRegion(region string) error {
	_, err := c.do(txnwire.Request{Command: txnwire.CmdRemoveRegion, Region: region})
	return err
}

// SplitRegion splits a region in two at splitKey.
func (c *Client) SplitRegion(region, splitKey, leftRegion, rightRegion string) error {
	_, err := c.do(txnwire.Request{
		Command:     txnwire.CmdSplitRegion,
		Region:      region,
		SplitKey:    splitKey,
		LeftRegion:  leftRegion,
		RightRegion: rightRegion,
	})
	return err
}

// newTxnID derives a random non-zero transaction id; zero is the server's
// non-transactional marker.
func newTxnID() uint64 {
	for {
		u := uuid.New()
		if id := binary.BigEndian.Uint64(u[:8]); id != 0 {
			return id
		}
	}
}
