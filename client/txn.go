package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/api/txnwire"
)

// Txn is a handle on one server-side transaction. It is not safe for
// concurrent use; a transaction is a single client's unit of work.
type Txn struct {
	c      *Client
	region string
	id     uint64
	done   bool
}

// Begin starts a transaction in region.
func (c *Client) Begin(region string) (*Txn, error) {
	id := newTxnID()
	_, err := c.do(txnwire.Request{Command: txnwire.CmdBegin, Region: region, TxnID: id})
	if err != nil {
		return nil, err
	}
	return &Txn{c: c, region: region, id: id}, nil
}

// ID returns the transaction's id.
func (t *Txn) ID() uint64 { return t.id }

// Get reads a key through the transaction: its own buffered writes first,
// the committed state otherwise. The read joins the conflict set.
func (t *Txn) Get(key string) ([]byte, bool, error) {
	resp, err := t.c.do(txnwire.Request{
		Command: txnwire.CmdGet, Region: t.region, TxnID: t.id, Key: key,
	})
	if err != nil {
		return nil, false, err
	}
	if resp.Status == txnwire.StatusNotFound {
		return nil, false, nil
	}
	return resp.Value, true, nil
}

// Put buffers a write. Nothing is visible outside until commit.
func (t *Txn) Put(key string, value []byte) error {
	_, err := t.c.do(txnwire.Request{
		Command: txnwire.CmdPut, Region: t.region, TxnID: t.id, Key: key, Value: value,
	})
	return err
}

// PutItems buffers several writes in one round trip.
func (t *Txn) PutItems(items []Item) error {
	_, err := t.c.do(txnwire.Request{
		Command: txnwire.CmdPut, Region: t.region, TxnID: t.id, Items: items,
	})
	return err
}

// Delete buffers deletes for the given keys.
func (t *Txn) Delete(keys ...string) error {
	_, err := t.c.do(txnwire.Request{
		Command: txnwire.CmdDelete, Region: t.region, TxnID: t.id, Keys: keys,
	})
	return err
}

// CommitRequest runs the validation phase. It returns true when the server
// voted to commit; false means the transaction conflicted and is already
// aborted server-side.
func (t *Txn) CommitRequest() (bool, error) {
	resp, err := t.c.do(txnwire.Request{
		Command: txnwire.CmdCommitRequest, Region: t.region, TxnID: t.id,
	})
	if err != nil {
		return false, err
	}
	if resp.Status == txnwire.StatusConflict {
		t.done = true
		return false, nil
	}
	return true, nil
}

// Commit finalizes a transaction that passed CommitRequest.
func (t *Txn) Commit() error {
	_, err := t.c.do(txnwire.Request{
		Command: txnwire.CmdCommit, Region: t.region, TxnID: t.id,
	})
	if err == nil {
		t.done = true
	}
	return err
}

// CommitIfPossible validates and commits in one round trip. False means the
// transaction lost its race and is gone.
func (t *Txn) CommitIfPossible() (bool, error) {
	resp, err := t.c.do(txnwire.Request{
		Command: txnwire.CmdCommitIfPossible, Region: t.region, TxnID: t.id,
	})
	if err != nil {
		return false, err
	}
	t.done = true
	return resp.Status == txnwire.StatusCommitted, nil
}

// Abort abandons the transaction and discards its buffered writes.
func (t *Txn) Abort() error {
	if t.done {
		return nil
	}
	_, err := t.c.do(txnwire.Request{
		Command: txnwire.CmdAbort, Region: t.region, TxnID: t.id,
	})
	if err == nil {
		t.done = true
	}
	return err
}

// Touch renews the transaction's lease without doing any work.
func (t *Txn) Touch() error {
	_, err := t.c.do(txnwire.Request{
		Command: txnwire.CmdTouch, Region: t.region, TxnID: t.id,
	})
	return err
}

// OpenScanner snapshots [startKey, endKey) as seen by the transaction. A
// limit of zero means no limit.
func (t *Txn) OpenScanner(startKey, endKey string, limit int) (*Scanner, error) {
	return t.c.openScanner(t.region, t.id, startKey, endKey, limit)
}

// OpenScanner snapshots committed state outside any transaction.
func (c *Client) OpenScanner(region, startKey, endKey string, limit int) (*Scanner, error) {
	return c.openScanner(region, 0, startKey, endKey, limit)
}

func (c *Client) openScanner(region string, txnID uint64, startKey, endKey string, limit int) (*Scanner, error) {
	resp, err := c.do(txnwire.Request{
		Command:  txnwire.CmdOpenScanner,
		Region:   region,
		TxnID:    txnID,
		StartKey: startKey,
		EndKey:   endKey,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	return &Scanner{c: c, id: resp.ScannerID}, nil
}

// Scanner pages through a server-side snapshot cursor.
type Scanner struct {
	c  *Client
	id uint64
}

// Next returns up to n rows. An empty result means the scan is done.
func (sc *Scanner) Next(n int) ([]Item, error) {
	resp, err := sc.c.do(txnwire.Request{
		Command: txnwire.CmdScannerNext, ScannerID: sc.id, BatchSize: n,
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// All drains the scanner in batches of n.
func (sc *Scanner) All(n int) ([]Item, error) {
	var out []Item
	for {
		rows, err := sc.Next(n)
		if err != nil {
			return out, err
		}
		if len(rows) == 0 {
			return out, nil
		}
		out = append(out, rows...)
	}
}

// Close releases the server-side cursor.
func (sc *Scanner) Close() error {
	_, err := sc.c.do(txnwire.Request{Command: txnwire.CmdScannerClose, ScannerID: sc.id})
	return err
}

// RunInTransaction runs fn inside a transaction and commits it, retrying
// the whole function with backoff when the commit loses a conflict race. An
// error from fn aborts and is returned as-is.
func (c *Client) RunInTransaction(ctx context.Context, region string, fn func(*Txn) error) error {
	backoff := c.cfg.RetryBackoff
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		txn, err := c.Begin(region)
		if err != nil {
			return err
		}

		if err := fn(txn); err != nil {
			_ = txn.Abort()
			return err
		}

		ok, err := txn.CommitIfPossible()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		c.logger.Debug("Transaction conflicted, retrying",
			zap.String("region", region), zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %d attempts in region %s", ErrTooManyConflicts, c.cfg.RetryAttempts, region)
}
