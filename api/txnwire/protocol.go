// Package txnwire is the client-facing wire protocol: one JSON request per
// line over TCP, one JSON response per line back. Values travel as base64
// inside the JSON; errors cross the wire as stable codes so clients can
// match them without string comparison.
package txnwire

import (
	"errors"
	"fmt"

	"github.com/sushant-115/toriidb/core/regionserver"
	"github.com/sushant-115/toriidb/core/transaction"
)

// Command names accepted by the server.
const (
	CmdBegin            = "BEGIN"
	CmdGet              = "GET"
	CmdPut              = "PUT"
	CmdDelete           = "DELETE"
	CmdCommitRequest    = "COMMIT_REQUEST"
	CmdCommit           = "COMMIT"
	CmdCommitIfPossible = "COMMIT_IF_POSSIBLE"
	CmdAbort            = "ABORT"
	CmdTouch            = "TOUCH"
	CmdOpenScanner      = "OPEN_SCANNER"
	CmdScannerNext      = "SCANNER_NEXT"
	CmdScannerClose     = "SCANNER_CLOSE"
	CmdCloseRegion      = "CLOSE_REGION"
	CmdRemoveRegion     = "REMOVE_REGION"
	CmdSplitRegion      = "SPLIT_REGION"
)

// Response statuses.
const (
	StatusOK        = "OK"
	StatusNotFound  = "NOT_FOUND"
	StatusCommitted = "COMMITTED"
	StatusConflict  = "CONFLICT"
	StatusAborted   = "ABORTED"
	StatusError     = "ERROR"
)

// Error codes carried in Response.Code when Status is ERROR.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeRegionNotServing = "REGION_NOT_SERVING"
	CodeRegionClosing    = "REGION_CLOSING"
	CodeServerStopped    = "SERVER_STOPPED"
	CodeKeyOutOfRange    = "KEY_OUT_OF_RANGE"
	CodeUnknownScanner   = "UNKNOWN_SCANNER"
	CodeTxnExists        = "TXN_EXISTS"
	CodeTxnNotFound      = "TXN_NOT_FOUND"
	CodeTxnNotActive     = "TXN_NOT_ACTIVE"
	CodeTxnNotPrepared   = "TXN_NOT_PREPARED"
	CodeInternal         = "INTERNAL"
)

// Item is one key/value pair on the wire.
type Item struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Request is one client command.
type Request struct {
	Command string `json:"command"`
	Region  string `json:"region,omitempty"`
	TxnID   uint64 `json:"txn_id,omitempty"`

	Key   string   `json:"key,omitempty"`
	Value []byte   `json:"value,omitempty"`
	Items []Item   `json:"items,omitempty"`
	Keys  []string `json:"keys,omitempty"`

	StartKey string `json:"start_key,omitempty"`
	EndKey   string `json:"end_key,omitempty"`
	Limit    int    `json:"limit,omitempty"`

	ScannerID uint64 `json:"scanner_id,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`

	SplitKey    string `json:"split_key,omitempty"`
	LeftRegion  string `json:"left_region,omitempty"`
	RightRegion string `json:"right_region,omitempty"`
}

// Response is one server reply.
type Response struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found,omitempty"`
	Items []Item `json:"items,omitempty"`

	ScannerID uint64 `json:"scanner_id,omitempty"`
	Vote      string `json:"vote,omitempty"`
}

// codeFor maps a server-side error to its wire code.
func codeFor(err error) string {
	switch {
	case errors.Is(err, regionserver.ErrNilArgument):
		return CodeBadRequest
	case errors.Is(err, regionserver.ErrRegionNotServing):
		return CodeRegionNotServing
	case errors.Is(err, regionserver.ErrRegionAlreadyOpen):
		return CodeBadRequest
	case errors.Is(err, regionserver.ErrBadSplitKey):
		return CodeBadRequest
	case errors.Is(err, regionserver.ErrServerStopped):
		return CodeServerStopped
	case errors.Is(err, regionserver.ErrKeyOutOfRange):
		return CodeKeyOutOfRange
	case errors.Is(err, regionserver.ErrUnknownScanner):
		return CodeUnknownScanner
	case errors.Is(err, transaction.ErrTxnAlreadyExists):
		return CodeTxnExists
	case errors.Is(err, transaction.ErrTxnNotFound):
		return CodeTxnNotFound
	case errors.Is(err, transaction.ErrTxnNotActive):
		return CodeTxnNotActive
	case errors.Is(err, transaction.ErrTxnNotPrepared):
		return CodeTxnNotPrepared
	case errors.Is(err, transaction.ErrRegionClosing):
		return CodeRegionClosing
	default:
		return CodeInternal
	}
}

// errorResponse renders err as a wire response.
func errorResponse(err error) Response {
	return Response{Status: StatusError, Code: codeFor(err), Message: err.Error()}
}

// ErrorFromResponse reconstructs a matchable error on the client side. The
// returned error wraps the shared sentinel for its code, so callers can use
// errors.Is against the same values the server does.
func ErrorFromResponse(resp Response) error {
	if resp.Status != StatusError {
		return nil
	}
	sentinel := sentinelFor(resp.Code)
	if sentinel == nil {
		return fmt.Errorf("server error: %s", resp.Message)
	}
	return fmt.Errorf("%w: %s", sentinel, resp.Message)
}

func sentinelFor(code string) error {
	switch code {
	case CodeBadRequest:
		return regionserver.ErrNilArgument
	case CodeRegionNotServing:
		return regionserver.ErrRegionNotServing
	case CodeRegionClosing:
		return transaction.ErrRegionClosing
	case CodeServerStopped:
		return regionserver.ErrServerStopped
	case CodeKeyOutOfRange:
		return regionserver.ErrKeyOutOfRange
	case CodeUnknownScanner:
		return regionserver.ErrUnknownScanner
	case CodeTxnExists:
		return transaction.ErrTxnAlreadyExists
	case CodeTxnNotFound:
		return transaction.ErrTxnNotFound
	case CodeTxnNotActive:
		return transaction.ErrTxnNotActive
	case CodeTxnNotPrepared:
		return transaction.ErrTxnNotPrepared
	default:
		return nil
	}
}
