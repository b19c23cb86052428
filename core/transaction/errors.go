package transaction

import "errors"

// --- Error Definitions ---

var (
	ErrTxnAlreadyExists = errors.New("transaction already exists in table")
	ErrTxnNotFound      = errors.New("transaction not found")
	ErrTxnNotActive     = errors.New("transaction is not active")
	ErrTxnNotPrepared   = errors.New("transaction was never prepared for commit")
	ErrRegionClosing    = errors.New("region is closing, no new transactions allowed")
)
