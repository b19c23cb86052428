package regionserver

import "errors"

// --- Error Definitions ---

var (
	ErrRegionNotServing  = errors.New("region is not serving")
	ErrRegionAlreadyOpen = errors.New("region is already open on this server")
	ErrServerStopped     = errors.New("region server is stopped")
	ErrNilArgument       = errors.New("required argument is nil or empty")
	ErrKeyOutOfRange     = errors.New("key is outside the region's range")
	ErrUnknownScanner    = errors.New("unknown scanner")
	ErrBadSplitKey       = errors.New("split key must fall strictly inside the region's range")
)
