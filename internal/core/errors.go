package core

import "errors"

// Entry points report failures through these sentinels so embedders can
// switch on errors.Is. Packet-level and parameter-level failures are
// recoverable; the fatal tier means the call failed wholesale but the node
// itself decides nothing: tearing it down is the host's choice.
var (
	ErrBadParameter    = errors.New("bad parameter")
	ErrPacketInvalid   = errors.New("packet invalid")
	ErrNetworkNotFound = errors.New("network not found")
	ErrInternal        = errors.New("fatal internal error")
	ErrDataStoreFailed = errors.New("data store operation failed")
)
