// Package exception holds the sentinel errors shared across the engine's outer surfaces.
// Callers wrap them with detail and match with errors.Is.
package exception

import "github.com/yanun0323/errors"

var ErrNilInstance = errors.New("nil instance")

// Order entry
var (
	ErrOrderInvalidRequest    = errors.New("order: invalid request")
	ErrOrderUnsupportedAction = errors.New("order: unsupported action")
	ErrOrderNotFound          = errors.New("order: not found")
	ErrUnknownInstrument      = errors.New("order: unknown instrument")
)

// Sockets
var (
	ErrSocketPathEmpty = errors.New("socket: empty path")
	ErrSocketNotSocket = errors.New("socket: path exists and is not a socket")
	ErrSocketBusy      = errors.New("socket: session limit reached")
)
