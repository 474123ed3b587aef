package protocol

import "errors"

// ErrorKind is the engine error taxonomy carried on error events.
type ErrorKind string

const (
	// ErrorKindNoActiveChannel rejects overlay mutation while no host session is registered.
	ErrorKindNoActiveChannel ErrorKind = "no_active_channel"
	// ErrorKindForbidden rejects host-only actions attempted by a viewer.
	ErrorKindForbidden ErrorKind = "forbidden"
	// ErrorKindInvalidSlot rejects updates naming an unknown overlay slot.
	ErrorKindInvalidSlot ErrorKind = "invalid_slot"
	// ErrorKindTransportError marks send/receive failures; always handled by
	// the connection manager's reconnect machinery, never surfaced to callers.
	ErrorKindTransportError ErrorKind = "transport_error"
	// ErrorKindChannelFull rejects joins beyond the configured channel capacity.
	ErrorKindChannelFull ErrorKind = "channel_full"
	// ErrorKindInternal covers everything else (store failures etc.).
	ErrorKindInternal ErrorKind = "internal"
)

var (
	ErrNoActiveChannel = errors.New("no active channel")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidSlot     = errors.New("invalid overlay slot")
	ErrChannelFull     = errors.New("channel full")
	ErrNotFound        = errors.New("not found")
)

// KindOf maps an engine error to its wire error kind.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrNoActiveChannel):
		return ErrorKindNoActiveChannel
	case errors.Is(err, ErrForbidden):
		return ErrorKindForbidden
	case errors.Is(err, ErrInvalidSlot):
		return ErrorKindInvalidSlot
	case errors.Is(err, ErrChannelFull):
		return ErrorKindChannelFull
	default:
		return ErrorKindInternal
	}
}
