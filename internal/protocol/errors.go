package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrDenied          = "E_DENIED"

	// Venue routing/availability.
	ErrVenueBusy        = "E_VENUE_BUSY"
	ErrVenueUnavailable = "E_VENUE_UNAVAILABLE"

	// Program layer.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrNoPermission  = "E_NO_PERMISSION"
	ErrNoResource    = "E_NO_RESOURCE"
	ErrInvalidTarget = "E_INVALID_TARGET"
	ErrRateLimit     = "E_RATE_LIMIT"
	ErrConflict      = "E_CONFLICT"
	ErrStale         = "E_STALE"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrDenied:           {},
	ErrVenueBusy:        {},
	ErrVenueUnavailable: {},
	ErrBadRequest:       {},
	ErrNoPermission:     {},
	ErrNoResource:       {},
	ErrInvalidTarget:    {},
	ErrRateLimit:        {},
	ErrConflict:         {},
	ErrStale:            {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
