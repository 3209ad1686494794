package auth

import "errors"

// Sentinel errors returned by Authenticate. Handlers dispatch on these with
// errors.Is; every one of them maps to an unauthorized response.
var (
	// ErrMissingHeader indicates a required authentication header was
	// absent or empty. The offending header name is appended to the
	// message.
	ErrMissingHeader = errors.New("auth: missing required header")
	// ErrUnknownAPIKey indicates the presented key identifier is not
	// configured.
	ErrUnknownAPIKey = errors.New("auth: unknown api key")
	// ErrBadTimestamp indicates the timestamp header did not parse as unix
	// seconds.
	ErrBadTimestamp = errors.New("auth: malformed timestamp")
	// ErrTimestampSkew indicates the request timestamp falls outside the
	// allowed drift from server time.
	ErrTimestampSkew = errors.New("auth: timestamp outside allowed skew")
	// ErrTimestampReplay indicates the timestamp did not increase relative
	// to the caller's previous request inside the skew window.
	ErrTimestampReplay = errors.New("auth: timestamp not increasing")
	// ErrInvalidSignature indicates the HMAC did not match the request.
	ErrInvalidSignature = errors.New("auth: signature mismatch")
	// ErrNonceReplay indicates the timestamp and nonce pair was already
	// used by this API key.
	ErrNonceReplay = errors.New("auth: nonce already used")
	// ErrBodyTooLarge indicates the request body exceeds the signable
	// limit.
	ErrBodyTooLarge = errors.New("auth: body exceeds signable size")
)
