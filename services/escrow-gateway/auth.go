package main

import (
	"encoding/hex"
	"net/http"

	gatewayauth "custos/gateway/auth"
)

const (
	headerAPIKey    = gatewayauth.HeaderAPIKey
	headerTimestamp = gatewayauth.HeaderTimestamp
	headerNonce     = gatewayauth.HeaderNonce
	headerSignature = gatewayauth.HeaderSignature
	maxBodyForSig   = gatewayauth.MaxBodyForSignature
)

// Principal represents an authenticated API client.
type Principal = gatewayauth.Principal

// Authenticator verifies API key + HMAC signatures on incoming requests.
type Authenticator = gatewayauth.Authenticator

// NoncePersistence mirrors the durable nonce store interface so main can wire
// the LevelDB implementation without importing the auth package twice.
type NoncePersistence = gatewayauth.NoncePersistence

func newAuthenticator(cfg Config, persistence NoncePersistence) *Authenticator {
	opts := []gatewayauth.Option{
		gatewayauth.WithTimestampSkew(cfg.AllowedTimestampSkew),
		gatewayauth.WithNonceTTL(cfg.NonceTTL),
		gatewayauth.WithNonceCapacity(cfg.NonceCapacity),
	}
	if persistence != nil {
		opts = append(opts, gatewayauth.WithPersistence(persistence))
	}
	return gatewayauth.NewAuthenticator(cfg.SecretsByKey(), opts...)
}

func canonicalRequestPath(r *http.Request) string {
	return gatewayauth.CanonicalRequestPath(r)
}

func computeSignature(secret, timestamp, nonce, method, path string, body []byte) string {
	sig := gatewayauth.ComputeSignature(secret, timestamp, nonce, method, path, body)
	return hex.EncodeToString(sig)
}
