// Package errs defines the error kinds surfaced by the Kodik client.
//
// Callers are expected to classify failures with errors.Is against the
// sentinels below; wrapped context added along the way does not change
// the kind.
package errs

import (
	"errors"
)

var (
	// ErrNetwork indicates a transport-level failure (timeout, non-2xx,
	// connection refused). Retryable with backoff.
	ErrNetwork = errors.New("network error")
	// ErrParse indicates an expected marker or field was absent from
	// scraped content. Not retryable.
	ErrParse = errors.New("parse error")
	// ErrDecryptionFailed indicates every rotation candidate was rejected
	// while decoding an obfuscated URL. Not retryable.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrTokenInvalid indicates a token failed the format check; callers
	// force a refresh at most once per call chain.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrQuotaExceeded indicates a durable cache tier refused a write.
	// Handled internally by the cache, never surfaced to API callers.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrNotFound indicates a lookup matched nothing (cache miss,
	// unknown translation, missing episode).
	ErrNotFound = errors.New("not found")
)

// Retryable reports whether err is worth retrying with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
