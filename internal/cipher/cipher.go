// Package cipher recovers manifest URLs from the obfuscated tokens the
// video host returns in its link table.
//
// The host encodes a URL by base64-encoding it, rotating every ASCII
// letter of the base64 text by a fixed offset, and stripping the
// padding. The offset changes between player builds, so decoding is a
// brute force over the 26 possible rotations: a candidate is accepted
// only when the decoded bytes contain the HLS manifest marker.
package cipher

import (
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"

	"github.com/kodikgo/kodik/internal/errs"
)

// ManifestMarker is the literal substring that identifies a correctly
// decoded manifest URL. A decode without it is a rejected candidate.
const ManifestMarker = "mp4:hls:manifest"

const alphabetSize = 26

// Resolve brute-forces the rotation offset and returns the decoded
// manifest URL. It returns errs.ErrDecryptionFailed when none of the
// 26 candidates yields the marker.
func Resolve(obfuscated string) (string, error) {
	if obfuscated == "" {
		return "", errors.Wrap(errs.ErrDecryptionFailed, "empty input")
	}
	for r := 0; r < alphabetSize; r++ {
		candidate := rotate(obfuscated, r)
		decoded, err := decodeBase64(candidate)
		if err != nil {
			// Malformed base64 just means a wrong offset.
			continue
		}
		if strings.Contains(decoded, ManifestMarker) {
			return decoded, nil
		}
	}
	return "", errors.Wrapf(errs.ErrDecryptionFailed, "no rotation of %d-char token decodes to a manifest URL", len(obfuscated))
}

// IsDecoded reports whether s already is a decoded manifest URL and
// needs no cipher pass.
func IsDecoded(s string) bool {
	return strings.Contains(s, ManifestMarker)
}

// rotate shifts every ASCII letter of s back by r positions, preserving
// case. Non-letters pass through untouched, which keeps the base64
// digits, '+', '/' and '=' stable.
func rotate(s string, r int) string {
	if r == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
			c = 'a' + (c-'a'+byte(alphabetSize-r))%alphabetSize
		case c >= 'A' && c <= 'Z':
			c = 'A' + (c-'A'+byte(alphabetSize-r))%alphabetSize
		}
		b.WriteByte(c)
	}
	return b.String()
}

// decodeBase64 restores stripped '=' padding and decodes s.
func decodeBase64(s string) (string, error) {
	if pad := (4 - len(s)%4) % 4; pad > 0 {
		s += strings.Repeat("=", pad)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
