package errs_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/kodikgo/kodik/internal/errs"
)

func TestRetryable(t *testing.T) {
	assert.True(t, errs.Retryable(errs.ErrNetwork))
	assert.False(t, errs.Retryable(errs.ErrParse))
	assert.False(t, errs.Retryable(errs.ErrDecryptionFailed))
	assert.False(t, errs.Retryable(errs.ErrTokenInvalid))
	assert.False(t, errs.Retryable(nil))
}

func TestRetryableSurvivesWrapping(t *testing.T) {
	wrapped := errors.Wrap(errs.ErrNetwork, "fetching embed page")
	assert.True(t, errs.Retryable(wrapped))
	assert.True(t, errors.Is(wrapped, errs.ErrNetwork))

	parse := errors.Wrap(errs.ErrParse, "token marker missing")
	assert.False(t, errs.Retryable(parse))
}
