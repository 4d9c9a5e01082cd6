package orcherr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsMessageFromTaxonomy(t *testing.T) {
	e := New("queue.Append", CodeQueueUnavailable, "", nil)
	assert.Equal(t, "queue unavailable", e.Message)
	assert.Equal(t, CodeQueueUnavailable, e.Code)
}

func TestNewCustomMessageOverridesDefault(t *testing.T) {
	e := New("registry.Validate", CodeInvalidParams, "field foo is required", nil)
	assert.Equal(t, "field foo is required", e.Message)
}

func TestErrorStringIncludesOpAndCause(t *testing.T) {
	cause := errors.New("boom")
	e := New("queue.Append", CodeQueueUnavailable, "", cause)
	assert.Contains(t, e.Error(), "queue.Append")
	assert.Contains(t, e.Error(), "boom")
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := New("op", CodeInternal, "", cause)
	assert.Same(t, cause, errors.Unwrap(e))
}

func TestIsMatchesWrappedCode(t *testing.T) {
	e := New("workerpool.process", CodeDeadlineExpired, "", nil)
	var wrapped error = e
	assert.True(t, Is(wrapped, CodeDeadlineExpired))
	assert.False(t, Is(wrapped, CodeWorkerFailed))
	assert.False(t, Is(errors.New("plain"), CodeDeadlineExpired))
}

func TestWithDataChains(t *testing.T) {
	e := New("op", CodeInvalidParams, "bad", nil).WithData(map[string]any{"field": "priority"})
	require.NotNil(t, e.Data)
	assert.Equal(t, "priority", e.Data["field"])
}

func TestHelperConstructors(t *testing.T) {
	assert.Equal(t, CodeInvalidParams, Invalid("op", "msg").Code)
	assert.Equal(t, CodeNotFound, NotFound("op", "msg").Code)
	assert.Equal(t, CodeInternal, Internal("op", errors.New("x")).Code)
}

func TestRetryableAndTerminal(t *testing.T) {
	assert.True(t, Retryable(New("op", CodeQueueUnavailable, "", nil)))
	assert.False(t, Retryable(New("op", CodeSandboxPolicyViolation, "", nil)))
	assert.False(t, Retryable(errors.New("plain")))

	assert.True(t, Terminal(New("op", CodeSandboxPolicyViolation, "", nil)))
	assert.True(t, Terminal(New("op", CodeDeadlineExpired, "", nil)))
	assert.False(t, Terminal(New("op", CodeQueueUnavailable, "", nil)))
}
