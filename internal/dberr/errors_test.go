package dberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassAndCodeExtraction(t *testing.T) {
	err := PoolExhausted("p1")

	cls, ok := ClassOf(err)
	require.True(t, ok)
	assert.Equal(t, ClassConnection, cls)
	assert.Equal(t, CodePoolExhausted, CodeOf(err))
	assert.True(t, IsConnection(err))
}

func TestExtractionThroughWrapping(t *testing.T) {
	inner := Syntax(errors.New("near SELECT"))
	wrapped := fmt.Errorf("dispatching: %w", inner)

	assert.True(t, HasClass(wrapped, ClassQuery))
	assert.Equal(t, CodeSyntax, CodeOf(wrapped))
	assert.False(t, IsConnection(wrapped))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := ConnectionFailed(cause)

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection/connection_failed")
}

func TestTimeoutPredicate(t *testing.T) {
	assert.True(t, IsTimeout(AcquireTimeout("p1")))
	assert.True(t, IsTimeout(QueryTimeout()))
	assert.False(t, IsTimeout(PoolExhausted("p1")))
}

func TestNotFoundPredicate(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("ghost")))
	assert.False(t, IsNotFound(PoolUnavailable("p1")))
}

func TestPlainErrorsCarryNoClass(t *testing.T) {
	_, ok := ClassOf(errors.New("plain"))
	assert.False(t, ok)
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestClassStrings(t *testing.T) {
	assert.Equal(t, "connection", ClassConnection.String())
	assert.Equal(t, "query", ClassQuery.String())
	assert.Equal(t, "config", ClassConfig.String())
	assert.Equal(t, "conversion", ClassConversion.String())
	assert.Equal(t, "monitoring", ClassMonitoring.String())
	assert.Equal(t, "runtime", ClassRuntime.String())
}
