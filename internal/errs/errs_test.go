package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(E(KindNotFound, "missing")))
	assert.Equal(t, KindBadRequest, KindOf(fmt.Errorf("outer: %w", E(KindBadRequest, "bad"))))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("fetch: %w", context.Canceled)))
	assert.Equal(t, KindProcessingFailure, KindOf(errors.New("plain")))
}

func TestWrapPreservesChain(t *testing.T) {
	inner := errors.New("connection refused")
	err := Wrap(inner, KindUnavailable, "index unreachable")

	require.ErrorIs(t, err, inner)
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.Contains(t, err.Error(), "index unreachable")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithDetail(t *testing.T) {
	err := E(KindCorruptArtifact, "digest mismatch").
		WithDetail("expected", "abc").
		WithDetail("actual", "def")

	assert.Equal(t, "abc", err.Details["expected"])
	assert.Equal(t, "def", err.Details["actual"])
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:          http.StatusNotFound,
		KindBadRequest:        http.StatusBadRequest,
		KindConflict:          http.StatusConflict,
		KindRateLimited:       http.StatusTooManyRequests,
		KindTimeout:           http.StatusServiceUnavailable,
		KindUnavailable:       http.StatusServiceUnavailable,
		KindCorruptArtifact:   http.StatusInternalServerError,
		KindProcessingFailure: http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), string(kind))
	}
}

func TestIsKind(t *testing.T) {
	err := Ef(KindConflict, "instance %s already indexed", "1.2.3")
	assert.True(t, IsKind(err, KindConflict))
	assert.False(t, IsKind(err, KindNotFound))
}
