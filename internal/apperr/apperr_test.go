package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, VFolderNotFound.HTTPStatus())
	assert.Equal(t, http.StatusConflict, VFolderAlreadyExists.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, InvalidToken.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, Unsupported.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, IO.HTTPStatus())
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("permission denied")
	err := Wrap(IO, "read_file", cause)
	require.Error(t, err)
	assert.Same(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "read_file")
}

func TestIsMatchesKindOnly(t *testing.T) {
	a := New(VFolderNotFound, "missing")
	b := New(VFolderNotFound, "different message")
	c := New(InvalidVolume, "missing")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestProblemDocument(t *testing.T) {
	err := New(TooLarge, "metadata exceeds 10MiB").WithDetail("limit_bytes", 10*1024*1024)
	problem := err.Problem()
	assert.Equal(t, "https://storage-proxy.backend.ai/problems/TooLarge", problem.Type)
	assert.Equal(t, "metadata exceeds 10MiB", problem.Title)
	assert.Equal(t, 10*1024*1024, problem.Data["limit_bytes"])
}

func TestOfDistinguishesPlainErrors(t *testing.T) {
	plain := errors.New("boom")
	assert.False(t, Of(plain, IO))
	assert.True(t, Of(New(IO, "boom"), IO))
}
