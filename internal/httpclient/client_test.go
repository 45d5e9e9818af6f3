package httpclient

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	annaerrors "anna/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAllWithLimit(t *testing.T) {
	payload := []byte("hello")

	got, err := ReadAllWithLimit(bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = ReadAllWithLimit(bytes.NewReader(payload), 2)
	require.Error(t, err)
	assert.True(t, IsResponseTooLarge(err))

	got, err = ReadAllWithLimit(bytes.NewReader(payload), 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadErrorBodyTruncates(t *testing.T) {
	long := strings.Repeat("x", int(DefaultErrorBodyLimit)+10)
	assert.Len(t, ReadErrorBody(strings.NewReader(long)), int(DefaultErrorBodyLimit))
}

func TestCircuitBreakerClientOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewWithCircuitBreakerConfig(time.Second, nil, "provider", annaerrors.CircuitBreakerConfig{
		FailureThreshold: 2,
		Timeout:          time.Hour,
	})

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}

	_, err := client.Get(srv.URL)
	require.Error(t, err)
	assert.True(t, annaerrors.IsDegraded(err))
	assert.EqualValues(t, 2, hits.Load())
}

func TestCircuitBreakerClientPassesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := NewWithCircuitBreaker(time.Second, nil, "")
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
