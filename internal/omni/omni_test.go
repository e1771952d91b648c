package omni

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsTemporary(t *testing.T) {
	cases := []struct {
		err  *Error
		want bool
	}{
		{&Error{Kind: ErrConnection}, true},
		{&Error{Kind: ErrServer}, true},
		{&Error{Kind: ErrRateLimit}, true},
		{&Error{Kind: ErrQueryPolling}, true},
		{&Error{Kind: ErrAPI, StatusCode: 500}, true},
		{&Error{Kind: ErrAPI, StatusCode: 503}, true},
		{&Error{Kind: ErrAPI, StatusCode: 404}, false},
		{&Error{Kind: ErrAPI, StatusCode: 400}, false},
		{&Error{Kind: ErrQueryTimeout}, false},
		{&Error{Kind: ErrAuthentication}, false},
		{&Error{Kind: ErrQuery}, false},
		{&Error{Kind: ErrConfig}, false},
		{&Error{Kind: ErrValidation}, false},
		{&Error{Kind: ErrNotFound}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.IsTemporary(), "%v", tc.err)
	}
}

func TestError_RetryDelay(t *testing.T) {
	delay, ok := (&Error{Kind: ErrRateLimit}).RetryDelay()
	require.True(t, ok)
	assert.Equal(t, 60, delay)

	delay, ok = (&Error{Kind: ErrServer}).RetryDelay()
	require.True(t, ok)
	assert.Equal(t, 5, delay)

	delay, ok = (&Error{Kind: ErrQueryPolling}).RetryDelay()
	require.True(t, ok)
	assert.Equal(t, 5, delay)

	_, ok = (&Error{Kind: ErrQueryTimeout}).RetryDelay()
	assert.False(t, ok)
}

func TestRetryPolicy_RetriesTemporary(t *testing.T) {
	policy := RetryPolicy{Config: RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		BackoffMultiplier: 2,
	}}

	calls := 0
	err := policy.Execute(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return &Error{Kind: ErrConnection, Message: "refused"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_PermanentFailsFast(t *testing.T) {
	policy := RetryPolicy{Config: DefaultRetryConfig()}
	calls := 0
	err := policy.Execute(context.Background(), "op", func() error {
		calls++
		return &Error{Kind: ErrQuery, Message: "bad fields"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_NonOmniErrorsDoNotRetry(t *testing.T) {
	policy := RetryPolicy{Config: DefaultRetryConfig()}
	calls := 0
	err := policy.Execute(context.Background(), "op", func() error {
		calls++
		return errors.New("plain failure")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestClient_SubmitAndPoll(t *testing.T) {
	var polls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/queries":
			assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
			w.Write([]byte(`{"job_id": "j1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/queries/j1":
			if polls.Add(1) < 3 {
				w.Write([]byte(`{"status": "running"}`))
				return
			}
			w.Write([]byte(`{"status": "completed", "result": {"columns": ["n"], "rows": [[1]]}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL:      server.URL,
		Token:        "token-1",
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)

	result, err := client.RunQuery(context.Background(), QueryRequest{Topic: "sales"})
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, result.Columns)
	require.Len(t, result.Rows, 1)
	assert.GreaterOrEqual(t, polls.Load(), int64(3))
}

func TestClient_JobFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"job_id": "j1"}`))
			return
		}
		w.Write([]byte(`{"status": "failed", "error": "syntax"}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, PollInterval: time.Millisecond})
	require.NoError(t, err)

	_, err = client.RunQuery(context.Background(), QueryRequest{Topic: "t"})
	require.Error(t, err)
	var omniErr *Error
	require.ErrorAs(t, err, &omniErr)
	assert.Equal(t, ErrQuery, omniErr.Kind)
}

func TestClient_QueryDeadlineIsPermanentTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"job_id": "j1"}`))
			return
		}
		w.Write([]byte(`{"status": "running"}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL:       server.URL,
		PollInterval:  time.Millisecond,
		QueryDeadline: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = client.RunQuery(context.Background(), QueryRequest{Topic: "t"})
	require.Error(t, err)
	var omniErr *Error
	require.ErrorAs(t, err, &omniErr)
	assert.Equal(t, ErrQueryTimeout, omniErr.Kind)
	assert.False(t, omniErr.IsTemporary())
}

func TestClient_StatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, ErrAuthentication},
		{http.StatusForbidden, ErrAuthentication},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrRateLimit},
		{http.StatusInternalServerError, ErrServer},
		{http.StatusTeapot, ErrAPI},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		client, err := NewClient(Config{BaseURL: server.URL})
		require.NoError(t, err)
		_, err = client.RunQuery(context.Background(), QueryRequest{Topic: "t"})
		require.Error(t, err)
		var omniErr *Error
		require.ErrorAs(t, err, &omniErr, "status %d", tc.status)
		assert.Equal(t, tc.want, omniErr.Kind, "status %d", tc.status)
		server.Close()
	}
}
