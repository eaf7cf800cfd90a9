package retry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"forumminer/lib/throttle"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		Throttler: throttle.New(throttle.Options{
			Rate:            1000,
			Capacity:        100,
			DefaultCooldown: 10 * time.Millisecond,
		}),
	}
}

func attempt(client *resty.Client, url string) AttemptFunc {
	return func(ctx context.Context) (*resty.Response, error) {
		return client.R().SetContext(ctx).Get(url)
	}
}

func TestSucceedsFirstTry(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	res, err := Do(context.Background(), fastPolicy(3), attempt(resty.New(), srv.URL))
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode())
	require.EqualValues(t, 1, hits.Load())
}

func TestServerErrorRetriedThenSucceeds(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	res, err := Do(context.Background(), fastPolicy(3), attempt(resty.New(), srv.URL))
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode())
	require.EqualValues(t, 2, hits.Load())
}

func TestNotFoundIsFatalWithoutRetry(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Do(context.Background(), fastPolicy(3), attempt(resty.New(), srv.URL))
	var fatal *FatalStatusError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, 404, fatal.StatusCode)
	require.EqualValues(t, 1, hits.Load(), "a plain 4xx must burn exactly one attempt")
}

func TestRateLimitTriggersCooldown(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := fastPolicy(3)
	res, err := Do(context.Background(), p, attempt(resty.New(), srv.URL))
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode())
	require.EqualValues(t, 1, p.Throttler.Stats().Cooldowns)
}

func TestUnavailableTriggersCooldown(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := fastPolicy(3)
	_, err := Do(context.Background(), p, attempt(resty.New(), srv.URL))
	require.NoError(t, err)
	require.EqualValues(t, 1, p.Throttler.Stats().Cooldowns)
}

func TestTimeoutExhaustsAttemptBudget(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := resty.New().SetTimeout(20 * time.Millisecond)
	_, err := Do(context.Background(), fastPolicy(3), attempt(client, srv.URL))

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, ReasonTimeout, exhausted.Reason)
	require.Equal(t, 4, exhausted.Attempts, "max_retries=3 means 1 initial + 3 retries")
	require.EqualValues(t, 4, hits.Load())
}

func TestConnectionRefusedClassifiedAsNetwork(t *testing.T) {
	// grab a port nothing listens on
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := Do(context.Background(), fastPolicy(1), attempt(resty.New(), url))
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, ReasonNetwork, exhausted.Reason)
	require.Equal(t, 2, exhausted.Attempts)
}

func TestPersistentServerErrorExhausts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := Do(context.Background(), fastPolicy(2), attempt(resty.New(), srv.URL))
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, ReasonServerError, exhausted.Reason)
	require.Equal(t, 3, exhausted.Attempts)
}

func TestCancellationAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, fastPolicy(5), attempt(resty.New(), srv.URL))
	require.ErrorIs(t, err, context.Canceled)
}
