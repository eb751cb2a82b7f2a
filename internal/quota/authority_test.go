package quota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchQuotaParsesEnvelope(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/users/u1/quota", r.URL.Path)
		require.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{
			"quotaLimit": 1000,
			"quotaRemaining": 250,
			"subscriptionTier": "pro",
			"quotaResetDate": "2025-07-01T00:00:00Z"
		}`))
	}))
	defer srv.Close()

	a := NewHTTPAuthority(srv.URL, &stubClock{now: time.Now().UTC()})
	info, err := a.FetchQuota(context.Background(), "u1", "tok-123")
	require.NoError(t, err)
	require.Equal(t, int64(1000), info.Total)
	require.Equal(t, int64(250), info.Remaining)
	require.Equal(t, "pro", info.Plan)
	require.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), info.ResetDate)
}

func TestFetchQuotaMissingFieldsDefaultToZero(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	a := NewHTTPAuthority(srv.URL, &stubClock{now: time.Now().UTC()})
	info, err := a.FetchQuota(context.Background(), "u1", "tok")
	require.NoError(t, err)
	require.Zero(t, info.Total)
	require.Zero(t, info.Remaining)
	require.Empty(t, info.Plan)
}

func TestFetchQuotaDerivesRemainingFromUsed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"quotaLimit": 100, "quotaUsed": 30}`))
	}))
	defer srv.Close()

	a := NewHTTPAuthority(srv.URL, &stubClock{now: time.Now().UTC()})
	info, err := a.FetchQuota(context.Background(), "u1", "tok")
	require.NoError(t, err)
	require.Equal(t, int64(70), info.Remaining)
}

func TestFetchQuotaNormalizesRemaining(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"quotaLimit": 100, "quotaRemaining": 5000}`))
	}))
	defer srv.Close()

	a := NewHTTPAuthority(srv.URL, &stubClock{now: time.Now().UTC()})
	info, err := a.FetchQuota(context.Background(), "u1", "tok")
	require.NoError(t, err)
	require.Equal(t, int64(100), info.Remaining)
}

func TestFetchQuotaRejectsNonSuccessStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewHTTPAuthority(srv.URL, &stubClock{now: time.Now().UTC()})
	_, err := a.FetchQuota(context.Background(), "u1", "tok")
	require.Error(t, err)
}
