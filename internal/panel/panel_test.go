package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/banhammer/internal/config"
)

func panelServer(t *testing.T, users []panelUser) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "127.0.0.1", r.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "https", r.Header.Get("X-Forwarded-Proto"))

		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))
		end := start + size
		if end > len(users) {
			end = len(users)
		}
		var page []panelUser
		if start < len(users) {
			page = users[start:end]
		}

		var resp usersResponse
		resp.Response.Users = page
		resp.Response.Total = len(users)
		json.NewEncoder(w).Encode(resp)
	}))
}

func testConfig(url string, pageSize int) config.PanelConfig {
	return config.PanelConfig{
		URL:                 url,
		Token:               "test-token",
		ReloadSeconds:       60,
		FetchTimeoutSeconds: 5,
		PageSize:            pageSize,
	}
}

func intPtr(n int) *int { return &n }

func TestFetchAllPaginates(t *testing.T) {
	users := make([]panelUser, 7)
	for i := range users {
		users[i] = panelUser{
			Email:           fmt.Sprintf("user%d@x", i),
			HWIDDeviceLimit: intPtr(i),
		}
	}
	srv := panelServer(t, users)
	defer srv.Close()

	client := NewClient(testConfig(srv.URL, 3))
	got, err := client.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 7)
	assert.Equal(t, "user0@x", got[0].Email)
	assert.Equal(t, 6, got[6].DeviceLimit)
}

func TestFetchAllMissingLimitMeansUnlimited(t *testing.T) {
	srv := panelServer(t, []panelUser{
		{Email: "nolimit@x"},
		{Email: "capped@x", HWIDDeviceLimit: intPtr(2)},
		{Username: "no-email-skipped"},
	})
	defer srv.Close()

	client := NewClient(testConfig(srv.URL, 500))
	got, err := client.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].DeviceLimit)
	assert.Equal(t, 2, got[1].DeviceLimit)
}

func TestFetchAllAuthFailure(t *testing.T) {
	srv := panelServer(t, nil)
	defer srv.Close()

	cfg := testConfig(srv.URL, 500)
	cfg.Token = "wrong"
	client := NewClient(cfg)

	_, err := client.FetchAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestCacheRefreshAndLookup(t *testing.T) {
	srv := panelServer(t, []panelUser{
		{Email: "alice@x", Username: "alice", HWIDDeviceLimit: intPtr(3), TelegramID: 42},
	})
	defer srv.Close()

	cfg := testConfig(srv.URL, 500)
	cache := NewCache(NewClient(cfg), cfg)

	// Before the first fetch everything is unknown
	assert.False(t, cache.Loaded())
	_, known := cache.DeviceLimit("alice@x")
	assert.False(t, known)

	require.NoError(t, cache.Refresh(context.Background()))
	assert.True(t, cache.Loaded())
	assert.Equal(t, 1, cache.Size())

	limit, known := cache.DeviceLimit("alice@x")
	assert.True(t, known)
	assert.Equal(t, 3, limit)

	u, ok := cache.Lookup("alice@x")
	require.True(t, ok)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, int64(42), u.TelegramID)

	_, known = cache.DeviceLimit("stranger@x")
	assert.False(t, known)
}

func TestCacheKeepsMissingEntryStaleForOnePull(t *testing.T) {
	var mu sync.Mutex
	users := []panelUser{
		{Email: "alice@x", HWIDDeviceLimit: intPtr(3)},
		{Email: "bob@x", HWIDDeviceLimit: intPtr(1)},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		var resp usersResponse
		resp.Response.Users = users
		resp.Response.Total = len(users)
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, 500)
	cache := NewCache(NewClient(cfg), cfg)
	require.NoError(t, cache.Refresh(context.Background()))
	require.Equal(t, 2, cache.Size())

	// Bob drops out of one pull; his entry survives marked stale and his
	// limit still resolves.
	mu.Lock()
	users = users[:1]
	mu.Unlock()
	require.NoError(t, cache.Refresh(context.Background()))

	u, ok := cache.Lookup("bob@x")
	require.True(t, ok)
	assert.True(t, u.Stale)
	limit, known := cache.DeviceLimit("bob@x")
	assert.True(t, known)
	assert.Equal(t, 1, limit)

	// Missing from a second consecutive pull drops him for real.
	require.NoError(t, cache.Refresh(context.Background()))
	_, ok = cache.Lookup("bob@x")
	assert.False(t, ok)
	assert.Equal(t, 1, cache.Size())

	// Reappearing clears the stale flag rather than re-dropping.
	mu.Lock()
	users = append(users, panelUser{Email: "bob@x", HWIDDeviceLimit: intPtr(1)})
	mu.Unlock()
	require.NoError(t, cache.Refresh(context.Background()))
	u, ok = cache.Lookup("bob@x")
	require.True(t, ok)
	assert.False(t, u.Stale)
}

func TestCacheKeepsSnapshotOnFetchFailure(t *testing.T) {
	srv := panelServer(t, []panelUser{{Email: "alice@x", HWIDDeviceLimit: intPtr(1)}})

	cfg := testConfig(srv.URL, 500)
	cfg.FetchTimeoutSeconds = 1 // keep the retry backoff short
	cache := NewCache(NewClient(cfg), cfg)
	require.NoError(t, cache.Refresh(context.Background()))
	srv.Close()

	// The panel is down; the previous snapshot stays in place.
	err := cache.Refresh(context.Background())
	require.Error(t, err)
	limit, known := cache.DeviceLimit("alice@x")
	assert.True(t, known)
	assert.Equal(t, 1, limit)
}
