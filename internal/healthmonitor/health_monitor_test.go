package healthmonitor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return *u
}

func TestHealthMonitorHTTPHealthyAndUnhealthy(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer unhealthy.Close()

	ctx := context.Background()
	hm, err := NewHealthMonitor(ctx,
		WithCheckInterval(50*time.Millisecond),
		WithHealthyThreshold(1),
		WithUnhealthyThreshold(1),
	)
	require.NoError(t, err)

	hm.Add(
		NewBackend(0, mustParse(t, healthy.URL), HTTP),
		NewBackend(1, mustParse(t, unhealthy.URL), HTTP),
	)
	require.NoError(t, hm.Start())
	defer hm.Stop()

	assert.Eventually(t, func() bool { return hm.IsHealthy(0) }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return !hm.IsHealthy(1) }, time.Second, 10*time.Millisecond)
}

func TestHealthMonitorTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	ctx := context.Background()
	hm, err := NewHealthMonitor(ctx, WithCheckInterval(50*time.Millisecond), WithHealthyThreshold(1))
	require.NoError(t, err)

	u := url.URL{Scheme: "tcp", Host: ln.Addr().String()}
	hm.Add(NewBackend(0, u, TCP))
	require.NoError(t, hm.Start())
	defer hm.Stop()

	assert.Eventually(t, func() bool { return hm.IsHealthy(0) }, time.Second, 10*time.Millisecond)
}

func TestHealthMonitorChannels(t *testing.T) {
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer unhealthy.Close()

	ctx := context.Background()
	hm, err := NewHealthMonitor(ctx,
		WithCheckInterval(50*time.Millisecond),
		WithUnhealthyThreshold(1),
		EnableHealthyChannel(),
		EnableUnhealthyChannel(),
	)
	require.NoError(t, err)

	hm.Add(NewBackend(0, mustParse(t, unhealthy.URL), HTTP))
	require.NoError(t, hm.Start())
	defer hm.Stop()

	unhealthyChan, err := hm.EnterUnhealthyChan()
	require.NoError(t, err)

	select {
	case noti := <-unhealthyChan:
		assert.Equal(t, 0, noti.Index)
		assert.False(t, noti.Healthy)
	case <-time.After(time.Second):
		t.Fatal("expected unhealthy notification")
	}
}

func TestHealthMonitorAddRemove(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	hm, err := NewHealthMonitor(ctx, WithCheckInterval(time.Minute))
	require.NoError(t, err)

	b := NewBackend(3, mustParse(t, srv.URL), HTTP)
	hm.Add(b)
	assert.Equal(t, 1, hm.Size())

	hm.Remove(b)
	assert.Equal(t, 0, hm.Size())
	assert.False(t, hm.IsHealthy(3))
}

func TestHealthMonitorProbeFanoutBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	hm, err := NewHealthMonitor(ctx, WithProbeFanout(2))
	require.NoError(t, err)

	impl := hm.(*healthMonitorImpl)
	for i := 0; i < 5; i++ {
		hm.Add(NewBackend(i, mustParse(t, srv.URL), HTTP))
	}

	impl.backendsMtx.Lock()
	targets := impl.selectProbeTargets()
	impl.backendsMtx.Unlock()
	assert.LessOrEqual(t, len(targets), 2)
}
