package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "tickd/pkg/logx"
)

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestEndpoints(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	p := Providers{
		Health: func() error {
			if !healthy.Load() {
				return errors.New("scheduler stalled")
			}
			return nil
		},
		Status: func(context.Context) (any, error) {
			return map[string]any{"state": "idle", "running": []int64{3}}, nil
		},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("tickd_up 1\n")) }),
	}
	s := New(Config{Pprof: true}, p, logx.Nop())
	srv := httptest.NewServer(s.Handler(Config{Pprof: true}))
	defer srv.Close()

	code, body := get(t, srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	healthy.Store(false)
	code, body = get(t, srv.URL+"/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Contains(t, body, "stalled")

	code, body = get(t, srv.URL+"/status", "")
	require.Equal(t, http.StatusOK, code)
	var st struct {
		State   string  `json:"state"`
		Running []int64 `json:"running"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	require.Equal(t, "idle", st.State)
	require.Equal(t, []int64{3}, st.Running)

	code, body = get(t, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "tickd_up 1")

	code, _ = get(t, srv.URL+"/debug/pprof/", "")
	require.Equal(t, http.StatusOK, code)
}

func TestTokenAuth(t *testing.T) {
	p := Providers{Status: func(context.Context) (any, error) { return "ok", nil }}
	cfg := Config{Token: "s3cret"}
	srv := httptest.NewServer(New(cfg, p, logx.Nop()).Handler(cfg))
	defer srv.Close()

	code, _ := get(t, srv.URL+"/status", "")
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, srv.URL+"/status", "wrong")
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, srv.URL+"/status", "s3cret")
	require.Equal(t, http.StatusOK, code)
	code, _ = get(t, srv.URL+"/status?token=s3cret", "")
	require.Equal(t, http.StatusOK, code)

	// Liveness stays open for probes.
	code, _ = get(t, srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, code)
	// pprof is off unless enabled.
	code, _ = get(t, srv.URL+"/debug/pprof/?token=s3cret", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestStartStopReconfigure(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Providers{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 3*time.Second, 5*time.Millisecond)

	code, _ := get(t, "http://"+s.Addr()+"/healthz", "")
	require.Equal(t, http.StatusOK, code)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	require.Empty(t, s.Addr())
	require.False(t, s.Enabled())
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Providers{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.5:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
