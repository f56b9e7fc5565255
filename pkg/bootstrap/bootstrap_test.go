package bootstrap

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestStart_ServesExtraAndStopsOnCancel(t *testing.T) {
	addr := freeAddr(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})

	ctx, cancel := context.WithCancel(context.Background())
	servers := Start(ctx, Options{Extra: []Server{{Name: "test", Addr: addr, Handler: mux}}})

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/ping")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return true
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "pong", body)

	cancel()
	assert.NoError(t, servers.Wait())
}

func TestStart_NothingConfigured(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	servers := Start(ctx, Options{})
	cancel()
	assert.NoError(t, servers.Wait())
}
