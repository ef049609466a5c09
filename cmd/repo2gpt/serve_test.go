package main

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPServer_ShutdownEndsOpenStreams(t *testing.T) {
	ended := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(": open\n\n"))
		http.NewResponseController(w).Flush()
		<-r.Context().Done()
		close(ended)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := newHTTPServer(ln.Addr().String(), handler)
	go server.Serve(ln)

	resp, err := http.Get("http://" + ln.Addr().String() + "/jobs/x/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": open\n", line)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, server.Shutdown(ctx))
	assert.Less(t, time.Since(start), 4*time.Second)

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("stream handler did not observe shutdown")
	}
}
