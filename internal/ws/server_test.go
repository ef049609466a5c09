package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/repo2gpt/server/internal/broker"
	"github.com/repo2gpt/server/internal/job"
	"github.com/repo2gpt/server/internal/stream"
)

type fixture struct {
	store  *job.Store
	broker *broker.Broker
	server *Server
	url    string
}

func newFixture(t *testing.T, keepAlive time.Duration) *fixture {
	t.Helper()
	p, err := job.NewFilePersister(t.TempDir())
	require.NoError(t, err)
	store, err := job.NewStore(p)
	require.NoError(t, err)
	b := broker.New()

	s := NewServer(stream.New(store, b, keepAlive), nil)
	r := chi.NewRouter()
	r.Get("/jobs/{id}/ws", s.HandleJob)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{
		store:  store,
		broker: b,
		server: s,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (f *fixture) emit(t *testing.T, id string, data map[string]any) {
	t.Helper()
	e, err := f.store.AppendEvent(id, job.EventStatus, "", data)
	require.NoError(t, err)
	f.broker.Publish(id, e)
}

func TestHandleJob_ReplayTailAndClose(t *testing.T) {
	f := newFixture(t, time.Hour)
	j, err := f.store.Create(nil)
	require.NoError(t, err)
	f.emit(t, j.ID, map[string]any{"status": "pending"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.url+"/jobs/"+j.ID+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ack AckMessage
	require.NoError(t, wsjson.Read(ctx, conn, &ack))
	assert.Equal(t, "ack", ack.Type)
	assert.Equal(t, j.ID, ack.JobID)
	assert.NotEmpty(t, ack.ConnectionID)

	var first EventMessage
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, 1, first.Event.ID)
	assert.Equal(t, 1, f.server.Connections())

	f.emit(t, j.ID, map[string]any{"status": "running"})
	f.emit(t, j.ID, map[string]any{"status": "failed"})

	var second, third EventMessage
	require.NoError(t, wsjson.Read(ctx, conn, &second))
	require.NoError(t, wsjson.Read(ctx, conn, &third))
	assert.Equal(t, 2, second.Event.ID)
	assert.Equal(t, 3, third.Event.ID)
	assert.True(t, third.Event.Terminal())

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	assert.Eventually(t, func() bool { return f.server.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.broker.Jobs())
}

func TestHandleJob_Heartbeat(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	j, err := f.store.Create(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.url+"/jobs/"+j.ID+"/ws", nil)
	require.NoError(t, err)

	var ack AckMessage
	require.NoError(t, wsjson.Read(ctx, conn, &ack))

	var hb HeartbeatMessage
	require.NoError(t, wsjson.Read(ctx, conn, &hb))
	assert.Equal(t, "heartbeat", hb.Type)

	conn.Close(websocket.StatusNormalClosure, "bye")
	assert.Eventually(t, func() bool { return f.broker.Jobs() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandleJob_UnknownJob(t *testing.T) {
	f := newFixture(t, time.Hour)

	resp, err := http.Get("http" + strings.TrimPrefix(f.url, "ws") + "/jobs/missing/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
