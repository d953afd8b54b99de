package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/sitechat/internal/models"
	"github.com/xhad/sitechat/internal/session"
	"github.com/xhad/sitechat/internal/types"
	"github.com/xhad/sitechat/pkg/metrics"
	"github.com/xhad/sitechat/server"
)

type stubFetcher struct{}

func (stubFetcher) Probe(context.Context, string) error { return nil }

func (stubFetcher) Fetch(_ context.Context, url string) ([]models.Document, error) {
	return []models.Document{{URL: url, Title: "Gophers", Content: "Gophers dig tunnels."}}, nil
}

type stubChunker struct{}

func (stubChunker) Process(docs []models.Document) ([]models.Chunk, error) {
	chunks := make([]models.Chunk, len(docs))
	for i, doc := range docs {
		chunks[i] = models.Chunk{Index: i, URL: doc.URL, Text: doc.Content}
	}
	return chunks, nil
}

type stubIndex struct {
	mu     sync.Mutex
	chunks map[string][]models.Chunk
}

func (x *stubIndex) Store(_ context.Context, ns string, chunks []models.Chunk) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.chunks[ns] = chunks
	return nil
}

func (x *stubIndex) Query(_ context.Context, ns, _ string, _ int) ([]models.Chunk, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.chunks[ns], nil
}

func (x *stubIndex) Delete(_ context.Context, ns string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.chunks, ns)
	return nil
}

func (x *stubIndex) Close() {}

type stubAnswerer struct{}

func (stubAnswerer) Condense(_ context.Context, _ []models.Turn, q string) (string, error) {
	return q, nil
}

func (stubAnswerer) Complete(_ context.Context, req models.CompletionRequest) (string, error) {
	if req.Stream != nil {
		req.Stream("They dig ")
		req.Stream("tunnels.")
	}
	return "They dig tunnels.", nil
}

type reply struct {
	Type    string          `json:"type"`
	Content string          `json:"content"`
	Data    json.RawMessage `json:"data"`
}

// emptyAnswerer streams part of an answer and then produces nothing usable.
type emptyAnswerer struct{ stubAnswerer }

func (emptyAnswerer) Complete(_ context.Context, req models.CompletionRequest) (string, error) {
	if req.Stream != nil {
		req.Stream("They dig")
	}
	return "   ", nil
}

func newManager(t *testing.T, answerer types.Answerer) (*session.Manager, *stubIndex, *prometheus.Registry) {
	t.Helper()
	index := &stubIndex{chunks: map[string][]models.Chunk{}}
	reg := prometheus.NewRegistry()
	manager, err := session.NewManager(session.Dependencies{
		Fetcher:  stubFetcher{},
		Chunker:  stubChunker{},
		Index:    index,
		Answerer: answerer,
	}, session.Config{Metrics: metrics.New(reg)})
	require.NoError(t, err)
	t.Cleanup(manager.Wait)
	return manager, index, reg
}

func newTestServerWith(t *testing.T, streaming bool, answerer types.Answerer) (*httptest.Server, *stubIndex) {
	t.Helper()
	manager, index, reg := newManager(t, answerer)
	srv := server.NewWSServer(manager, server.Config{Streaming: streaming, Gatherer: reg})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, index
}

func newTestServer(t *testing.T, streaming bool) (*httptest.Server, *stubIndex) {
	t.Helper()
	return newTestServerWith(t, streaming, stubAnswerer{})
}

func (x *stubIndex) has(ns string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.chunks[ns]
	return ok
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg server.Message) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

func receive(t *testing.T, ws *websocket.Conn) reply {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var r reply
	require.NoError(t, ws.ReadJSON(&r))
	return r
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, false)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestChatFlow(t *testing.T) {
	ts, _ := newTestServer(t, false)
	ws := dial(t, ts)

	send(t, ws, server.Message{Type: server.TypeAsk, Content: "What do gophers do?"})
	r := receive(t, ws)
	assert.Equal(t, server.TypeError, r.Type)
	assert.Contains(t, r.Content, "no url loaded")

	send(t, ws, server.Message{Type: server.TypeLoad, Content: "https://example.com/gophers"})
	assert.Equal(t, server.TypeStatus, receive(t, ws).Type)
	r = receive(t, ws)
	require.Equal(t, server.TypeLoaded, r.Type)
	assert.Equal(t, session.DefaultGreeting, r.Content)

	var loaded server.LoadedData
	require.NoError(t, json.Unmarshal(r.Data, &loaded))
	assert.Equal(t, "https://example.com/gophers", loaded.URL)
	assert.Equal(t, string(session.NamespaceFor("https://example.com/gophers")), loaded.Namespace)
	assert.Equal(t, 1, loaded.Chunks)
	assert.False(t, loaded.Reused)

	send(t, ws, server.Message{Type: server.TypeAsk, Content: "What do gophers do?"})
	r = receive(t, ws)
	assert.Equal(t, server.TypeResponse, r.Type)
	assert.Equal(t, "They dig tunnels.", r.Content)

	send(t, ws, server.Message{Type: server.TypeHistory})
	r = receive(t, ws)
	require.Equal(t, server.TypeHistory, r.Type)
	var turns []server.TurnData
	require.NoError(t, json.Unmarshal(r.Data, &turns))
	assert.Equal(t, []server.TurnData{
		{Role: "assistant", Content: session.DefaultGreeting},
		{Role: "human", Content: "What do gophers do?"},
		{Role: "assistant", Content: "They dig tunnels."},
	}, turns)

	send(t, ws, server.Message{Type: server.TypeClear})
	assert.Equal(t, server.TypeCleared, receive(t, ws).Type)

	send(t, ws, server.Message{Type: server.TypeAsk, Content: "And now?"})
	r = receive(t, ws)
	assert.Equal(t, server.TypeError, r.Type)
}

func TestBareURLLoads(t *testing.T) {
	ts, _ := newTestServer(t, false)
	ws := dial(t, ts)

	send(t, ws, server.Message{Type: server.TypeAsk, Content: " https://example.com/gophers "})
	assert.Equal(t, server.TypeStatus, receive(t, ws).Type)
	assert.Equal(t, server.TypeLoaded, receive(t, ws).Type)

	send(t, ws, server.Message{Type: server.TypeLoad, Content: "https://example.com/gophers"})
	assert.Equal(t, server.TypeStatus, receive(t, ws).Type)
	r := receive(t, ws)
	require.Equal(t, server.TypeLoaded, r.Type)
	var loaded server.LoadedData
	require.NoError(t, json.Unmarshal(r.Data, &loaded))
	assert.True(t, loaded.Reused)
}

func TestStreaming(t *testing.T) {
	ts, _ := newTestServer(t, true)
	ws := dial(t, ts)

	send(t, ws, server.Message{Type: server.TypeLoad, Content: "https://example.com/gophers"})
	receive(t, ws)
	receive(t, ws)

	send(t, ws, server.Message{Type: server.TypeAsk, Content: "What do gophers do?"})
	var streamed []string
	for {
		r := receive(t, ws)
		if r.Type != server.TypeStream {
			assert.Equal(t, server.TypeResponse, r.Type)
			assert.Equal(t, "They dig tunnels.", r.Content)
			break
		}
		streamed = append(streamed, r.Content)
	}
	assert.Equal(t, []string{"They dig ", "tunnels."}, streamed)
}

func TestStreamingDiscardedOnError(t *testing.T) {
	ts, _ := newTestServerWith(t, true, emptyAnswerer{})
	ws := dial(t, ts)

	send(t, ws, server.Message{Type: server.TypeLoad, Content: "https://example.com/gophers"})
	receive(t, ws)
	receive(t, ws)

	send(t, ws, server.Message{Type: server.TypeAsk, Content: "What do gophers do?"})
	r := receive(t, ws)
	require.Equal(t, server.TypeStream, r.Type)
	assert.Equal(t, "They dig", r.Content)

	r = receive(t, ws)
	require.Equal(t, server.TypeError, r.Type)
	var data server.ErrorData
	require.NoError(t, json.Unmarshal(r.Data, &data))
	assert.True(t, data.Discard)

	send(t, ws, server.Message{Type: server.TypeHistory})
	r = receive(t, ws)
	var turns []server.TurnData
	require.NoError(t, json.Unmarshal(r.Data, &turns))
	assert.Len(t, turns, 1)
}

func TestServeShutdownClearsSessions(t *testing.T) {
	manager, index, _ := newManager(t, stubAnswerer{})
	srv := server.NewWSServer(manager, server.Config{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	send(t, ws, server.Message{Type: server.TypeLoad, Content: "https://example.com/gophers"})
	receive(t, ws)
	require.Equal(t, server.TypeLoaded, receive(t, ws).Type)

	ns := string(session.NamespaceFor("https://example.com/gophers"))
	require.True(t, index.has(ns))

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}

	// Sessions are cleared before Serve returns.
	assert.False(t, index.has(ns))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected read error: %v", err)
}

func TestBadMessages(t *testing.T) {
	ts, _ := newTestServer(t, false)
	ws := dial(t, ts)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	r := receive(t, ws)
	assert.Equal(t, server.TypeError, r.Type)
	assert.Contains(t, r.Content, "invalid message")

	send(t, ws, server.Message{Type: "dance"})
	r = receive(t, ws)
	assert.Equal(t, server.TypeError, r.Type)
	assert.Equal(t, `unknown message type "dance"`, r.Content)

	send(t, ws, server.Message{Type: server.TypeLoad, Content: "not a url"})
	assert.Equal(t, server.TypeStatus, receive(t, ws).Type)
	r = receive(t, ws)
	assert.Equal(t, server.TypeError, r.Type)
	assert.Contains(t, r.Content, "invalid url")
}

func TestDisconnectReleasesNamespace(t *testing.T) {
	ts, index := newTestServer(t, false)
	ws := dial(t, ts)

	send(t, ws, server.Message{Type: server.TypeLoad, Content: "https://example.com/gophers"})
	receive(t, ws)
	receive(t, ws)

	ns := string(session.NamespaceFor("https://example.com/gophers"))
	require.True(t, index.has(ns))

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	assert.Eventually(t, func() bool {
		return !index.has(ns)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, false)
	ws := dial(t, ts)

	send(t, ws, server.Message{Type: server.TypeLoad, Content: "https://example.com/gophers"})
	receive(t, ws)
	receive(t, ws)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sitechat_loads_total{result="ok"} 1`)
}
