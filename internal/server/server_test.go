package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/lamport-weather-aggregation/internal/clock"
	"github.com/i474232898/lamport-weather-aggregation/internal/protocol"
	"github.com/i474232898/lamport-weather-aggregation/internal/store"
	"github.com/i474232898/lamport-weather-aggregation/internal/weather"
)

type harness struct {
	addr  string
	srv   *Server
	mem   *store.MemoryStore
	clock *clock.Lamport
	errc  chan error
}

func start(t *testing.T, cfg Config) *harness {
	t.Helper()
	return startWith(t, cfg, store.NewMemoryStore())
}

func startWith(t *testing.T, cfg Config, st weather.Store) *harness {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	mem, _ := st.(*store.MemoryStore)
	h := &harness{
		addr:  ln.Addr().String(),
		mem:   mem,
		clock: clock.New(),
		errc:  make(chan error, 1),
	}
	h.srv = New(cfg, weather.NewService(st, 30*time.Second, false, nil), h.clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.errc <- h.srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = h.srv.Shutdown(shutdownCtx)
	})
	return h
}

// send writes raw bytes, half-closes the connection and parses the reply.
func (h *harness) send(t *testing.T, raw string) *protocol.Response {
	t.Helper()

	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	resp, err := protocol.ReadResponse(bufio.NewReader(conn), protocol.Limits{})
	require.NoError(t, err)
	return resp
}

func put(body string, clk int64) string {
	return fmt.Sprintf("PUT /weather.json HTTP/1.1\r\nContent-Type: application/json\r\nLamport-Clock: %d\r\nContent-Length: %d\r\n\r\n%s",
		clk, len(body), body)
}

func get(clk int64) string {
	return fmt.Sprintf("GET /weather.json HTTP/1.1\r\nLamport-Clock: %d\r\n\r\n", clk)
}

func decode(t *testing.T, resp *protocol.Response) map[string]weather.Observation {
	t.Helper()
	var out map[string]weather.Observation
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	return out
}

func TestServer_EmptyGet(t *testing.T) {
	h := start(t, Config{})

	resp := h.send(t, get(0))
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, protocol.ContentTypeJSON, resp.ContentType)
	require.Equal(t, "{}", string(resp.Body))
	require.True(t, resp.HasClock)
	require.Equal(t, int64(2), resp.Clock)
}

func TestServer_PutThenGet(t *testing.T) {
	h := start(t, Config{})

	resp := h.send(t, put(`{"id":"IDS60901","name":"Adelaide","air_temp":13.3,"rel_hum":60}`, 0))
	require.Equal(t, 200, resp.StatusCode)
	require.Empty(t, resp.Body)
	require.Empty(t, resp.ContentType)

	resp = h.send(t, put(`{"id":"IDS60901","name":"Adelaide","air_temp":14.1}`, 0))
	require.Equal(t, 200, resp.StatusCode)

	resp = h.send(t, get(0))
	require.Equal(t, 200, resp.StatusCode)
	all := decode(t, resp)
	require.Len(t, all, 1)
	require.Equal(t, weather.Observation{ID: "IDS60901", Name: "Adelaide", AirTemp: 14.1}, all["IDS60901"])
}

func TestServer_ClockCausality(t *testing.T) {
	h := start(t, Config{})

	// observe(100) -> 101, send -> 102
	resp := h.send(t, put(`{"id":"A"}`, 100))
	require.Equal(t, int64(102), resp.Clock)

	// observe(max(102, 5)) -> 103, send -> 104
	resp = h.send(t, get(5))
	require.Equal(t, int64(104), resp.Clock)
	require.Equal(t, int64(104), h.clock.Current())
}

func TestServer_RejectsInvalidRecords(t *testing.T) {
	h := start(t, Config{})
	require.Equal(t, 200, h.send(t, put(`{"id":"keep"}`, 0)).StatusCode)

	tests := []struct {
		name string
		body string
	}{
		{name: "missing id", body: `{"name":"Adelaide","air_temp":13.3}`},
		{name: "empty id", body: `{"id":""}`},
		{name: "not json", body: `id: IDS60901`},
		{name: "wrong type", body: `{"id":"X","rel_hum":"high"}`},
		{name: "null", body: `null`},
		{name: "empty body", body: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.send(t, put(tt.body, 0))
			require.Equal(t, 400, resp.StatusCode)
			require.True(t, resp.HasClock)
			require.Equal(t, []string{"keep"}, keys(h.mem.GetAll()))
		})
	}
}

func TestServer_MalformedRequests(t *testing.T) {
	h := start(t, Config{})

	for _, raw := range []string{
		"POST /weather HTTP/1.1\r\n\r\n",
		"GET /other HTTP/1.1\r\n\r\n",
		"HELLO\r\n",
	} {
		resp := h.send(t, raw)
		require.Equal(t, 400, resp.StatusCode, raw)
		require.True(t, resp.HasClock, raw)
	}
	require.Equal(t, 0, h.mem.Len())
}

func TestServer_LineFramedPut(t *testing.T) {
	h := start(t, Config{})

	raw := "PUT /weather.json HTTP/1.1\nContent-Type: application/json\n\n{\n  \"id\": \"IDS60903\",\n  \"air_temp\": 9.5\n}\n"
	resp := h.send(t, raw)
	require.Equal(t, 200, resp.StatusCode)

	obs, _, err := h.mem.Get("IDS60903")
	require.NoError(t, err)
	require.Equal(t, 9.5, obs.AirTemp)
}

func TestServer_SilentCloseWithoutRequest(t *testing.T) {
	h := start(t, Config{})

	for _, raw := range []string{"", "\r\n"} {
		conn, err := net.Dial("tcp", h.addr)
		require.NoError(t, err)
		require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
		_, err = io.WriteString(conn, raw)
		require.NoError(t, err)
		require.NoError(t, conn.(*net.TCPConn).CloseWrite())

		got, err := io.ReadAll(conn)
		require.NoError(t, err)
		require.Empty(t, got)
		conn.Close()
	}
	require.Equal(t, int64(0), h.clock.Current())
}

func TestServer_ReadTimeoutClosesIdleConnection(t *testing.T) {
	h := start(t, Config{ReadTimeout: 50 * time.Millisecond})

	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	started := time.Now()
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Less(t, time.Since(started), 4*time.Second)
}

func TestServer_MaxConnsBoundsConcurrentHandlers(t *testing.T) {
	h := start(t, Config{MaxConns: 1})

	idle, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer idle.Close()

	require.Eventually(t, func() bool { return h.srv.Stats().Active == 1 }, 2*time.Second, 5*time.Millisecond)

	waiting, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer waiting.Close()
	_, err = io.WriteString(waiting, get(0))
	require.NoError(t, err)

	require.NoError(t, waiting.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, err = waiting.Read(make([]byte, 1))
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "second connection must wait for a free slot, got %v", err)

	require.NoError(t, idle.Close())

	require.NoError(t, waiting.SetReadDeadline(time.Now().Add(5*time.Second)))
	resp, err := protocol.ReadResponse(bufio.NewReader(waiting), protocol.Limits{})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
}

func TestServer_ConcurrentPutsDistinctIDs(t *testing.T) {
	h := start(t, Config{})
	const n = 40

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			code, err := rawPut(h.addr, put(fmt.Sprintf(`{"id":"ID%02d","rel_hum":%d}`, i, i), int64(i)))
			assert.NoError(t, err)
			assert.Equal(t, 200, code)
		}(i)
	}
	wg.Wait()

	all := decode(t, h.send(t, get(0)))
	require.Len(t, all, n)
	for i := 0; i < n; i++ {
		require.Equal(t, i, all[fmt.Sprintf("ID%02d", i)].RelHumidity)
	}
	// n receives + n sends for the PUTs, then one receive and one send for the GET.
	require.GreaterOrEqual(t, h.clock.Current(), int64(2*n+2))
}

func TestServer_ConcurrentPutsSameID(t *testing.T) {
	h := start(t, Config{})
	const n = 40

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"id":"IDS60901","name":"writer-%d","rel_hum":%d,"wind_spd_kmh":%d}`, i, i, 2*i)
			code, err := rawPut(h.addr, put(body, 0))
			assert.NoError(t, err)
			assert.Equal(t, 200, code)
		}(i)
	}
	wg.Wait()

	all := decode(t, h.send(t, get(0)))
	require.Len(t, all, 1)
	obs := all["IDS60901"]
	require.Equal(t, fmt.Sprintf("writer-%d", obs.RelHumidity), obs.Name)
	require.Equal(t, 2*obs.RelHumidity, obs.WindSpeedKmh)
}

func TestServer_InternalFailureIs500(t *testing.T) {
	h := startWith(t, Config{}, panickingStore{})

	resp := h.send(t, get(0))
	require.Equal(t, 500, resp.StatusCode)
	require.True(t, resp.HasClock)

	resp = h.send(t, put(`{"id":"A"}`, 0))
	require.Equal(t, 500, resp.StatusCode)
}

func TestServer_StatsAndShutdown(t *testing.T) {
	h := start(t, Config{})

	h.send(t, get(0))
	h.send(t, get(0))
	require.Eventually(t, func() bool { return h.srv.Stats().Served == 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))

	select {
	case err := <-h.errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	_, err := net.DialTimeout("tcp", h.addr, 200*time.Millisecond)
	require.Error(t, err)
}

func TestServer_ServeAfterShutdownReturns(t *testing.T) {
	for i := 0; i < 50; i++ {
		srv := New(Config{}, weather.NewService(store.NewMemoryStore(), time.Minute, false, nil), clock.New(), nil)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, srv.Shutdown(ctx))
		cancel()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()

		errc := make(chan error, 1)
		go func() { errc <- srv.Serve(context.Background(), ln) }()

		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			ln.Close()
			t.Fatalf("iteration %d: Serve kept running after Shutdown", i)
		}

		_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
		require.Error(t, err, "listener should be closed")
	}
}

func TestServer_ListenAndServeBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := New(Config{Addr: ln.Addr().String()}, weather.NewService(store.NewMemoryStore(), time.Minute, false, nil), clock.New(), nil)
	err = srv.ListenAndServe(context.Background())
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "listen on"))
}

func rawPut(addr, raw string) (int, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(conn, raw); err != nil {
		return 0, err
	}
	resp, err := protocol.ReadResponse(bufio.NewReader(conn), protocol.Limits{})
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// panickingStore stands in for a store that fails unexpectedly.
type panickingStore struct{ weather.Store }

func (panickingStore) Put(weather.Observation, time.Time) error { panic("disk on fire") }
func (panickingStore) GetAll() map[string]weather.Observation   { panic("disk on fire") }

func keys(m map[string]weather.Observation) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
