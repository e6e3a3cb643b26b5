package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itpcc/deka-supremecourt/internal/config"
	"github.com/itpcc/deka-supremecourt/internal/deka"
	"github.com/itpcc/deka-supremecourt/internal/relay"
)

type fakeBrowser struct {
	closed atomic.Int32
	err    error
}

func (b *fakeBrowser) Err() error   { return b.err }
func (b *fakeBrowser) Close() error { b.closed.Add(1); return nil }

type fakeMirror struct {
	hits map[string][]deka.Record
}

func (m *fakeMirror) Fetch(_ context.Context, q deka.Query) (deka.Outcome, error) {
	return deka.Outcome{Records: m.hits[q.MirrorText()]}, nil
}

type fakeAutomation struct {
	mu    sync.Mutex
	calls []deka.Query
	err   error
}

func (a *fakeAutomation) Run(_ context.Context, q deka.Query) (deka.Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, q)
	if a.err != nil {
		return deka.Outcome{}, a.err
	}
	return deka.Outcome{Records: []deka.Record{{DekaNo: q.MirrorText(), ShortNote: "from browser"}}}, nil
}

func (a *fakeAutomation) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// fakeRelay enqueues its requests once and then waits for ctx to end, or
// returns right away when hangUp is set.
type fakeRelay struct {
	requests  []deka.Request
	hangUp    bool
	delivered chan deka.Response
	closed    atomic.Int32
}

func newFakeRelay(reqs ...deka.Request) *fakeRelay {
	return &fakeRelay{requests: reqs, delivered: make(chan deka.Response, len(reqs)+1)}
}

func (r *fakeRelay) Run(ctx context.Context, enq relay.Enqueuer) error {
	for _, req := range r.requests {
		if err := enq.Enqueue(ctx, req); err != nil {
			return err
		}
	}
	if r.hangUp {
		return nil
	}
	<-ctx.Done()
	return nil
}

func (r *fakeRelay) Deliver(_ context.Context, resp deka.Response) error {
	r.delivered <- resp
	return nil
}

func (r *fakeRelay) Close() error {
	r.closed.Add(1)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Server:     config.ServerConfig{Port: 0},
		Relay:      config.RelayConfig{QueueDepth: 8},
		Mirror:     config.MirrorConfig{TimeoutSeconds: 1},
		Automation: config.AutomationConfig{QueryTimeoutSeconds: 1},
	}
}

func hit() *fakeMirror {
	return &fakeMirror{hits: map[string][]deka.Record{
		"264/2567": {{DekaNo: "264/2567", ShortNote: "from mirror"}},
	}}
}

func numberQuery(serial string, year int) deka.Query {
	return deka.ByNumber(deka.NumberQuery{Serial: serial, Year: year})
}

func relayRequest(id string, q deka.Query) deka.Request {
	return deka.Request{ID: id, Origin: deka.OriginRelay, Envelope: json.RawMessage(`{"chat":1}`), Query: q}
}

func runApp(ctx context.Context, t *testing.T, app *App) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestNewRequiresAutomationAndBrowser(t *testing.T) {
	t.Parallel()

	_, err := New(testConfig(), Deps{Browser: &fakeBrowser{}}, zap.NewNop())
	require.Error(t, err)
	_, err = New(testConfig(), Deps{Automation: &fakeAutomation{}}, zap.NewNop())
	require.Error(t, err)
}

func TestQueryAnsweredByMirror(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	auto := &fakeAutomation{}
	var closed atomic.Int32
	app, err := New(testConfig(), Deps{
		Mirror:     hit(),
		Automation: auto,
		Browser:    browser,
		Closers:    []func() error{func() error { closed.Add(1); return nil }},
	}, zap.NewNop())
	require.NoError(t, err)

	resp, err := app.Query(context.Background(), numberQuery("264", 2567))
	require.NoError(t, err)
	require.True(t, resp.IsOkay())
	assert.Equal(t, deka.OriginCLI, resp.Origin)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "from mirror", resp.Records[0].ShortNote)
	assert.Zero(t, auto.callCount())
	assert.Equal(t, int32(1), browser.closed.Load())
	assert.Equal(t, int32(1), closed.Load())
}

func TestQueryFallsBackToAutomation(t *testing.T) {
	t.Parallel()

	auto := &fakeAutomation{}
	app, err := New(testConfig(), Deps{Mirror: hit(), Automation: auto, Browser: &fakeBrowser{}}, zap.NewNop())
	require.NoError(t, err)

	resp, err := app.Query(context.Background(), numberQuery("1", 2500))
	require.NoError(t, err)
	require.True(t, resp.IsOkay())
	assert.Equal(t, "from browser", resp.Records[0].ShortNote)
	assert.Equal(t, 1, auto.callCount())
}

func TestQueryInvalid(t *testing.T) {
	t.Parallel()

	auto := &fakeAutomation{}
	app, err := New(testConfig(), Deps{Automation: auto, Browser: &fakeBrowser{}}, zap.NewNop())
	require.NoError(t, err)

	resp, err := app.Query(context.Background(), numberQuery("", 2567))
	require.NoError(t, err)
	require.False(t, resp.IsOkay())
	assert.ErrorIs(t, resp.Err, deka.ErrInvalidQuery)
	assert.Zero(t, auto.callCount())
}

func TestRunServesHTTPUntilCanceled(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	app, err := New(testConfig(), Deps{Mirror: hit(), Automation: &fakeAutomation{}, Browser: browser}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runApp(ctx, t, app)

	var addr net.Addr
	select {
	case addr = <-app.Addr():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	base := fmt.Sprintf("http://127.0.0.1:%d", addr.(*net.TCPAddr).Port)

	body := `{"message":{"id":7},"info":{"mode":"number","dekaSerial":"264","dekaYear":2567}}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/cases", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var got struct {
		From    string          `json:"from"`
		Message json.RawMessage `json:"message"`
		Result  []deka.Record   `json:"result"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, "deka", got.From)
	assert.JSONEq(t, `{"id":7}`, string(got.Message))
	require.Len(t, got.Result, 1)
	assert.Equal(t, "264/2567", got.Result[0].DekaNo)

	cancel()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, int32(1), browser.closed.Load())
}

func TestRunRoutesRelayResponsesInOrder(t *testing.T) {
	t.Parallel()

	rl := newFakeRelay(
		relayRequest("a", numberQuery("1", 2500)),
		relayRequest("b", numberQuery("264", 2567)),
	)
	app, err := New(testConfig(), Deps{
		Mirror:     hit(),
		Automation: &fakeAutomation{},
		Browser:    &fakeBrowser{},
		Relay:      rl,
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runApp(ctx, t, app)

	var ids []string
	for range 2 {
		select {
		case resp := <-rl.delivered:
			require.True(t, resp.IsOkay())
			assert.JSONEq(t, `{"chat":1}`, string(resp.Envelope))
			ids = append(ids, resp.RequestID)
		case <-time.After(5 * time.Second):
			t.Fatal("relay response missing")
		}
	}
	assert.Equal(t, []string{"a", "b"}, ids)

	cancel()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, int32(1), rl.closed.Load())
}

func TestRunStopsWhenSessionIsLost(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	rl := newFakeRelay(relayRequest("a", numberQuery("1", 2500)))
	app, err := New(testConfig(), Deps{
		Automation: &fakeAutomation{err: fmt.Errorf("open tab: %w", deka.ErrSessionUnavailable)},
		Browser:    browser,
		Relay:      rl,
	}, zap.NewNop())
	require.NoError(t, err)

	err = waitRun(t, runApp(context.Background(), t, app))
	require.Error(t, err)
	assert.ErrorIs(t, err, deka.ErrSessionUnavailable)

	select {
	case resp := <-rl.delivered:
		assert.Equal(t, "a", resp.RequestID)
		assert.ErrorIs(t, resp.Err, deka.ErrSessionUnavailable)
	default:
		t.Fatal("failing request was not answered")
	}
	assert.Equal(t, int32(1), browser.closed.Load())
}

func TestRunStopsWhenRelayHangsUp(t *testing.T) {
	t.Parallel()

	rl := newFakeRelay()
	rl.hangUp = true
	browser := &fakeBrowser{}
	app, err := New(testConfig(), Deps{Automation: &fakeAutomation{}, Browser: browser, Relay: rl}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, waitRun(t, runApp(context.Background(), t, app)))
	assert.Equal(t, int32(1), browser.closed.Load())
}

func TestRunReportsListenFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	browser := &fakeBrowser{}
	app, err := New(cfg, Deps{Automation: &fakeAutomation{}, Browser: browser}, zap.NewNop())
	require.NoError(t, err)

	err = app.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on port")
	assert.Equal(t, int32(1), browser.closed.Load())
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := Build(context.Background(), config.Config{})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "invalid config"))
}
