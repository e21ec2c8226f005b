package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"ws-rpc/conf"
	"ws-rpc/message"
	"ws-rpc/server"
	"ws-rpc/transport"
)

const waitTime = 5 * time.Second

func testOptions() Options {
	return Options{
		Timeout:       time.Second,
		TickInterval:  10 * time.Millisecond,
		ReconnectStep: time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
		SendDeferral:  10 * time.Millisecond,
	}
}

type harness struct {
	network *transport.LocalNetwork
	srv     *server.Server
	release chan struct{}
	once    sync.Once
}

// newHarness serves Echo#Ping, Echo#Fail and Echo#Slow on a local network address "server".
func newHarness(t testing.TB) *harness {
	h := &harness{network: transport.NewLocalNetwork(), release: make(chan struct{})}
	router := server.NewRouter()
	require.NoError(t, router.RegisterTarget("Echo"))
	require.NoError(t, router.RegisterHandler("Echo", "Ping", func(_ context.Context, call *message.Call) *message.Reply {
		var text string
		if err := call.Bind(&text); err != nil {
			return message.Failure(err.Error(), nil)
		}
		return message.Success("Pong", text)
	}))
	require.NoError(t, router.RegisterHandler("Echo", "Fail", func(context.Context, *message.Call) *message.Reply {
		return message.Failure("Fail", map[string]int{"code": 3}).WithDebug("stack")
	}))
	require.NoError(t, router.RegisterHandler("Echo", "Slow", func(context.Context, *message.Call) *message.Reply {
		<-h.release
		return message.Success("Late", nil)
	}))
	h.srv = server.NewServer(router.Build())
	h.start(t)
	t.Cleanup(func() {
		require.NoError(t, h.srv.Shutdown(waitTime))
	})
	// Runs before the shutdown above so slow handlers can finish
	t.Cleanup(h.unblock)
	return h
}

func (h *harness) start(t testing.TB) {
	require.NoError(t, h.srv.Start(h.network.NewServer("server", h.srv.NewConnection)))
}

func (h *harness) unblock() {
	h.once.Do(func() {
		close(h.release)
	})
}

func (h *harness) client(t testing.TB, opts Options) *Client {
	c := New(StaticResolver("server"), h.network, opts)
	t.Cleanup(func() {
		_ = c.Stop()
	})
	return c
}

func startConnected(t testing.TB, c *Client) {
	require.NoError(t, c.Start())
	require.Eventually(t, c.IsConnected, waitTime, time.Millisecond)
}

func wait(t testing.TB, call *Call) (message.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTime)
	defer cancel()
	result, err := call.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return result, err
}

func requireKind(t *testing.T, err error, kind error) *CallError {
	t.Helper()
	require.ErrorIs(t, err, kind)
	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	return callErr
}

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	lock     sync.Mutex
	opens    int
	closes   int
	errs     []error
	pushes   []string
	logs     []string
	opened   chan struct{}
	closed   chan struct{}
	received chan string
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan struct{}, 16),
		closed:   make(chan struct{}, 16),
		received: make(chan string, 16),
	}
}

func (r *recorder) observer() Observer {
	return Observer{
		OnOpen: func() {
			r.lock.Lock()
			r.opens++
			r.lock.Unlock()
			signal(r.opened)
		},
		OnServerMessage: func(msg string, value json.RawMessage) {
			r.lock.Lock()
			r.pushes = append(r.pushes, msg+"="+string(value))
			r.lock.Unlock()
			r.received <- msg
		},
		OnError: func(err error) {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.errs = append(r.errs, err)
		},
		OnClose: func() {
			r.lock.Lock()
			r.closes++
			r.lock.Unlock()
			signal(r.closed)
		},
		OnLog: func(level LogLevel, msg string) {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.logs = append(r.logs, level.String()+" "+msg)
		},
	}
}

// signal never blocks the notifier; repeated notifications may collapse.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *recorder) hasLog(prefix string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, line := range r.logs {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func receive(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTime):
		require.FailNow(t, "timed out waiting for notification")
	}
}

func TestSendReceivesReply(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testOptions())
	startConnected(t, c)

	call := c.Send("Echo", "Ping", "hi")
	result, err := wait(t, call)
	require.NoError(t, err)
	require.Equal(t, "Pong", result.Message)
	var text string
	require.NoError(t, result.Decode(&text))
	require.Equal(t, "hi", text)
	require.Positive(t, call.ID)
	require.Equal(t, 0, c.pendingCount())
}

func TestConcurrentCallsAreCorrelated(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testOptions())
	startConnected(t, c)

	const numCalls = 50
	calls := make([]*Call, numCalls)
	var wg sync.WaitGroup
	for i := 0; i < numCalls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			calls[i] = c.Send("Echo", "Ping", fmt.Sprintf("text-%d", i))
		}(i)
	}
	wg.Wait()

	ids := map[int64]bool{}
	for i, call := range calls {
		result, err := wait(t, call)
		require.NoError(t, err)
		var text string
		require.NoError(t, result.Decode(&text))
		require.Equal(t, fmt.Sprintf("text-%d", i), text)
		require.False(t, ids[call.ID], "call id %d reused", call.ID)
		ids[call.ID] = true
	}
}

func TestCallIDsIncreaseAcrossRestarts(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testOptions())
	startConnected(t, c)
	first := c.Send("Echo", "Ping", "a")
	_, err := wait(t, first)
	require.NoError(t, err)

	require.NoError(t, c.Stop())
	startConnected(t, c)
	second := c.Send("Echo", "Ping", "b")
	_, err = wait(t, second)
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)
}

func TestSendWhenStoppedFailsAsynchronously(t *testing.T) {
	c := New(StaticResolver("server"), transport.NewLocalNetwork(), testOptions())
	call := c.Send("Echo", "Ping", "hi")
	select {
	case <-call.Done():
		require.FailNow(t, "call settled before Send returned")
	default:
	}
	_, err := wait(t, call)
	callErr := requireKind(t, err, ErrConnectionClosed)
	require.Equal(t, connectionClosedMessage, callErr.Message)
	require.Zero(t, call.ID)
}

func TestSendWhenDisconnectedFails(t *testing.T) {
	c := New(StaticResolver("nowhere"), transport.NewLocalNetwork(), testOptions())
	require.NoError(t, c.Start())
	defer func() {
		require.NoError(t, c.Stop())
	}()
	_, err := wait(t, c.Send("Echo", "Ping", "hi"))
	requireKind(t, err, ErrConnectionClosed)
	require.False(t, c.IsConnected())
}

func TestEncodeFailure(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testOptions())
	startConnected(t, c)
	_, err := wait(t, c.Send("Echo", "Ping", make(chan int)))
	requireKind(t, err, ErrEncode)
	require.Equal(t, 0, c.pendingCount())
}

func TestCallTimesOut(t *testing.T) {
	h := newHarness(t)
	opts := testOptions()
	opts.Timeout = 50 * time.Millisecond
	c := h.client(t, opts)
	startConnected(t, c)

	call := c.Send("Echo", "Slow")
	_, err := wait(t, call)
	callErr := requireKind(t, err, ErrTimeout)
	require.Equal(t, timeoutMessage, callErr.Message)
	require.Equal(t, 0, c.pendingCount())

	// The late reply matches no pending call and is dropped
	h.unblock()
	result, err := wait(t, c.Send("Echo", "Ping", "after"))
	require.NoError(t, err)
	require.Equal(t, "Pong", result.Message)
	_, err = call.Result()
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRemoteFailures(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testOptions())
	startConnected(t, c)

	_, err := wait(t, c.Send("Echo", "Fail"))
	callErr := requireKind(t, err, ErrRemote)
	require.Equal(t, "Fail", callErr.Message)
	require.JSONEq(t, `{"code":3}`, string(callErr.Value))
	require.JSONEq(t, `"stack"`, string(callErr.Debug))

	_, err = wait(t, c.Send("Echo", "Nope"))
	callErr = requireKind(t, err, ErrMethodNotFound)
	require.Equal(t, message.MethodNotFound("Echo", "Nope"), callErr.Message)

	// The connection survives both
	require.True(t, c.IsConnected())
	_, err = wait(t, c.Send("Echo", "Ping", "still here"))
	require.NoError(t, err)
}

func TestDisconnectFailsPendingAndReconnects(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testOptions())
	rec := newRecorder()
	c.AddListener(rec.observer())
	startConnected(t, c)
	receive(t, rec.opened)

	call := c.Send("Echo", "Slow")
	require.Eventually(t, func() bool { return c.pendingCount() == 1 }, waitTime, time.Millisecond)
	require.True(t, c.Disconnect())

	_, err := wait(t, call)
	requireKind(t, err, ErrConnectionClosed)
	receive(t, rec.closed)
	require.Equal(t, 0, c.pendingCount())

	receive(t, rec.opened)
	require.Eventually(t, c.IsConnected, waitTime, time.Millisecond)
	_, err = wait(t, c.Send("Echo", "Ping", "again"))
	require.NoError(t, err)
}

func TestDisconnectWithoutConnection(t *testing.T) {
	c := New(StaticResolver("nowhere"), transport.NewLocalNetwork(), testOptions())
	require.False(t, c.Disconnect())
	require.NoError(t, c.Start())
	defer func() {
		require.NoError(t, c.Stop())
	}()
	require.Eventually(t, func() bool { return c.Status() == StatusDisconnected }, waitTime, time.Millisecond)
	require.Eventually(t, func() bool { return !c.Disconnect() }, waitTime, time.Millisecond)
}

func TestReconnectAfterServerRestart(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testOptions())
	rec := newRecorder()
	c.AddListener(rec.observer())
	startConnected(t, c)
	receive(t, rec.opened)

	require.NoError(t, h.srv.Shutdown(waitTime))
	receive(t, rec.closed)
	require.False(t, c.IsConnected())
	_, err := wait(t, c.Send("Echo", "Ping", "down"))
	requireKind(t, err, ErrConnectionClosed)

	h.start(t)
	receive(t, rec.opened)
	require.Eventually(t, c.IsConnected, waitTime, time.Millisecond)
	_, err = wait(t, c.Send("Echo", "Ping", "up"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, h.network.Dials(), int64(2))
}

func TestServerPushReachesObservers(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testOptions())
	first, second := newRecorder(), newRecorder()
	c.AddListener(first.observer())
	c.AddListener(second.observer())
	startConnected(t, c)
	require.Eventually(t, func() bool { return h.srv.Connections().Len() == 1 }, waitTime, time.Millisecond)

	require.NoError(t, h.srv.Broadcast("Tick", 42))
	for _, rec := range []*recorder{first, second} {
		select {
		case msg := <-rec.received:
			require.Equal(t, "Tick", msg)
		case <-time.After(waitTime):
			require.FailNow(t, "push not delivered")
		}
		rec.lock.Lock()
		require.Equal(t, []string{"Tick=42"}, rec.pushes)
		rec.lock.Unlock()
	}
}

func TestObserverLifecycle(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testOptions())
	rec := newRecorder()
	id := c.AddListener(rec.observer())
	startConnected(t, c)
	receive(t, rec.opened)

	require.NoError(t, c.Stop())
	receive(t, rec.closed)
	require.Equal(t, StatusStopped, c.Status())

	require.True(t, c.RemoveListener(id))
	require.False(t, c.RemoveListener(id))
	require.False(t, c.RemoveListener(ListenerID(12345)))

	startConnected(t, c)
	_, err := wait(t, c.Send("Echo", "Ping", "x"))
	require.NoError(t, err)
	rec.lock.Lock()
	defer rec.lock.Unlock()
	require.Equal(t, 1, rec.opens)
	require.Equal(t, 1, rec.closes)
}

func TestAddListenerWhenConnectedFiresOpen(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testOptions())
	startConnected(t, c)

	opened := 0
	c.AddListener(Observer{OnOpen: func() { opened++ }})
	require.Equal(t, 1, opened)
	// Observers without callbacks are fine
	c.AddListener(Observer{})
}

func TestObserverMayCallBackIntoClient(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testOptions())
	results := make(chan error, 1)
	c.AddListener(Observer{OnOpen: func() {
		_, err := c.Send("Echo", "Ping", "from observer").Wait(context.Background())
		results <- err
	}})
	require.NoError(t, c.Start())
	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(waitTime):
		require.FailNow(t, "observer call did not complete")
	}
}

func TestStartStop(t *testing.T) {
	c := New(StaticResolver("nowhere"), transport.NewLocalNetwork(), testOptions())
	require.Equal(t, StatusStopped, c.Status())
	require.True(t, c.IsClosed())
	require.ErrorIs(t, c.Stop(), ErrNotStarted)
	require.NoError(t, c.Start())
	require.ErrorIs(t, c.Start(), ErrAlreadyStarted)
	require.NoError(t, c.Stop())
	require.Equal(t, StatusStopped, c.Status())
	require.ErrorIs(t, c.Stop(), ErrNotStarted)
	require.Equal(t, -1, c.pendingCount())
	// No-op while stopped
	c.ConnectNow()
}

func TestStopFailsPendingCalls(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, testOptions())
	startConnected(t, c)
	call := c.Send("Echo", "Slow")
	require.Eventually(t, func() bool { return c.pendingCount() == 1 }, waitTime, time.Millisecond)
	require.NoError(t, c.Stop())
	_, err := wait(t, call)
	requireKind(t, err, ErrConnectionClosed)
}

func TestConnectNowBypassesBackoff(t *testing.T) {
	network := transport.NewLocalNetwork()
	opts := testOptions()
	opts.ReconnectStep = time.Hour
	opts.ReconnectMax = time.Hour
	c := New(StaticResolver("nowhere"), network, opts)
	require.NoError(t, c.Start())
	defer func() {
		require.NoError(t, c.Stop())
	}()

	require.Eventually(t, func() bool { return c.Status() == StatusDisconnected }, waitTime, time.Millisecond)
	require.Equal(t, int64(1), network.Dials())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(1), network.Dials())

	c.ConnectNow()
	require.Equal(t, int64(2), network.Dials())
	// The backoff still holds for the ticks that follow
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(2), network.Dials())
}

func TestNewDefaultsDurations(t *testing.T) {
	c := New(StaticResolver("nowhere"), transport.NewLocalNetwork(), Options{ReconnectStep: -time.Second})
	require.Equal(t, DefaultOptions().Timeout, c.opts.Timeout)
	require.Equal(t, DefaultOptions().TickInterval, c.opts.TickInterval)
	require.Equal(t, DefaultOptions().SendDeferral, c.opts.SendDeferral)
	require.Equal(t, 1500*time.Millisecond, c.opts.ReconnectStep)
	require.Equal(t, 8000*time.Millisecond, c.opts.ReconnectMax)

	// Explicit values are kept
	c = New(StaticResolver("nowhere"), transport.NewLocalNetwork(), testOptions())
	require.Equal(t, time.Millisecond, c.opts.ReconnectStep)
	require.Equal(t, 20*time.Millisecond, c.opts.ReconnectMax)
}

func TestZeroReconnectOptionsDoNotSpinDials(t *testing.T) {
	network := transport.NewLocalNetwork()
	c := New(StaticResolver("nowhere"), network, Options{TickInterval: time.Millisecond})
	require.NoError(t, c.Start())
	defer func() {
		require.NoError(t, c.Stop())
	}()

	require.Eventually(t, func() bool { return c.Status() == StatusDisconnected }, waitTime, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int64(1), network.Dials())
}

func TestReconnectAttemptsAreLogged(t *testing.T) {
	c := New(StaticResolver("nowhere"), transport.NewLocalNetwork(), testOptions())
	rec := newRecorder()
	c.AddListener(rec.observer())
	require.NoError(t, c.Start())
	defer func() {
		require.NoError(t, c.Stop())
	}()
	require.Eventually(t, func() bool { return rec.hasLog("warn Set next connect interval ") }, waitTime, time.Millisecond)
	rec.lock.Lock()
	defer rec.lock.Unlock()
	require.NotEmpty(t, rec.errs)
	require.Positive(t, rec.closes)
}

type failingResolver struct{}

func (failingResolver) Resolve() (string, error) {
	return "", errors.New("no instances")
}

func TestResolveFailureIsLogged(t *testing.T) {
	c := New(failingResolver{}, transport.NewLocalNetwork(), testOptions())
	rec := newRecorder()
	c.AddListener(rec.observer())
	require.NoError(t, c.Start())
	defer func() {
		require.NoError(t, c.Stop())
	}()
	require.Eventually(t, func() bool {
		return rec.hasLog("error cannot resolve server address: no instances")
	}, waitTime, time.Millisecond)
	require.Equal(t, StatusDisconnected, c.Status())
}

// rawPeer answers every request with a fixed sequence of frames.
type rawPeer struct {
	conn   transport.Conn
	frames []string
}

func (p *rawPeer) HandleMessage(string) {
	for _, frame := range p.frames {
		_ = p.conn.Send(frame)
	}
}

func (p *rawPeer) HandleClose() {}

func TestMalformedAndUnknownFrames(t *testing.T) {
	network := transport.NewLocalNetwork()
	frames := []string{
		"not json",
		`{"s":true,"t":2,"c":999,"m":"Stray"}`,
		`{"s":true,"t":1,"m":"Tick","v":1}`,
	}
	ts := network.NewServer("raw", func(conn transport.Conn) transport.ServerConnection {
		return &rawPeer{conn: conn, frames: frames}
	})
	require.NoError(t, ts.Start())
	defer func() {
		require.NoError(t, ts.Stop())
	}()

	opts := testOptions()
	opts.Debug = true
	c := New(StaticResolver("raw"), network, opts)
	rec := newRecorder()
	c.AddListener(rec.observer())
	startConnected(t, c)
	defer func() {
		require.NoError(t, c.Stop())
	}()

	call := c.Send("Echo", "Ping", "hi", 2)
	select {
	case msg := <-rec.received:
		require.Equal(t, "Tick", msg)
	case <-time.After(waitTime):
		require.FailNow(t, "push not delivered")
	}
	require.True(t, rec.hasLog(`debug send: Echo.Ping("hi",2)`))
	require.True(t, rec.hasLog("error parse error! received: not json"))
	require.True(t, rec.hasLog(`debug received: {"s":true,"t":2,"c":999,"m":"Stray"}`))
	require.True(t, c.IsConnected())
	require.Equal(t, 1, c.pendingCount())
	select {
	case <-call.Done():
		require.FailNow(t, "call settled by a stray reply")
	default:
	}
}

func TestWebSocketEndToEnd(t *testing.T) {
	router := server.NewRouter()
	require.NoError(t, router.RegisterTarget("Echo"))
	require.NoError(t, router.RegisterHandler("Echo", "Ping", func(_ context.Context, call *message.Call) *message.Reply {
		return message.Success("Pong", call.Args[0])
	}))
	srv := server.NewServer(router.Build())
	ws := transport.NewWebSocketServer("127.0.0.1:0", "/ws", srv.NewConnection)
	require.NoError(t, srv.Start(ws))
	defer func() {
		require.NoError(t, srv.Shutdown(waitTime))
	}()

	c := New(StaticResolver(ws.URL()), &transport.WebSocketDialer{}, testOptions())
	startConnected(t, c)
	defer func() {
		require.NoError(t, c.Stop())
	}()
	result, err := wait(t, c.Send("Echo", "Ping", map[string]int{"n": 1}))
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(result.Value))
}

func TestNewFromConfig(t *testing.T) {
	_, err := NewFromConfig(conf.ClientConfig{}, nil)
	require.Error(t, err)

	cfg := conf.NewClientConfig("ws://127.0.0.1:7780/ws")
	c, err := NewFromConfig(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, StaticResolver("ws://127.0.0.1:7780/ws"), c.resolver)
	require.IsType(t, &transport.WebSocketDialer{}, c.dialer)
	require.Equal(t, conf.DefaultCallTimeout, c.opts.Timeout)

	cfg.Transport = conf.TransportTCP
	require.IsType(t, &transport.TCPDialer{}, DialerFor(cfg))
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "Stopped", StatusStopped.String())
	require.Equal(t, "Disconnected", StatusDisconnected.String())
	require.Equal(t, "Connecting", StatusConnecting.String())
	require.Equal(t, "Open", StatusOpen.String())
	require.Equal(t, "Unknown", Status(9).String())
	require.Equal(t, "warn", LogWarn.String())
}
