package cdp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/devtrace/cdp"
	"github.com/guseggert/devtrace/cdp/cdptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func dial(t *testing.T, srv *cdptest.Server, opts ...cdp.Option) *cdp.Conn {
	t.Helper()
	opts = append([]cdp.Option{
		cdp.WithLogger(log),
		cdp.WithJitter(0, nil),
		cdp.WithReconnect(20, 10*time.Millisecond, 20*time.Millisecond),
	}, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := cdp.Dial(ctx, srv.PageURL("page-1"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func TestConnectRejectsNonWebSocketURL(t *testing.T) {
	for _, u := range []string{"http://127.0.0.1:9222/devtools/page/1", "127.0.0.1:9222", ""} {
		t.Run(u, func(t *testing.T) {
			err := cdp.New(u).Connect(context.Background())
			require.ErrorContains(t, err, "invalid WebSocket URL")
		})
	}
}

func TestConnectFailureIsConnectionError(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Refuse(true)

	_, err := cdp.Dial(context.Background(), srv.PageURL("page-1"))

	var connErr *cdp.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.NotEmpty(t, cdp.Hint(err))
}

func TestConcurrentExecuteResolvesEachCallOnce(t *testing.T) {
	srv := cdptest.NewServer(t)
	const n = 50
	// answer in reverse order of arrival
	srv.Handle("Test.echo", func(cmd cdptest.Command) cdptest.Reply {
		var p struct{ N int }
		json.Unmarshal(cmd.Params, &p)
		return cdptest.Reply{
			Result: map[string]int{"n": p.N},
			Delay:  time.Duration(n-p.N) * time.Millisecond,
		}
	})
	conn := dial(t, srv)

	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := conn.Execute(context.Background(), "Test.echo", map[string]int{"n": i}, 5*time.Second)
			errs[i] = err
			if err == nil {
				var r struct{ N int }
				errs[i] = json.Unmarshal(res, &r)
				results[i] = r.N
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, i, results[i])
	}

	ids := map[int64]bool{}
	for _, cmd := range srv.Received() {
		assert.False(t, ids[cmd.ID], "id %d reused", cmd.ID)
		ids[cmd.ID] = true
	}
	assert.Len(t, ids, n)
}

func TestExecuteEmptyResult(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Page.reload", cdptest.Result(nil))
	conn := dial(t, srv)

	res, err := conn.Execute(context.Background(), "Page.reload", nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(res))
}

func TestExecuteCommandError(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("DOM.describeNode", cdptest.Fail(-32000, "No node with given id found"))
	conn := dial(t, srv)

	_, err := conn.Execute(context.Background(), "DOM.describeNode", map[string]int{"nodeId": 7}, time.Second)

	var cmdErr *cdp.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "No node with given id found", cmdErr.Message)
	assert.Equal(t, -32000, cmdErr.Code)
	assert.Equal(t, "DOM.describeNode", cmdErr.Method)
	assert.NotEmpty(t, cdp.Hint(err))
}

func TestExecuteCommandErrorData(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Page.navigate", cdptest.FailWithData(-32000, "boom", map[string]string{"detail": "x"}))
	srv.Handle("Page.reload", cdptest.FailWithData(-32000, "boom", "plain text"))
	conn := dial(t, srv)

	start := time.Now()
	_, err := conn.Execute(context.Background(), "Page.navigate", nil, 2*time.Second)
	var cmdErr *cdp.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "boom", cmdErr.Message)
	assert.Equal(t, -32000, cmdErr.Code)
	assert.JSONEq(t, `{"detail":"x"}`, cmdErr.Data)

	_, err = conn.Execute(context.Background(), "Page.reload", nil, 2*time.Second)
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "plain text", cmdErr.Data)
}

func TestOddlyShapedErrorsStillResolve(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv)
	// ids are assigned from 1, so the first two commands below get 1 and 2
	srv.Handle("Test.odd", cdptest.NoReply())

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := conn.Execute(context.Background(), "Test.odd", nil, 2*time.Second)
			errs <- err
		}()
	}
	waitFor(t, func() bool { return len(srv.Received()) == 2 })

	srv.SendRaw([]byte(`{"id":1,"error":{"code":"weird","message":{"text":"nested"}}}`))
	srv.SendRaw([]byte(`{"id":2,"method":42}`))

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
			var timeoutErr *cdp.TimeoutError
			assert.False(t, errors.As(err, &timeoutErr), "resolved by its response, not by the timeout: %v", err)
		case <-time.After(time.Second):
			t.Fatal("malformed response left the command pending")
		}
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv)

	_, err := conn.Execute(context.Background(), "Nope.nothing", nil, time.Second)

	var cmdErr *cdp.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, -32601, cmdErr.Code)
}

func TestEnabledDomains(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Audits.enable", cdptest.Fail(-32000, "not supported"))
	conn := dial(t, srv)
	ctx := context.Background()

	_, err := conn.Execute(ctx, "Network.enable", nil, time.Second)
	require.NoError(t, err)
	_, err = conn.Execute(ctx, "Network.enable", nil, time.Second)
	require.NoError(t, err)
	_, err = conn.Execute(ctx, "Console.enable", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"Console", "Network"}, conn.EnabledDomains())

	_, err = conn.Execute(ctx, "Audits.enable", nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, []string{"Console", "Network"}, conn.EnabledDomains())

	_, err = conn.Execute(ctx, "Network.disable", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"Console"}, conn.EnabledDomains())
}

func TestTimeoutRetiresID(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Runtime.evaluate", func(cmd cdptest.Command) cdptest.Reply {
		return cdptest.Reply{Result: map[string]int64{"id": cmd.ID}, Delay: 200 * time.Millisecond}
	})
	srv.Handle("Runtime.quick", cdptest.Result(map[string]string{"ok": "yes"}))
	conn := dial(t, srv)

	start := time.Now()
	_, err := conn.Execute(context.Background(), "Runtime.evaluate", nil, 50*time.Millisecond)
	var timeoutErr *cdp.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "Runtime.evaluate", timeoutErr.Method)
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	// the late response must not be matched to anything else
	time.Sleep(250 * time.Millisecond)
	res, err := conn.Execute(context.Background(), "Runtime.quick", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":"yes"}`, string(res))
}

func TestExecuteHonorsContext(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Page.navigate", cdptest.NoReply())
	conn := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := conn.Execute(ctx, "Page.navigate", map[string]string{"url": "about:blank"}, 5*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFaultIsolation(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv)

	conn.Subscribe("Console.messageAdded", func(ctx context.Context, ev cdp.Event) error {
		panic("boom")
	})
	conn.Subscribe("Console.messageAdded", func(ctx context.Context, ev cdp.Event) error {
		return errors.New("always fails")
	})
	var mu sync.Mutex
	var got []int
	conn.Subscribe("Console.messageAdded", func(ctx context.Context, ev cdp.Event) error {
		var p struct{ Seq int }
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, p.Seq)
		mu.Unlock()
		return nil
	})

	const n = 20
	for i := 0; i < n; i++ {
		srv.Emit("Console.messageAdded", map[string]int{"seq": i})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	})
	for i := 0; i < n; i++ {
		assert.Equal(t, i, got[i])
	}
}

func TestUnsubscribe(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv)

	calls := make(chan string, 10)
	a := conn.Subscribe("Page.loadEventFired", func(ctx context.Context, ev cdp.Event) error {
		calls <- "a"
		return nil
	})
	conn.Subscribe("Page.loadEventFired", func(ctx context.Context, ev cdp.Event) error {
		calls <- "b"
		return nil
	})

	conn.Unsubscribe(a)
	conn.Unsubscribe(a)
	assert.False(t, a.Active())

	srv.Emit("Page.loadEventFired", map[string]float64{"timestamp": 1})
	assert.Equal(t, "b", <-calls)

	conn.Register(a)
	conn.Register(a)
	assert.True(t, a.Active())

	srv.Emit("Page.loadEventFired", map[string]float64{"timestamp": 2})
	assert.Equal(t, "b", <-calls)
	assert.Equal(t, "a", <-calls)
	select {
	case c := <-calls:
		t.Fatalf("unexpected extra call %q", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAsyncHandlerDoesNotBlockReads(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Network.getResponseBody", cdptest.Result(map[string]any{"body": "hello", "base64Encoded": false}))
	conn := dial(t, srv)

	release := make(chan struct{})
	bodies := make(chan string, 10)
	slow := conn.Subscribe("Network.loadingFinished", func(ctx context.Context, ev cdp.Event) error {
		<-release
		res, err := conn.Execute(ctx, "Network.getResponseBody", ev.Params, time.Second)
		if err != nil {
			return err
		}
		var r struct{ Body string }
		json.Unmarshal(res, &r)
		bodies <- r.Body
		return nil
	}, cdp.Async())

	seen := make(chan struct{}, 10)
	conn.Subscribe("Network.loadingFinished", func(ctx context.Context, ev cdp.Event) error {
		seen <- struct{}{}
		return nil
	})

	for i := 0; i < 3; i++ {
		srv.Emit("Network.loadingFinished", map[string]string{"requestId": fmt.Sprint(i)})
	}
	for i := 0; i < 3; i++ {
		select {
		case <-seen:
		case <-time.After(2 * time.Second):
			t.Fatal("synchronous subscriber starved by asynchronous one")
		}
	}

	_, err := conn.Execute(context.Background(), "Page.enable", nil, time.Second)
	require.NoError(t, err)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, slow.Drain(ctx))
	require.NoError(t, conn.Drain(ctx))
	assert.Len(t, bodies, 3)
}

func TestSaturatedAsyncHandlersQueueWithoutBlockingReads(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv, cdp.WithMaxAsyncHandlers(1))

	var (
		mu      sync.Mutex
		running int
		peak    int
		handled int
	)
	release := make(chan struct{})
	sub := conn.Subscribe("Test.tick", func(ctx context.Context, ev cdp.Event) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		handled++
		mu.Unlock()
		return nil
	}, cdp.Async())

	for i := 0; i < 5; i++ {
		srv.Emit("Test.tick", map[string]int{"n": i})
	}

	// every slot is taken, yet responses still get through
	_, err := conn.Execute(context.Background(), "Page.enable", nil, time.Second)
	require.NoError(t, err)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sub.Drain(ctx))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, handled)
	assert.Equal(t, 1, peak)
}

func TestReconnectReplaysDomainsBeforeHeldEvents(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv)
	ctx := context.Background()

	_, err := conn.Execute(ctx, "Network.enable", nil, time.Second)
	require.NoError(t, err)
	_, err = conn.Execute(ctx, "Console.enable", nil, time.Second)
	require.NoError(t, err)

	type delivery struct {
		seq      int
		replayed []string
	}
	deliveries := make(chan delivery, 10)
	sub := conn.Subscribe("Console.messageAdded", func(ctx context.Context, ev cdp.Event) error {
		var p struct{ Seq int }
		json.Unmarshal(ev.Params, &p)
		deliveries <- delivery{seq: p.Seq, replayed: srv.ReceivedMethods(2)}
		return nil
	})

	// the new channel receives events before the client has replayed anything
	srv.OnConnect(func(connSeq int) {
		if connSeq == 2 {
			srv.Emit("Console.messageAdded", map[string]int{"seq": 1})
			srv.Emit("Console.messageAdded", map[string]int{"seq": 2})
		}
	})
	srv.DropConnections()

	for want := 1; want <= 2; want++ {
		select {
		case d := <-deliveries:
			assert.Equal(t, want, d.seq)
			assert.Equal(t, []string{"Console.enable", "Network.enable"}, d.replayed)
		case <-time.After(5 * time.Second):
			t.Fatal("held event was never delivered")
		}
	}

	assert.True(t, sub.Active())
	assert.Equal(t, cdp.StateConnected, conn.State())
	assert.Equal(t, 0, conn.Attempt())
	assert.Equal(t, []string{"Console", "Network"}, conn.EnabledDomains())
	assert.Equal(t, 2, srv.Connections())

	srv.Emit("Console.messageAdded", map[string]int{"seq": 3})
	d := <-deliveries
	assert.Equal(t, 3, d.seq)
}

func TestReplayFailureDropsDomain(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv)
	ctx := context.Background()

	_, err := conn.Execute(ctx, "Network.enable", nil, time.Second)
	require.NoError(t, err)
	_, err = conn.Execute(ctx, "Console.enable", nil, time.Second)
	require.NoError(t, err)

	srv.Handle("Network.enable", cdptest.Fail(-32000, "Network is not available"))
	srv.DropConnections()

	waitFor(t, func() bool { return srv.Connections() == 2 && conn.State() == cdp.StateConnected })
	assert.Equal(t, []string{"Console"}, conn.EnabledDomains())
}

func TestPendingCommandFailsOnDrop(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Page.navigate", cdptest.NoReply())
	conn := dial(t, srv)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Execute(context.Background(), "Page.navigate", nil, 5*time.Second)
		errCh <- err
	}()
	waitFor(t, func() bool { return len(srv.ReceivedMethods(1)) == 1 })
	srv.DropConnections()

	var connErr *cdp.ConnectionError
	require.ErrorAs(t, <-errCh, &connErr)

	// never retried on the new channel
	waitFor(t, func() bool { return conn.State() == cdp.StateConnected })
	assert.Empty(t, srv.ReceivedMethods(2))
}

func TestExecuteWaitsWhileReconnecting(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Runtime.evaluate", cdptest.Result(map[string]any{"result": map[string]any{"type": "number", "value": 2}}))
	conn := dial(t, srv, cdp.WithReconnect(100, 10*time.Millisecond, 10*time.Millisecond))

	srv.Refuse(true)
	srv.DropConnections()
	waitFor(t, conn.Reconnecting)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Execute(context.Background(), "Runtime.evaluate", map[string]string{"expression": "1+1"}, 5*time.Second)
		errCh <- err
	}()
	waitFor(t, func() bool { return srv.Refused() >= 2 })
	assert.Greater(t, conn.Attempt(), 0)
	srv.Refuse(false)

	require.NoError(t, <-errCh)
	assert.Equal(t, 0, conn.Attempt())
}

func TestReconnectExhausted(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Page.navigate", cdptest.NoReply())
	conn := dial(t, srv, cdp.WithReconnect(2, 5*time.Millisecond, 10*time.Millisecond))

	srv.Refuse(true)
	srv.DropConnections()

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection never gave up")
	}
	assert.Equal(t, cdp.StateDisconnected, conn.State())
	assert.Equal(t, 2, srv.Refused())

	var connErr *cdp.ConnectionError
	require.ErrorAs(t, conn.Err(), &connErr)
	assert.Equal(t, 2, connErr.Attempts)

	_, err := conn.Execute(context.Background(), "Page.navigate", nil, time.Second)
	require.ErrorAs(t, err, &connErr)
}

func TestNoReconnect(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv, cdp.WithReconnect(0, 0, 0))

	srv.DropConnections()
	<-conn.Done()
	assert.Equal(t, 1, srv.Connections())
}

func TestCloseFailsPendingCommands(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Page.navigate", cdptest.NoReply())
	conn := dial(t, srv)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Execute(context.Background(), "Page.navigate", nil, 5*time.Second)
		errCh <- err
	}()
	waitFor(t, func() bool { return len(srv.Received()) == 1 })

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	err := <-errCh
	require.ErrorIs(t, err, cdp.ErrClosed)
	_, err = conn.Execute(context.Background(), "Page.enable", nil, time.Second)
	require.ErrorIs(t, err, cdp.ErrClosed)
	assert.Equal(t, cdp.StateDisconnected, conn.State())
}

func TestUndecodableMessageIsSkipped(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv)

	srv.SendRaw([]byte("this is not json"))
	srv.SendRaw([]byte(`{"id": 99999, "result": {}}`))

	_, err := conn.Execute(context.Background(), "Page.enable", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, cdp.StateConnected, conn.State())
}
