package launcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guseggert/devtrace/cdp"
	"github.com/guseggert/devtrace/cdp/cdptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBrowserArgs(t *testing.T) {
	cases := []struct {
		name string
		p    Params
		want []string
	}{
		{
			name: "headless default",
			p:    Params{},
			want: []string{"--remote-debugging-port=9333", "--no-first-run", "--no-default-browser-check", "--user-data-dir=/tmp/p", "--headless=new", "about:blank"},
		},
		{
			name: "headed with url and extra args",
			p:    Params{Mode: ModeHeaded, URL: "https://example.com", ExtraArgs: []string{"--mute-audio"}},
			want: []string{"--remote-debugging-port=9333", "--no-first-run", "--no-default-browser-check", "--user-data-dir=/tmp/p", "--mute-audio", "https://example.com"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, BrowserArgs(c.p, 9333, "/tmp/p"))
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeHeadless, m)
	m, err = ParseMode("headed")
	require.NoError(t, err)
	assert.Equal(t, ModeHeaded, m)
	_, err = ParseMode("invisible")
	require.Error(t, err)
}

func TestLaunchErrorHints(t *testing.T) {
	err := Errorf(CodeBrowserNotFound, errors.New("exec: not found"), "no browser in %s", "PATH")
	assert.Equal(t, "BROWSER_NOT_FOUND: no browser in PATH: exec: not found", err.Error())
	assert.Contains(t, cdp.Hint(err), "install Chrome")

	custom := &LaunchError{Code: CodeStartFailed, Message: "boom", Hint: "try again"}
	assert.Equal(t, "try again", cdp.Hint(custom))
}

func TestWaitForTarget(t *testing.T) {
	log := zap.NewNop().Sugar()

	t.Run("finds the first page", func(t *testing.T) {
		srv := cdptest.NewServer(t, cdptest.WithTargets(
			cdptest.Target{ID: "worker", Type: "service_worker"},
			cdptest.Target{ID: "page", Type: "page"},
		))
		id, err := WaitForTarget(context.Background(), log, srv.Endpoint(), time.Second, nil)
		require.NoError(t, err)
		assert.Equal(t, "page", id)
	})

	t.Run("no page", func(t *testing.T) {
		srv := cdptest.NewServer(t, cdptest.WithTargets(cdptest.Target{ID: "w", Type: "worker"}))
		_, err := WaitForTarget(context.Background(), log, srv.Endpoint(), 300*time.Millisecond, nil)
		var launchErr *LaunchError
		require.ErrorAs(t, err, &launchErr)
		assert.Equal(t, CodeNoTarget, launchErr.Code)
	})

	t.Run("nothing listening", func(t *testing.T) {
		_, err := WaitForTarget(context.Background(), log, "http://127.0.0.1:1", 300*time.Millisecond, nil)
		var launchErr *LaunchError
		require.ErrorAs(t, err, &launchErr)
		assert.Equal(t, CodeStartupTimeout, launchErr.Code)
	})

	t.Run("process exited", func(t *testing.T) {
		exited := make(chan struct{})
		close(exited)
		_, err := WaitForTarget(context.Background(), log, "http://127.0.0.1:1", 5*time.Second, exited)
		var launchErr *LaunchError
		require.ErrorAs(t, err, &launchErr)
		assert.Equal(t, CodeStartFailed, launchErr.Code)
	})
}
