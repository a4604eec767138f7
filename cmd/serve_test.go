package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/ralph/internal/daemon"
	"github.com/joescharf/ralph/internal/dispatcher"
)

func TestPidFile_Path(t *testing.T) {
	dir, _ := testEnv(t)

	assert.Equal(t, filepath.Join(dir, "ralph-serve.pid"), pidFile().Path)
	assert.Equal(t, filepath.Join(dir, "ralph-serve.log"), serveLogPath())
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	_, out := testEnv(t)

	require.NoError(t, serveStatusRun())
	assert.Contains(t, out.String(), "not running")
}

func TestServeStatusRun_StalePID(t *testing.T) {
	dir, out := testEnv(t)
	require.NoError(t, daemon.NewPIDFile(filepath.Join(dir, "ralph-serve.pid")).WritePID(999999))

	require.NoError(t, serveStatusRun())
	assert.Contains(t, out.String(), "Stale PID file")
}

func TestServeStatusRun_Running(t *testing.T) {
	dir, out := testEnv(t)
	viper.Set("server.port", 9191)
	require.NoError(t, daemon.NewPIDFile(filepath.Join(dir, "ralph-serve.pid")).Write())

	require.NoError(t, serveStatusRun())
	assert.Contains(t, out.String(), "running")
	assert.Contains(t, out.String(), "9191")
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir, _ := testEnv(t)
	require.NoError(t, daemon.NewPIDFile(filepath.Join(dir, "ralph-serve.pid")).Write())

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestServeRun_RefusesSecondServer(t *testing.T) {
	dir, _ := testEnv(t)
	pf := daemon.NewPIDFile(filepath.Join(dir, "ralph-serve.pid"))
	require.NoError(t, pf.WritePID(1))

	err := serveRun(t.Context())
	require.ErrorIs(t, err, daemon.ErrRunning)
}

func TestNewLimiter_Backends(t *testing.T) {
	testEnv(t)
	s, err := getStore()
	require.NoError(t, err)

	for _, backend := range []string{"store", "memory", ""} {
		viper.Set("ratelimit.backend", backend)
		l, err := newLimiter(s)
		require.NoError(t, err, backend)
		assert.NotNil(t, l)
	}

	viper.Set("ratelimit.backend", "redis")
	_, err = newLimiter(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown ratelimit.backend")
}

type countingTicker struct {
	mu    sync.Mutex
	ticks int
}

func (c *countingTicker) Tick(context.Context) (dispatcher.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
	return dispatcher.Stats{Dispatched: 1}, nil
}

func (c *countingTicker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

func TestTickOnSignal(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	d := &countingTicker{}
	kicks := make(chan os.Signal)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- tickOnSignal(ctx, d, kicks, logger) }()

	kicks <- os.Interrupt
	kicks <- os.Interrupt
	assert.Eventually(t, func() bool { return d.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Contains(t, logs.String(), "signalled dispatch")
}
