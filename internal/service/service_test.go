package service

import (
	"errors"
	"testing"
	"time"

	"github.com/palantir/stacktrace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limhud/bgp-translator/internal/errorcode"
)

type recorder struct {
	Service
	initErr  error
	runErr   error
	graceful chan time.Duration
	released bool
}

func newRecorder(t *testing.T) *recorder {
	r := &recorder{graceful: make(chan time.Duration, 1)}
	require.NoError(t, r.InitializeService("recorder", r))
	return r
}

func (r *recorder) Initialize() error {
	return r.initErr
}

func (r *recorder) Run(shutdownSignal <-chan time.Duration) error {
	r.graceful <- <-shutdownSignal
	return r.runErr
}

func (r *recorder) Release() error {
	r.released = true
	return nil
}

func TestInitializeService(t *testing.T) {
	s := &Service{}
	assert.Error(t, s.InitializeService("x", nil))
	assert.Error(t, s.InitializeService("", s))
	require.NoError(t, s.InitializeService("x", s))
	assert.Equal(t, StateInitialized, s.GetState())
	assert.Error(t, s.InitializeService("x", s))
}

func TestLifecycle(t *testing.T) {
	r := newRecorder(t)
	require.NoError(t, r.Start())
	assert.Error(t, r.Start())
	require.NoError(t, r.Shutdown(3*time.Second, 5*time.Second))
	assert.Equal(t, 3*time.Second, <-r.graceful)
	assert.True(t, r.released)
	assert.Eventually(t, func() bool { return r.GetState() == StateStopped }, time.Second, 10*time.Millisecond)
	// shutting down twice is harmless
	assert.NoError(t, r.Shutdown(0, time.Second))
	_, open := <-r.Done()
	assert.False(t, open)
}

func TestRunErrorPropagatesToDone(t *testing.T) {
	r := newRecorder(t)
	r.runErr = errors.New("boom")
	done := r.Done()
	require.NoError(t, r.Start())
	err := r.Shutdown(0, time.Second)
	assert.EqualError(t, err, "boom")
	assert.EqualError(t, <-done, "boom")
}

func TestStartInitializeFailure(t *testing.T) {
	r := newRecorder(t)
	r.initErr = errors.New("no listener")
	assert.Error(t, r.Start())
	assert.Equal(t, StateInitialized, r.GetState())
	r.initErr = nil
	require.NoError(t, r.Start())
	require.NoError(t, r.Shutdown(0, time.Second))
}

func TestShutdownNotStarted(t *testing.T) {
	r := newRecorder(t)
	err := r.Shutdown(0, time.Second)
	require.Error(t, err)
	assert.Equal(t, errorcode.EcodeServiceNotStarted, stacktrace.GetCode(err))
	assert.Error(t, r.Shutdown(-1, 0))
}

func TestShutdownAll(t *testing.T) {
	started := newRecorder(t)
	idle := newRecorder(t)
	require.NoError(t, started.Start())
	require.NoError(t, ShutdownAll(0, time.Second, started, idle, nil))
	assert.True(t, started.released)
	assert.False(t, idle.released)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
