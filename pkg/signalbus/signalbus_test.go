package signalbus

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LINBIT/drbd-reactor/pkg/plugin"
	"github.com/LINBIT/drbd-reactor/pkg/reconciler"
)

func TestSIGHUPTriggersReload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	directives := make(chan reconciler.Directive, 1)
	loadCalls := 0
	loadConfigs := func() ([]plugin.Config, error) {
		loadCalls++
		return []plugin.Config{}, nil
	}

	go Watch(ctx, directives, loadConfigs)
	time.Sleep(20 * time.Millisecond) // let signal.Notify register

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))

	select {
	case d := <-directives:
		assert.Equal(t, reconciler.DirectiveReload, d.Kind)
	case <-time.After(time.Second):
		t.Fatal("no reload directive received after SIGHUP")
	}
	assert.Equal(t, 1, loadCalls)
}

func TestSIGHUPReloadFailureIsIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	directives := make(chan reconciler.Directive, 1)
	loadConfigs := func() ([]plugin.Config, error) {
		return nil, errors.New("bad config")
	}

	go Watch(ctx, directives, loadConfigs)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))

	select {
	case d := <-directives:
		t.Fatalf("unexpected directive after failed reload: %+v", d)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSIGTERMTriggersStopAndReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	directives := make(chan reconciler.Directive, 1)
	loadConfigs := func() ([]plugin.Config, error) { return nil, nil }

	done := make(chan struct{})
	go func() {
		Watch(ctx, directives, loadConfigs)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case d := <-directives:
		assert.Equal(t, reconciler.DirectiveStop, d.Kind)
	case <-time.After(time.Second):
		t.Fatal("no stop directive received after SIGTERM")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after SIGTERM")
	}
}

func TestContextCancelStopsWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	directives := make(chan reconciler.Directive, 1)
	loadConfigs := func() ([]plugin.Config, error) { return nil, nil }

	done := make(chan struct{})
	go func() {
		Watch(ctx, directives, loadConfigs)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after context cancellation")
	}
}
