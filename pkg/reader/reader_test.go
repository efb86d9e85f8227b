package reader

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LINBIT/drbd-reactor/pkg/drbdevents"
)

type fakeReadCloser struct {
	io.Reader
}

func (fakeReadCloser) Close() error { return nil }

type fakeRunner struct {
	utilsVersion int
	kmodVersion  int
	versionErr   error
	lines        string
	nudges       int
	runs         int
}

func (f *fakeRunner) VersionCode(ctx context.Context) (int, int, error) {
	return f.utilsVersion, f.kmodVersion, f.versionErr
}

func (f *fakeRunner) Events2(ctx context.Context) (io.ReadCloser, func() error, func() error, error) {
	f.runs++
	rc := fakeReadCloser{Reader: strings.NewReader(f.lines)}
	nudge := func() error { f.nudges++; return nil }
	wait := func() error { return nil }
	return rc, nudge, wait, nil
}

func TestRunRejectsOldUtilsVersion(t *testing.T) {
	f := &fakeRunner{utilsVersion: 0x080000, kmodVersion: 0x0a0200}
	r := New(f)
	err := r.Run(context.Background(), make(chan drbdevents.RawEvent, 8))
	require.Error(t, err)
}

func TestRunRejectsOldKmodVersion(t *testing.T) {
	f := &fakeRunner{utilsVersion: 0x0a0200, kmodVersion: 0x080000}
	r := New(f)
	err := r.Run(context.Background(), make(chan drbdevents.RawEvent, 8))
	require.Error(t, err)
}

func TestRunRejectsMissingKmod(t *testing.T) {
	f := &fakeRunner{utilsVersion: 0x0a0200, kmodVersion: 0}
	r := New(f)
	err := r.Run(context.Background(), make(chan drbdevents.RawEvent, 8))
	require.Error(t, err)
}

func TestRunParsesEvents(t *testing.T) {
	f := &fakeRunner{
		utilsVersion: 0x0a0200,
		kmodVersion:  0x0a0200,
		lines: "exists -\n" +
			"exists resource name:test role:Secondary suspended:no write-ordering:flush " +
			"force-io-failures:no may_promote:yes promotion_score:1000\n",
	}
	r := New(f)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan drbdevents.RawEvent, 8)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, updates) }()

	select {
	case ev := <-updates:
		assert.Equal(t, drbdevents.WhatResource, ev.What)
		assert.Equal(t, "test", ev.Resource.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for parsed event")
	}

	cancel()
	<-done
}
