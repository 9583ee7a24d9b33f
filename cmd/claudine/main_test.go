package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunExitCodes(t *testing.T) {
	assert.Equal(t, 0, run([]string{"claudine", "--version"}))
	assert.Equal(t, 1, run([]string{"claudine", "--no-such-flag"}))
}

func TestForceExitWatcherStopsWhenFinished(t *testing.T) {
	finished := make(chan struct{})
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		forceExitOnSecondSignal(context.Background(), finished)
	}()

	close(finished)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("watcher kept running after the command finished")
	}

	// Also after shutdown began.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	finished = make(chan struct{})
	returned = make(chan struct{})
	go func() {
		defer close(returned)
		forceExitOnSecondSignal(ctx, finished)
	}()
	close(finished)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("watcher kept running after shutdown completed")
	}
}
