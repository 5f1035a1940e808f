package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/ampctl/internal/engine"
	"github.com/andrej220/ampctl/internal/planner"
)

type fakeConn struct {
	sent   []string
	chunks chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{chunks: make(chan []byte, 32)}
}

func (f *fakeConn) Send(cmd string) error {
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeConn) Chunks() <-chan []byte { return f.chunks }

func (f *fakeConn) feed(s string) { f.chunks <- []byte(s) }

func TestExecuteCompletesOnQuietPrompt(t *testing.T) {
	conn := newFakeConn()
	step := planner.CommandStep{
		Command:      "show levels",
		Timeout:      2 * time.Second,
		PromptMarker: ">$",
	}

	conn.feed("level 1: -3.5 dB\n")
	conn.feed("level 2: -2.1 dB\n>$ ")

	res := engine.Execute(context.Background(), conn, step, nil)

	assert.Equal(t, engine.Complete, res.Status)
	assert.Contains(t, res.Output, "level 1: -3.5 dB")
	assert.Contains(t, res.Output, "level 2: -2.1 dB")
	require.Len(t, conn.sent, 1)
	assert.Equal(t, "show levels", conn.sent[0])
}

func TestExecuteValidationMustPrecedePrompt(t *testing.T) {
	conn := newFakeConn()
	step := planner.CommandStep{
		Command:      "hal debug",
		Validation:   "entering debug",
		Timeout:      2 * time.Second,
		PromptMarker: ">$",
	}

	// A prompt-shaped line arrives before the command has proven it ran.
	conn.feed("stale banner >$")
	go func() {
		time.Sleep(400 * time.Millisecond)
		conn.feed("\nentering debug\n>$")
	}()

	res := engine.Execute(context.Background(), conn, step, nil)

	assert.Equal(t, engine.Complete, res.Status)
	assert.Contains(t, res.Output, "entering debug",
		"must not complete on a prompt seen before the validation string")
}

func TestExecuteTimeoutReturnsPartialOutput(t *testing.T) {
	conn := newFakeConn()
	step := planner.CommandStep{
		Command:      "capture",
		Timeout:      300 * time.Millisecond,
		PromptMarker: ">$",
	}

	conn.feed("starting capture...\n")

	start := time.Now()
	res := engine.Execute(context.Background(), conn, step, nil)

	assert.Equal(t, engine.Timeout, res.Status)
	assert.Contains(t, res.Output, "starting capture...")
	var terr *engine.TimeoutError
	require.ErrorAs(t, res.Err, &terr)
	assert.Equal(t, "capture", terr.Command)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestExecuteIdleTimerResetsOnOutput(t *testing.T) {
	conn := newFakeConn()
	step := planner.CommandStep{
		Command:      "stream",
		Timeout:      300 * time.Millisecond,
		PromptMarker: ">$",
	}

	// Three chunks each inside the idle window, total beyond it.
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(200 * time.Millisecond)
			conn.feed("tick\n")
		}
		conn.feed(">$")
	}()

	res := engine.Execute(context.Background(), conn, step, nil)
	assert.Equal(t, engine.Complete, res.Status)
}

func TestExecuteDelaySuppressesEarlyPrompt(t *testing.T) {
	conn := newFakeConn()
	step := planner.CommandStep{
		Command:           "slow reconfig",
		Timeout:           2 * time.Second,
		DelayBeforePrompt: 400 * time.Millisecond,
		PromptMarker:      ">$",
	}

	// The shell repaints the prompt right away, then the real output lands.
	conn.feed(">$")
	go func() {
		time.Sleep(200 * time.Millisecond)
		conn.feed("\nreconfig done\n>$")
	}()

	res := engine.Execute(context.Background(), conn, step, nil)

	assert.Equal(t, engine.Complete, res.Status)
	assert.Contains(t, res.Output, "reconfig done")
}

func TestExecuteShellClosed(t *testing.T) {
	conn := newFakeConn()
	step := planner.CommandStep{
		Command:      "reboot",
		Timeout:      time.Second,
		PromptMarker: ">$",
	}

	conn.feed("going down\n")
	close(conn.chunks)

	res := engine.Execute(context.Background(), conn, step, nil)

	assert.Equal(t, engine.Error, res.Status)
	assert.Contains(t, res.Output, "going down")
	assert.Error(t, res.Err)
}

func TestExecuteContextCanceled(t *testing.T) {
	conn := newFakeConn()
	step := planner.CommandStep{
		Command:      "capture",
		Timeout:      5 * time.Second,
		PromptMarker: ">$",
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res := engine.Execute(ctx, conn, step, nil)

	assert.Equal(t, engine.Error, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
}
