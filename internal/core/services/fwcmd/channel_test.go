package fwcmd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
)

// loopTransport records submitted commands and lets tests complete them
// manually or automatically.
type loopTransport struct {
	mu       sync.Mutex
	commands []domain.Command
	// autoComplete, when set, echoes every command immediately on a
	// separate goroutine.
	autoComplete func(cmd domain.Command)
	failSubmit   error
}

func (t *loopTransport) Submit(cmd domain.Command) error {
	t.mu.Lock()
	t.commands = append(t.commands, cmd)
	auto := t.autoComplete
	err := t.failSubmit
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if auto != nil {
		go auto(cmd)
	}
	return nil
}

func (t *loopTransport) last() domain.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commands[len(t.commands)-1]
}

func (t *loopTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.commands)
}

func TestSend_CompletionRoundTrip(t *testing.T) {
	tr := &loopTransport{}
	ch := New(tr, 8, time.Second, zap.NewNop())
	tr.autoComplete = func(cmd domain.Command) {
		ch.OnCompletion(domain.CommandCompletion{Tag: cmd.Tag, Status: domain.StatusSuccess, Payload: []byte("pong")})
	}

	c, err := ch.Send(context.Background(), 1, domain.CmdGetSignal, false, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, c.Status)
	assert.Equal(t, []byte("pong"), c.Payload)
	assert.Equal(t, 0, ch.InFlight())
	assert.False(t, ch.Busy())
}

func TestSend_Timeout(t *testing.T) {
	tr := &loopTransport{} // never completes
	ch := New(tr, 8, 20*time.Millisecond, zap.NewNop())

	_, err := ch.Send(context.Background(), 1, domain.CmdJoin, true, nil)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, 0, ch.InFlight(), "expired command must not leak a slot")

	// A completion arriving after expiry is stale: dropped, no panic.
	ch.OnCompletion(domain.CommandCompletion{Tag: tr.last().Tag})
}

func TestSend_ContextCancel(t *testing.T) {
	tr := &loopTransport{}
	ch := New(tr, 8, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := ch.Send(ctx, 1, domain.CmdScanStart, true, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, ch.InFlight())
}

func TestSendAsync_Completion(t *testing.T) {
	tr := &loopTransport{}
	ch := New(tr, 8, time.Second, zap.NewNop())

	done := make(chan domain.CommandCompletion, 1)
	err := ch.SendAsync(1, domain.CmdSetPowerSave, true, nil, func(c domain.CommandCompletion, err error) {
		require.NoError(t, err)
		done <- c
	})
	require.NoError(t, err)

	ch.OnCompletion(domain.CommandCompletion{Tag: tr.last().Tag, Status: domain.StatusSuccess})
	select {
	case c := <-done:
		assert.Equal(t, domain.StatusSuccess, c.Status)
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestSendAsync_WindowSaturation(t *testing.T) {
	tr := &loopTransport{}
	ch := New(tr, 2, time.Hour, zap.NewNop())

	noop := func(domain.CommandCompletion, error) {}
	require.NoError(t, ch.SendAsync(1, domain.CmdJoin, true, nil, noop))
	require.NoError(t, ch.SendAsync(1, domain.CmdJoin, true, nil, noop))

	err := ch.SendAsync(1, domain.CmdJoin, true, nil, noop)
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)

	// Draining one slot admits the next command.
	ch.OnCompletion(domain.CommandCompletion{Tag: tr.commands[0].Tag})
	assert.NoError(t, ch.SendAsync(1, domain.CmdJoin, true, nil, noop))
}

func TestSendAsync_DeadlineFiresCallback(t *testing.T) {
	tr := &loopTransport{}
	ch := New(tr, 8, 20*time.Millisecond, zap.NewNop())

	errs := make(chan error, 1)
	require.NoError(t, ch.SendAsync(1, domain.CmdAuthenticate, true, nil, func(_ domain.CommandCompletion, err error) {
		errs <- err
	}))
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, domain.ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("deadline callback never invoked")
	}
	assert.Equal(t, 0, ch.InFlight())
}

func TestOnCompletion_UnknownTagDropped(t *testing.T) {
	ch := New(&loopTransport{}, 8, time.Second, zap.NewNop())
	ch.OnCompletion(domain.CommandCompletion{Tag: 9999}) // must not panic
	assert.Equal(t, 0, ch.InFlight())
}

func TestTags_UniqueAmongInFlight(t *testing.T) {
	tr := &loopTransport{}
	ch := New(tr, 16, time.Hour, zap.NewNop())

	noop := func(domain.CommandCompletion, error) {}
	for i := 0; i < 16; i++ {
		require.NoError(t, ch.SendAsync(1, domain.CmdGetSignal, false, nil, noop))
	}
	seen := make(map[uint16]bool)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, cmd := range tr.commands {
		assert.False(t, seen[cmd.Tag], "tag %d reused while in flight", cmd.Tag)
		assert.NotZero(t, cmd.Tag)
		seen[cmd.Tag] = true
	}
}

func TestReset_FailsSyncWaiters(t *testing.T) {
	tr := &loopTransport{}
	ch := New(tr, 8, time.Hour, zap.NewNop())

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Send(context.Background(), 1, domain.CmdAssociate, true, nil)
		errs <- err
	}()

	require.Eventually(t, func() bool { return tr.count() == 1 }, time.Second, time.Millisecond)
	ch.Reset()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, domain.ErrChannelReset)
	case <-time.After(time.Second):
		t.Fatal("reset did not unblock the waiter")
	}
	assert.Equal(t, 0, ch.InFlight())

	// The channel stays usable after a reset.
	tr.autoComplete = func(cmd domain.Command) {
		ch.OnCompletion(domain.CommandCompletion{Tag: cmd.Tag, Status: domain.StatusSuccess})
	}
	_, err := ch.Send(context.Background(), 1, domain.CmdJoin, true, nil)
	assert.NoError(t, err)
}

func TestReset_FailsAsyncCallbacks(t *testing.T) {
	tr := &loopTransport{}
	ch := New(tr, 8, time.Hour, zap.NewNop())

	errs := make(chan error, 1)
	require.NoError(t, ch.SendAsync(1, domain.CmdScanStart, true, nil, func(_ domain.CommandCompletion, err error) {
		errs <- err
	}))
	ch.Reset()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, domain.ErrChannelReset)
	case <-time.After(time.Second):
		t.Fatal("reset did not fail the async command")
	}
}

func TestClose_RejectsNewCommands(t *testing.T) {
	ch := New(&loopTransport{}, 8, time.Second, zap.NewNop())
	ch.Close()
	_, err := ch.Send(context.Background(), 1, domain.CmdJoin, true, nil)
	assert.ErrorIs(t, err, domain.ErrChannelReset)
}

func TestSubmitFailure_ReleasesSlot(t *testing.T) {
	tr := &loopTransport{failSubmit: assert.AnError}
	ch := New(tr, 1, time.Second, zap.NewNop())

	_, err := ch.Send(context.Background(), 1, domain.CmdJoin, true, nil)
	require.Error(t, err)

	// The only slot must be free again.
	tr.mu.Lock()
	tr.failSubmit = nil
	tr.mu.Unlock()
	tr.autoComplete = func(cmd domain.Command) {
		ch.OnCompletion(domain.CommandCompletion{Tag: cmd.Tag, Status: domain.StatusSuccess})
	}
	_, err = ch.Send(context.Background(), 1, domain.CmdJoin, true, nil)
	assert.NoError(t, err)
}
