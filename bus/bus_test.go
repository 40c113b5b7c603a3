package bus

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/internal/retry"
	"github.com/hupe1980/servicebus/internal/testutil"
	"github.com/hupe1980/servicebus/logging"
)

func newTestBus(t *testing.T, notifier core.Notifier) *ServiceBus {
	t.Helper()
	b := New(func(o *Options) {
		o.Config.ChannelCapacity = 16
		o.Config.Pool = PoolConfig{
			Workers:         2,
			MaxWorkers:      4,
			Dispatch:        retry.Fixed(3, 10*time.Millisecond),
			ShutdownTimeout: time.Second,
		}
		o.Notifier = notifier
	})
	t.Cleanup(func() { b.Shutdown() })
	return b
}

func TestWorkerRetriesUntilAccepted(t *testing.T) {
	b := newTestBus(t, nil)
	svc := testutil.NewRecordingService(false, false, true)
	require.NoError(t, b.Register(svc.Type("target"), nil))
	require.True(t, b.Start(nil))

	env := testutil.NewEnvelopeBuilder().Route("target", "OP").Build()
	require.True(t, b.Send(env))

	assert.Eventually(t, func() bool { return b.Status().Acked == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, svc.Calls())
	assert.True(t, env.Route.Routed())
	assert.Empty(t, b.DeadLetters())
	assert.Equal(t, uint64(1), b.Status().Dispatched)
}

func TestWorkerDeadLettersAfterExhaustion(t *testing.T) {
	notifier := testutil.NewRecordingNotifier()
	b := newTestBus(t, notifier)
	svc := testutil.NewRecordingService(false, false, false, false)
	require.NoError(t, b.Register(svc.Type("target"), nil))
	require.True(t, b.Start(nil))

	env := testutil.NewEnvelopeBuilder().Route("target", "OP").Client("c1").Build()
	require.True(t, b.Send(env))

	got := notifier.Wait(time.Second)
	require.NotNil(t, got)
	assert.Equal(t, env.ID, got.ID)
	assert.True(t, got.IsReply())
	require.NotEmpty(t, got.Errors())
	assert.Equal(t, core.CodeDispatch, got.Errors()[0].Code)

	assert.Equal(t, 3, svc.Calls())
	dls := b.DeadLetters()
	require.Len(t, dls, 1)
	assert.ErrorIs(t, dls[0].Reason, core.ErrDispatchFailed)
	assert.Equal(t, uint64(0), b.Status().Acked)
}

func TestWorkerFallsBackToOrchestration(t *testing.T) {
	b := newTestBus(t, nil)
	orchestrator := testutil.NewRecordingService()
	require.NoError(t, b.Register(orchestrator.Type(core.OrchestratorID), nil))
	require.True(t, b.Start(nil))

	noRoute := testutil.NewEnvelopeBuilder().ID("no-route").Build()
	unknown := testutil.NewEnvelopeBuilder().ID("unknown").Route("missing", "OP").Build()
	routed := testutil.NewEnvelopeBuilder().ID("routed").Route("missing", "OP").Build()
	routed.Route.MarkRouted()

	for _, env := range []*core.Envelope{noRoute, unknown, routed} {
		require.True(t, b.Send(env))
	}

	assert.Eventually(t, func() bool { return orchestrator.Calls() == 3 }, time.Second, 5*time.Millisecond)
	assert.False(t, unknown.Route.Routed())
}

func TestWorkerDeadLettersWithoutOrchestration(t *testing.T) {
	b := newTestBus(t, nil)
	require.True(t, b.Start(nil))

	require.True(t, b.Send(testutil.NewEnvelopeBuilder().ID("lost").Build()))

	assert.Eventually(t, func() bool { return len(b.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	dl := b.DeadLetters()[0]
	assert.Equal(t, "lost", dl.EnvelopeID)
	assert.ErrorIs(t, dl.Reason, core.ErrUnroutable)
}

func TestWorkerDeliversRepliesToNotifier(t *testing.T) {
	notifier := testutil.NewRecordingNotifier()
	b := newTestBus(t, notifier)
	orchestrator := testutil.NewRecordingService()
	require.NoError(t, b.Register(orchestrator.Type(core.OrchestratorID), nil))
	require.True(t, b.Start(nil))

	env := testutil.NewEnvelopeBuilder().Client("c1").Build()
	env.SetReply(true)
	require.True(t, b.Send(env))

	got := notifier.Wait(time.Second)
	require.NotNil(t, got)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, 0, orchestrator.Calls())
}

func TestWorkerRecoversFromPanickingService(t *testing.T) {
	b := newTestBus(t, nil)
	svc := testutil.NewRecordingService()
	calls := 0
	svc.OnReceive = func(*core.Envelope) {
		calls++
		if calls == 1 {
			panic("boom")
		}
	}
	require.NoError(t, b.Register(svc.Type("target"), nil))
	require.True(t, b.Start(nil))

	require.True(t, b.Send(testutil.NewEnvelopeBuilder().Route("target", "OP").Build()))
	assert.Eventually(t, func() bool { return b.Status().Acked == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, svc.Calls())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBusLogsThroughComponentLoggers(t *testing.T) {
	out := &lockedBuffer{}
	b := New(func(o *Options) {
		o.Config.Pool = PoolConfig{Workers: 1, MaxWorkers: 1, Dispatch: retry.Fixed(1, time.Millisecond), ShutdownTimeout: time.Second}
		o.Logger = logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "json", Output: out})
	})
	t.Cleanup(func() { b.Shutdown() })

	svc := testutil.NewRecordingService()
	svc.OnReceive = func(env *core.Envelope) {
		if env.ID == "panics" {
			panic("boom")
		}
	}
	require.NoError(t, b.Register(svc.Type("target"), nil))
	require.True(t, b.Start(nil))

	require.True(t, b.Send(testutil.NewEnvelopeBuilder().ID("fine").Route("target", "OP").Build()))
	require.True(t, b.Send(testutil.NewEnvelopeBuilder().ID("panics").Route("target", "OP").Build()))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"msg":"Envelope dead-lettered"`)
	}, time.Second, 5*time.Millisecond)

	var dispatched, failed, panicked, deadLettered bool
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		switch {
		case strings.Contains(line, `"msg":"Dispatch completed"`):
			dispatched = strings.Contains(line, `"component":"pool"`) && strings.Contains(line, `"envelope_id":"fine"`)
		case strings.Contains(line, `"msg":"Dispatch failed"`):
			failed = strings.Contains(line, `"envelope_id":"panics"`)
		case strings.Contains(line, `"msg":"service panicked during receive"`):
			panicked = strings.Contains(line, `"stack_trace"`)
		case strings.Contains(line, `"msg":"Envelope dead-lettered"`):
			deadLettered = strings.Contains(line, `"component":"bus"`) && strings.Contains(line, `"operation":"OP"`)
		}
	}
	assert.True(t, dispatched, "dispatch success logged by the pool")
	assert.True(t, failed, "dispatch failure logged")
	assert.True(t, panicked, "panic logged with stack")
	assert.True(t, deadLettered, "dead letter logged by the bus")
}

func TestBusLifecycleBroadcast(t *testing.T) {
	b := newTestBus(t, nil)
	a := testutil.NewRecordingService()
	c := testutil.NewRecordingService()
	require.NoError(t, b.Register(a.Type("a"), nil))
	require.NoError(t, b.Register(c.Type("c"), nil))

	require.True(t, b.Start(nil))
	assert.True(t, b.Running())
	assert.True(t, b.Pause())
	assert.True(t, b.Status().Paused)
	assert.True(t, b.Unpause())
	assert.True(t, b.Restart())
	assert.True(t, b.GracefulShutdown())
	assert.False(t, b.Running())
	assert.Equal(t, PoolStopped, b.Status().State)

	want := []string{"start", "pause", "unpause", "restart", "graceful_shutdown"}
	assert.Equal(t, want, a.Lifecycle())
	assert.Equal(t, want, c.Lifecycle())
}

func TestBusPauseHoldsEnvelopes(t *testing.T) {
	b := newTestBus(t, nil)
	svc := testutil.NewRecordingService()
	require.NoError(t, b.Register(svc.Type("target"), nil))
	require.True(t, b.Start(nil))
	require.True(t, b.Pause())

	require.True(t, b.Send(testutil.NewEnvelopeBuilder().Route("target", "OP").Build()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, svc.Calls())

	require.True(t, b.Unpause())
	assert.Eventually(t, func() bool { return svc.Calls() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBusRegisterWhileRunningStartsService(t *testing.T) {
	b := newTestBus(t, nil)
	require.True(t, b.Start(nil))

	svc := testutil.NewRecordingService()
	require.NoError(t, b.Register(svc.Type("late"), core.Properties{"x": "1"}))

	select {
	case <-svc.Started():
	case <-time.After(time.Second):
		t.Fatal("service not started")
	}
	assert.True(t, b.IsRegistered("late"))
}

func TestBusRegisterRacingStartStartsServiceOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := newTestBus(t, nil)
		svc := testutil.NewRecordingService()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.True(t, b.Start(nil))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Register(svc.Type("late"), nil))
		}()
		wg.Wait()

		require.Equal(t, []string{"start"}, svc.Lifecycle(), "iteration %d", i)
	}
}

func TestBusRegisterRacingShutdownIsNeverLeftRunning(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := newTestBus(t, nil)
		require.True(t, b.Start(nil))
		svc := testutil.NewRecordingService()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Shutdown()
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Register(svc.Type("late"), nil))
		}()
		wg.Wait()

		// Registered in time: started, then shut down. Too late: never started.
		if got := svc.Lifecycle(); len(got) > 0 {
			require.Equal(t, []string{"start", "shutdown"}, got, "iteration %d", i)
		}
	}
}

func TestBusGracefulShutdownDrainsOrchestrationFirst(t *testing.T) {
	b := newTestBus(t, nil)

	var mu sync.Mutex
	var order []string
	for _, id := range []string{"a", core.OrchestratorID, "z"} {
		svc := testutil.NewRecordingService()
		svc.OnLifecycle = func(op string) {
			if op != "graceful_shutdown" {
				return
			}
			if id == core.OrchestratorID {
				// Give a concurrent shutdown of the others a chance to overtake.
				time.Sleep(20 * time.Millisecond)
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}
		require.NoError(t, b.Register(svc.Type(id), nil))
	}

	require.True(t, b.Start(nil))
	require.True(t, b.GracefulShutdown())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, core.OrchestratorID, order[0])
	assert.ElementsMatch(t, []string{"a", "z"}, order[1:])
}

func TestBusRegisterDuplicate(t *testing.T) {
	b := newTestBus(t, nil)
	require.NoError(t, b.Register(testutil.NewRecordingService().Type("a"), nil))

	err := b.Register(testutil.NewRecordingService().Type("a"), nil)
	assert.ErrorIs(t, err, core.ErrServiceRegistered)

	err = b.RegisterAll([]core.ServiceType{
		testutil.NewRecordingService().Type("b"),
		testutil.NewRecordingService().Type("a"),
		{ID: "c"},
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrServiceRegistered)
	assert.ErrorIs(t, err, core.ErrServiceNotAccessible)
	assert.Equal(t, []string{"a", "b"}, b.Services())
}

func TestBusSendAfterShutdownFails(t *testing.T) {
	b := newTestBus(t, nil)
	require.True(t, b.Start(nil))
	require.True(t, b.Shutdown())

	assert.False(t, b.Send(testutil.NewEnvelopeBuilder().Build()))
	assert.False(t, b.Start(nil))
}

func TestPoolGrowsUnderLoad(t *testing.T) {
	ch := NewChannel(8)
	reg := NewRegistry()
	block := make(chan struct{})
	svc := testutil.NewRecordingService()
	svc.OnReceive = func(*core.Envelope) { <-block }
	_, err := reg.Register(svc.Type("slow"), nil, nil)
	require.NoError(t, err)

	p := NewPool(ch, reg, func(*core.Envelope, error) {}, PoolConfig{
		Workers:            1,
		MaxWorkers:         3,
		GrowThreshold:      1,
		SupervisorInterval: 5 * time.Millisecond,
		Dispatch:           retry.Fixed(1, 0),
		ShutdownTimeout:    time.Second,
	}, nil)
	require.True(t, p.Start())

	for i := 0; i < 6; i++ {
		require.True(t, ch.Send(testutil.NewEnvelopeBuilder().Route("slow", "OP").Build()))
	}
	assert.Eventually(t, func() bool { return p.Workers() == 3 }, time.Second, 5*time.Millisecond)

	close(block)
	assert.True(t, p.Shutdown())
	assert.Equal(t, uint64(6), p.Dispatched())
	assert.Equal(t, 0, p.Workers())
}

func TestBusDeadLetterHooks(t *testing.T) {
	var fromOption, fromMethod []string
	b := New(func(o *Options) {
		o.DeadLetterHooks = append(o.DeadLetterHooks, func(e *core.Envelope, _ error) {
			fromOption = append(fromOption, e.ID)
		})
	})
	b.OnDeadLetter(func(e *core.Envelope, reason error) {
		assert.ErrorIs(t, reason, core.ErrUnroutable)
		fromMethod = append(fromMethod, e.ID)
	})

	b.DeadLetter(testutil.NewEnvelopeBuilder().ID("x").Build(), nil)

	assert.Equal(t, []string{"x"}, fromOption)
	assert.Equal(t, []string{"x"}, fromMethod)
	require.Len(t, b.DeadLetters(), 1)
}
