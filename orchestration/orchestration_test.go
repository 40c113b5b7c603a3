package orchestration

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/internal/retry"
	"github.com/hupe1980/servicebus/internal/testutil"
	"github.com/hupe1980/servicebus/service"
)

func newEngine(t *testing.T, producer *testutil.RecordingProducer) *Service {
	t.Helper()
	s := New(producer, func(o *Options) {
		o.DrainInterval = 10 * time.Millisecond
		o.Service = append(o.Service, func(o *service.Options) {
			o.SendPolicy = retry.Fixed(2, time.Millisecond)
		})
	})
	require.True(t, s.Start(nil))
	return s
}

// hop simulates a worker dispatching the last sent envelope to its target,
// which hands it straight back to the engine.
func hop(t *testing.T, s *Service, producer *testutil.RecordingProducer) *core.Envelope {
	t.Helper()
	sent := producer.Sent()
	require.NotEmpty(t, sent)
	env := sent[len(sent)-1]
	require.NotNil(t, env.Route)
	env.Route.MarkRouted()
	require.True(t, s.Receive(env))
	return env
}

func TestThreeStepDAGRepliesOnce(t *testing.T) {
	producer := testutil.NewRecordingProducer("a", "b", "c")
	s := newEngine(t, producer)

	env := testutil.NewEnvelopeBuilder().Client("client-1").Hops("a:A", "b:B", "c:C").Build()
	require.True(t, s.Receive(env))

	stats := s.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 3, stats.Remaining)

	hop(t, s, producer)
	hop(t, s, producer)
	hop(t, s, producer)

	assert.Equal(t, []string{"a/A", "b/B", "c/C", "reply"}, producer.Trace())
	assert.True(t, env.IsReply())

	stats = s.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Remaining)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, uint64(3), stats.Issued)
	assert.Equal(t, uint64(1), stats.Replied)
}

func TestDAGWithoutClientCompletesSilently(t *testing.T) {
	producer := testutil.NewRecordingProducer("a")
	s := newEngine(t, producer)

	require.True(t, s.Receive(testutil.NewEnvelopeBuilder().Hops("a:A").Build()))
	hop(t, s, producer)

	assert.Len(t, producer.Sent(), 1)
	assert.Equal(t, uint64(1), s.Stats().Completed)
	assert.Equal(t, 0, s.Stats().Remaining)
}

func TestEmptyRouteWithoutGraph(t *testing.T) {
	producer := testutil.NewRecordingProducer()
	s := newEngine(t, producer)

	require.True(t, s.Receive(testutil.NewEnvelopeBuilder().Build()))
	assert.Empty(t, producer.Sent())
	assert.Equal(t, uint64(1), s.Stats().Completed)

	withClient := testutil.NewEnvelopeBuilder().Client("c").Build()
	require.True(t, s.Receive(withClient))
	require.Len(t, producer.Sent(), 1)
	assert.True(t, producer.Sent()[0].IsReply())
}

func TestRouteTargetingEngineFinishes(t *testing.T) {
	producer := testutil.NewRecordingProducer()
	s := newEngine(t, producer)

	env := testutil.NewEnvelopeBuilder().Route(core.OrchestratorID, "ANY").Client("c").Build()
	require.True(t, s.Receive(env))
	require.Len(t, producer.Sent(), 1)
	assert.True(t, producer.Sent()[0].IsReply())
}

func TestNotRunningDeadLetters(t *testing.T) {
	producer := testutil.NewRecordingProducer("a")
	s := New(producer)

	require.True(t, s.Receive(testutil.NewEnvelopeBuilder().Hops("a:A").Build()))
	require.Len(t, producer.DeadLetters(), 1)
	assert.ErrorIs(t, producer.DeadLetters()[0].Reason, core.ErrNotRunning)
	assert.Empty(t, producer.Sent())
}

func TestPassThroughHopConverges(t *testing.T) {
	producer := testutil.NewRecordingProducer("x")
	s := newEngine(t, producer)

	env := testutil.NewEnvelopeBuilder().Route("x", "OP").Build()
	require.True(t, s.Receive(env))

	stats := s.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Remaining)

	hop(t, s, producer)
	stats = s.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Remaining)
	assert.Equal(t, uint64(1), stats.Completed)
}

func TestPassThroughToUnknownServiceDeadLetters(t *testing.T) {
	producer := testutil.NewRecordingProducer()
	s := newEngine(t, producer)

	env := testutil.NewEnvelopeBuilder().Route("ghost", "OP").Build()
	require.True(t, s.Receive(env))

	require.Len(t, producer.DeadLetters(), 1)
	assert.ErrorIs(t, producer.DeadLetters()[0].Reason, core.ErrUnroutable)
	assert.Equal(t, core.CodeUnroutable, env.Errors()[0].Code)
	assert.Empty(t, producer.Sent())
}

func TestUnknownHopMidGraphIsSkipped(t *testing.T) {
	producer := testutil.NewRecordingProducer("a", "c")
	s := newEngine(t, producer)

	env := testutil.NewEnvelopeBuilder().Client("client-1").Hops("a:A", "ghost:G", "c:C").Build()
	require.True(t, s.Receive(env))
	hop(t, s, producer)

	// The worker cannot resolve "ghost" and hands the envelope back unrouted.
	require.True(t, s.Receive(env))
	assert.Empty(t, producer.DeadLetters())
	assert.Equal(t, []string{"a/A", "ghost/G", "c/C"}, producer.Trace())
	require.NotEmpty(t, env.Errors())
	assert.Equal(t, core.CodeUnroutable, env.Errors()[0].Code)

	hop(t, s, producer)
	assert.Equal(t, []string{"a/A", "ghost/G", "c/C", "reply"}, producer.Trace())
	stats := s.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Remaining)
	assert.Equal(t, 0, stats.InFlight)
}

func TestPendingRouteToUnknownServiceYieldsToGraph(t *testing.T) {
	producer := testutil.NewRecordingProducer("a")
	s := newEngine(t, producer)

	env := testutil.NewEnvelopeBuilder().Route("ghost", "X").Hops("a:A").Build()
	require.True(t, s.Receive(env))

	assert.Empty(t, producer.DeadLetters())
	assert.Equal(t, []string{"a/A"}, producer.Trace())

	hop(t, s, producer)
	assert.Empty(t, producer.DeadLetters())
	stats := s.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Remaining)
	assert.Equal(t, uint64(1), stats.Completed)
}

func TestPendingRouteToKnownServiceYieldsToGraph(t *testing.T) {
	producer := testutil.NewRecordingProducer("a", "x")
	s := newEngine(t, producer)

	env := testutil.NewEnvelopeBuilder().Route("x", "OP").Hops("a:A").Build()
	require.True(t, s.Receive(env))

	assert.Equal(t, []string{"a/A"}, producer.Trace())
	hop(t, s, producer)
	assert.Equal(t, []string{"a/A"}, producer.Trace())
	assert.Equal(t, uint64(1), s.Stats().Completed)
}

func TestReleaseSettlesAbandonedEnvelope(t *testing.T) {
	producer := testutil.NewRecordingProducer("a", "b", "c")
	s := newEngine(t, producer)

	env := testutil.NewEnvelopeBuilder().Hops("a:A", "b:B", "c:C").Build()
	require.True(t, s.Receive(env))
	hop(t, s, producer)

	s.Release(env, core.ErrDispatchFailed)
	s.Release(env, core.ErrDispatchFailed)

	stats := s.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Remaining)
}

func TestDeliveryFailureReleasesHop(t *testing.T) {
	producer := testutil.NewRecordingProducer("a", "b")
	producer.Accept = func(int, *core.Envelope) bool { return false }
	s := newEngine(t, producer)

	env := testutil.NewEnvelopeBuilder().Hops("a:A", "b:B").Build()
	require.True(t, s.Receive(env))

	require.Len(t, producer.DeadLetters(), 1)
	assert.ErrorIs(t, producer.DeadLetters()[0].Reason, core.ErrDeliveryFailed)
	assert.Equal(t, 0, s.Stats().Remaining)
	assert.Equal(t, 0, s.Stats().Active)
}

func TestHeaderResolver(t *testing.T) {
	r := HeaderResolver{}

	drg := r.Resolve(testutil.NewEnvelopeBuilder().Target("svc", "DO").Build())
	require.NotNil(t, drg)
	next := drg.PeekAtNextRoute()
	assert.Equal(t, "svc", next.Service)
	assert.Equal(t, "DO", next.Operation)

	drg = r.Resolve(testutil.NewEnvelopeBuilder().Sensitivity(core.SensitivityHigh).Build())
	require.NotNil(t, drg)
	assert.Equal(t, core.SensorsID, drg.PeekAtNextRoute().Service)
	assert.Equal(t, OperationSend, drg.PeekAtNextRoute().Operation)

	drg = r.Resolve(testutil.NewEnvelopeBuilder().URL("http://example.com").Build())
	require.NotNil(t, drg)
	assert.Equal(t, core.SensorsID, drg.PeekAtNextRoute().Service)

	assert.Nil(t, r.Resolve(testutil.NewEnvelopeBuilder().Build()))
	assert.Nil(t, r.Resolve(testutil.NewEnvelopeBuilder().Target(core.OrchestratorID, "X").Build()))
}

func TestResolverIsUsedForHeaderTargets(t *testing.T) {
	producer := testutil.NewRecordingProducer("svc")
	s := newEngine(t, producer)

	require.True(t, s.Receive(testutil.NewEnvelopeBuilder().Target("svc", "DO").Client("c").Build()))
	assert.Equal(t, []string{"svc/DO"}, producer.Trace())

	hop(t, s, producer)
	assert.Equal(t, []string{"svc/DO", "reply"}, producer.Trace())
}

func TestCommandAddressedToEngine(t *testing.T) {
	producer := testutil.NewRecordingProducer()
	s := newEngine(t, producer)

	env := core.NewCommandEnvelope(core.CommandPause, nil)
	env.Route = core.NewRoute(core.OrchestratorID, "")
	require.True(t, s.Receive(env))
	assert.Equal(t, service.StatusPaused, s.Status())
}

func TestShutdownWaitsForDrain(t *testing.T) {
	producer := testutil.NewRecordingProducer("a")
	s := New(producer, func(o *Options) {
		o.DrainInterval = 20 * time.Millisecond
		o.GracefulDrainWaits = 50
	})
	require.True(t, s.Start(nil))

	env := testutil.NewEnvelopeBuilder().Hops("a:A").Build()
	require.True(t, s.Receive(env))
	require.Equal(t, 1, s.Stats().Remaining)

	go func() {
		time.Sleep(50 * time.Millisecond)
		env.Route.MarkRouted()
		s.Receive(env)
	}()

	start := time.Now()
	require.True(t, s.GracefulShutdown())
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, 0, s.Stats().Remaining)
	assert.Equal(t, service.StatusShutdown, s.Status())
}

func TestDrainingEngineKeepsRoutingUntilStopped(t *testing.T) {
	producer := testutil.NewRecordingProducer("a", "b")
	s := New(producer, func(o *Options) {
		o.DrainInterval = 10 * time.Millisecond
		o.GracefulDrainWaits = 200
	})
	require.True(t, s.Start(nil))

	first := testutil.NewEnvelopeBuilder().Hops("a:A").Build()
	require.True(t, s.Receive(first))

	stopped := make(chan bool, 1)
	go func() { stopped <- s.GracefulShutdown() }()
	require.Eventually(t, func() bool { return s.Status() == service.StatusShuttingDown }, time.Second, time.Millisecond)

	// New work arriving mid-drain is still routed and extends the drain.
	late := testutil.NewEnvelopeBuilder().Hops("b:B").Build()
	require.True(t, s.Receive(late))
	assert.Empty(t, producer.DeadLetters())
	assert.Equal(t, []string{"a/A", "b/B"}, producer.Trace())

	first.Route.MarkRouted()
	require.True(t, s.Receive(first))
	select {
	case <-stopped:
		t.Fatal("drain ended with a hop outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	late.Route.MarkRouted()
	require.True(t, s.Receive(late))
	select {
	case ok := <-stopped:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish")
	}
	assert.Equal(t, uint64(2), s.Stats().Completed)

	require.True(t, s.Receive(testutil.NewEnvelopeBuilder().Hops("a:A").Build()))
	require.Len(t, producer.DeadLetters(), 1)
	assert.ErrorIs(t, producer.DeadLetters()[0].Reason, core.ErrNotRunning)
}

func TestShutdownGivesUpAfterWaits(t *testing.T) {
	producer := testutil.NewRecordingProducer("a")
	s := New(producer, func(o *Options) {
		o.DrainInterval = 10 * time.Millisecond
	})
	require.True(t, s.Start(nil))
	require.True(t, s.Receive(testutil.NewEnvelopeBuilder().Hops("a:A").Build()))

	require.True(t, s.Shutdown())
	assert.Equal(t, 1, s.Stats().Remaining)
	assert.Equal(t, service.StatusShutdown, s.Status())
}

func TestCountersConvergeUnderConcurrency(t *testing.T) {
	producer := testutil.NewRecordingProducer("a", "b", "c")
	s := newEngine(t, producer)

	const n = 50
	envs := make([]*core.Envelope, n)
	for i := range envs {
		envs[i] = testutil.NewEnvelopeBuilder().ID(fmt.Sprintf("e%d", i)).Hops("a:A", "b:B", "c:C").Build()
	}

	var wg sync.WaitGroup
	for _, env := range envs {
		wg.Add(1)
		go func(env *core.Envelope) {
			defer wg.Done()
			s.Receive(env)
			for env.Route != nil && !env.Route.Routed() {
				env.Route.MarkRouted()
				s.Receive(env)
			}
		}(env)
	}
	wg.Wait()

	stats := s.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Remaining)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, uint64(3*n), stats.Issued)
	assert.Equal(t, uint64(n), stats.Completed)
}
