package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/internal/retry"
	"github.com/hupe1980/servicebus/internal/testutil"
)

type echoService struct {
	*Base
	docs   []*core.Document
	events []*core.Event
}

func (s *echoService) Receive(env *core.Envelope) bool { return s.Handle(s, env) }

func (s *echoService) HandleDocument(env *core.Envelope, doc *core.Document) bool {
	s.docs = append(s.docs, doc)
	return s.Reply(env)
}

func (s *echoService) HandleEvent(_ *core.Envelope, ev *core.Event) bool {
	s.events = append(s.events, ev)
	return true
}

func newEcho(producer core.Producer) *echoService {
	return &echoService{Base: NewBase("echo", producer, func(o *Options) {
		o.SendPolicy = retry.Fixed(3, time.Millisecond)
	})}
}

func TestBaseLifecycle(t *testing.T) {
	b := NewBase("svc", testutil.NewRecordingProducer())
	assert.Equal(t, StatusUnstarted, b.Status())

	require.True(t, b.Start(core.Properties{"a": "1"}))
	assert.True(t, b.Running())
	assert.Equal(t, "1", b.Properties()["a"])

	assert.True(t, b.Pause())
	assert.Equal(t, StatusPaused, b.Status())
	assert.True(t, b.Pause())
	assert.True(t, b.Unpause())
	assert.True(t, b.Running())
	assert.True(t, b.GracefulShutdown())
	assert.Equal(t, StatusShutdown, b.Status())
	assert.Equal(t, "shutdown", b.Status().String())
}

func TestBaseHandleDispatchesByKind(t *testing.T) {
	producer := testutil.NewRecordingProducer()
	svc := newEcho(producer)
	require.True(t, svc.Start(nil))

	doc := testutil.NewEnvelopeBuilder().Client("c1").Data("k", "v").Build()
	assert.True(t, svc.Receive(doc))
	require.Len(t, svc.docs, 1)
	require.Len(t, producer.Sent(), 1)
	assert.True(t, producer.Sent()[0].IsReply())

	ev := core.NewEventEnvelope("status", "ready")
	assert.True(t, svc.Receive(ev))
	require.Len(t, svc.events, 1)
	assert.Equal(t, "ready", svc.events[0].Name)
}

func TestBaseHandleCommandsRunLifecycle(t *testing.T) {
	svc := newEcho(testutil.NewRecordingProducer())
	require.True(t, svc.Start(nil))

	assert.True(t, svc.Receive(core.NewCommandEnvelope(core.CommandPause, nil)))
	assert.Equal(t, StatusPaused, svc.Status())

	assert.True(t, svc.Receive(core.NewCommandEnvelope(core.CommandUnpause, nil)))
	assert.Equal(t, StatusRunning, svc.Status())

	assert.True(t, svc.Receive(core.NewCommandEnvelope(core.CommandShutdown, nil)))
	assert.Equal(t, StatusShutdown, svc.Status())

	assert.True(t, svc.Receive(core.NewCommandEnvelope(core.CommandStart, core.Properties{"x": "y"})))
	assert.True(t, svc.Running())
	assert.Equal(t, "y", svc.Properties()["x"])
}

func TestBaseHandleRefusesWhilePausedAndDeadLettersWhenStopped(t *testing.T) {
	producer := testutil.NewRecordingProducer()
	svc := newEcho(producer)
	require.True(t, svc.Start(nil))
	require.True(t, svc.Pause())

	env := testutil.NewEnvelopeBuilder().Build()
	assert.False(t, svc.Receive(env))
	assert.Empty(t, producer.DeadLetters())

	require.True(t, svc.Shutdown())
	assert.True(t, svc.Receive(env))
	require.Len(t, producer.DeadLetters(), 1)
	assert.ErrorIs(t, producer.DeadLetters()[0].Reason, core.ErrNotRunning)
}

func TestBaseHandleUnsupportedPayload(t *testing.T) {
	producer := testutil.NewRecordingProducer()
	svc := &bareService{Base: NewBase("docs", producer)}
	require.True(t, svc.Start(nil))

	env := core.NewEventEnvelope("t", "n")
	assert.True(t, svc.Handle(svc, env))
	require.Len(t, producer.DeadLetters(), 1)
	assert.ErrorIs(t, producer.DeadLetters()[0].Reason, ErrUnsupportedPayload)
	assert.True(t, env.HasErrors())
}

type bareService struct{ *Base }

func TestBaseSendDeadLettersOnDeliveryFailure(t *testing.T) {
	producer := testutil.NewRecordingProducer()
	producer.Accept = func(int, *core.Envelope) bool { return false }
	svc := newEcho(producer)

	env := testutil.NewEnvelopeBuilder().Build()
	assert.False(t, svc.Continue(env))
	assert.Equal(t, 3, producer.Attempts())
	require.Len(t, producer.DeadLetters(), 1)
	assert.ErrorIs(t, producer.DeadLetters()[0].Reason, core.ErrDeliveryFailed)
}

func TestRunCommandUnknown(t *testing.T) {
	_, err := RunCommand(NewBase("x", nil), &core.Command{Command: core.CommandType(99)})
	assert.ErrorIs(t, err, ErrUnsupportedPayload)
}
