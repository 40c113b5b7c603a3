package admin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/internal/testutil"
)

type fakeRegistrar struct {
	*testutil.RecordingProducer
	registered map[string]core.Properties
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{RecordingProducer: testutil.NewRecordingProducer(), registered: map[string]core.Properties{}}
}

func (r *fakeRegistrar) Register(st core.ServiceType, props core.Properties) error {
	if st.New == nil {
		return &core.RegistrationError{ServiceID: st.ID, Err: core.ErrServiceNotAccessible}
	}
	if _, ok := r.registered[st.ID]; ok {
		return &core.RegistrationError{ServiceID: st.ID, Err: core.ErrServiceRegistered}
	}
	r.registered[st.ID] = props
	return nil
}

func startedAdmin(t *testing.T, r *fakeRegistrar) *Service {
	t.Helper()
	svc, err := New(r, nil)
	require.NoError(t, err)
	require.True(t, svc.Start(nil))
	return svc
}

func TestRegisterServicesCollectsFailures(t *testing.T) {
	r := newFakeRegistrar()
	svc := startedAdmin(t, r)

	env := NewRegisterEnvelope(RegisterRequest{
		Services: []core.ServiceType{
			testutil.NewRecordingService().Type("one"),
			{ID: "broken"},
			testutil.NewRecordingService().Type("one"),
			testutil.NewRecordingService().Type("two"),
		},
		Properties: core.Properties{"k": "v"},
	})
	env.Route = env.DRG.NextRoute()

	require.True(t, svc.Receive(env))

	assert.Len(t, r.registered, 2)
	assert.Equal(t, "v", r.registered["two"]["k"])

	errs := env.Errors()
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.Equal(t, core.CodeRegistration, e.Code)
	}

	doc, _ := env.Document()
	registered, _ := doc.Get(DataRegistered)
	assert.Equal(t, []string{"one", "two"}, registered)

	require.Len(t, r.Sent(), 1, "envelope continues to the next hop")
}

func TestUnknownOperationDeadLetters(t *testing.T) {
	r := newFakeRegistrar()
	svc := startedAdmin(t, r)

	env := core.NewDocumentEnvelope(core.NewDocument())
	env.Route = core.NewRoute(core.AdminID, "DROP_TABLES")

	require.True(t, svc.Receive(env))
	require.Len(t, r.DeadLetters(), 1)
	assert.ErrorIs(t, r.DeadLetters()[0].Reason, ErrUnknownOperation)
	assert.Empty(t, r.Sent())
}

func TestMissingRequestIsRecorded(t *testing.T) {
	r := newFakeRegistrar()
	svc := startedAdmin(t, r)

	env := core.NewDocumentEnvelope(core.NewDocument())
	env.Route = core.NewRoute(core.AdminID, OperationRegisterServices)

	require.True(t, svc.Receive(env))
	require.Len(t, env.Errors(), 1)
	assert.Len(t, r.Sent(), 1)
}

func TestNewRequiresRegistrar(t *testing.T) {
	_, err := New(testutil.NewRecordingProducer(), nil)
	assert.Error(t, err)
}
