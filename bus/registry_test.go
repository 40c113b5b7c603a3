package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/internal/testutil"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	svc := testutil.NewRecordingService()

	entry, err := r.Register(svc.Type("alpha"), core.Properties{"k": "v"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha", entry.ID)
	assert.Equal(t, "v", entry.Properties["k"])

	got, ok := r.Lookup("alpha")
	require.True(t, ok)
	assert.Same(t, svc, got)
	assert.True(t, r.Contains("alpha"))
	assert.False(t, r.Contains("beta"))
}

func TestRegistryDuplicateKeepsFirst(t *testing.T) {
	r := NewRegistry()
	first := testutil.NewRecordingService()
	second := testutil.NewRecordingService()

	_, err := r.Register(first.Type("alpha"), nil, nil)
	require.NoError(t, err)

	_, err = r.Register(second.Type("alpha"), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrServiceRegistered)

	var regErr *core.RegistrationError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, "alpha", regErr.ServiceID)

	got, _ := r.Lookup("alpha")
	assert.Same(t, first, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRegisterFailures(t *testing.T) {
	tests := []struct {
		name string
		st   core.ServiceType
		want error
	}{
		{
			name: "nil constructor",
			st:   core.ServiceType{ID: "a"},
			want: core.ErrServiceNotAccessible,
		},
		{
			name: "empty id",
			st:   core.ServiceType{New: func(core.Producer) (any, error) { return testutil.NewRecordingService(), nil }},
			want: core.ErrServiceNotAccessible,
		},
		{
			name: "constructor error",
			st:   core.ServiceType{ID: "a", New: func(core.Producer) (any, error) { return nil, errors.New("boom") }},
			want: core.ErrServiceNotAccessible,
		},
		{
			name: "constructor panic",
			st:   core.ServiceType{ID: "a", New: func(core.Producer) (any, error) { panic("boom") }},
			want: core.ErrServiceNotAccessible,
		},
		{
			name: "not a service",
			st:   core.ServiceType{ID: "a", New: func(core.Producer) (any, error) { return struct{}{}, nil }},
			want: core.ErrServiceNotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			_, err := r.Register(tt.st, nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestRegistryConstructorReceivesProducer(t *testing.T) {
	r := NewRegistry()
	producer := testutil.NewRecordingProducer()

	var got core.Producer
	st := core.ServiceType{ID: "a", New: func(p core.Producer) (any, error) {
		got = p
		return testutil.NewRecordingService(), nil
	}}
	_, err := r.Register(st, nil, producer)
	require.NoError(t, err)
	assert.Same(t, producer, got)
}

func TestRegistryIDsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		_, err := r.Register(testutil.NewRecordingService().Type(id), nil, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.IDs())
}
