package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_Validate(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		e := NewDocumentEnvelope(nil)
		assert.NoError(t, e.Validate())
		assert.Equal(t, KindDocument, e.Kind())
		assert.NotEmpty(t, e.ID)
	})

	t.Run("missing payload", func(t *testing.T) {
		e := NewEnvelope(nil)
		assert.ErrorIs(t, e.Validate(), ErrInvalidEnvelope)
	})

	t.Run("reply without client", func(t *testing.T) {
		e := NewEventEnvelope("status", "up")
		e.SetReply(true)
		assert.ErrorIs(t, e.Validate(), ErrInvalidEnvelope)

		e.SetClient("client-1")
		assert.NoError(t, e.Validate())
	})
}

func TestEnvelope_Headers(t *testing.T) {
	e := NewCommandEnvelope(CommandRestart, nil)

	_, ok := e.Sensitivity()
	assert.False(t, ok)

	e.SetSensitivity(SensitivityHigh)
	e.SetOperation("SEND")
	e.SetService("sensors")
	e.SetURL("http://example.i2p")

	s, ok := e.Sensitivity()
	assert.True(t, ok)
	assert.Equal(t, SensitivityHigh, s)
	assert.Equal(t, "SEND", e.Operation())
	assert.Equal(t, "sensors", e.Service())
	assert.Equal(t, "http://example.i2p", e.URL())

	e.SetReply(true)
	assert.True(t, e.IsReply())
	e.SetReply(false)
	assert.False(t, e.IsReply())
	_, present := e.Header(HeaderReply)
	assert.False(t, present)

	cmd, ok := e.Command()
	require.True(t, ok)
	assert.Equal(t, CommandRestart, cmd.Command)
	_, ok = e.Document()
	assert.False(t, ok)
}

func TestEnvelope_AddError(t *testing.T) {
	e := NewDocumentEnvelope(nil)
	e.AddError(CodeDelivery, nil)
	assert.False(t, e.HasErrors())

	e.AddError(CodeDelivery, ErrDeliveryFailed)
	e.AddError(CodeRegistration, errors.New("boom"))

	errs := e.Errors()
	require.Len(t, errs, 2)
	assert.Equal(t, "500", errs[0].Code)
	assert.Equal(t, "registration: boom", errs[1].Error())

	clone := e.Headers.Clone()
	e.AddError(CodeDispatch, ErrDispatchFailed)
	assert.Len(t, clone[HeaderErrors], 2)
}

func TestParseSensitivity(t *testing.T) {
	for _, raw := range []string{"none", "LOW", "medium", "high", "very-high", "veryhigh", "extreme"} {
		s, err := ParseSensitivity(raw)
		assert.NoError(t, err, raw)
		assert.NotEqual(t, "unknown", s.String())
	}
	_, err := ParseSensitivity("secret")
	assert.Error(t, err)
}

func TestProperties(t *testing.T) {
	p := Properties{
		"n":    "4",
		"bad":  "x",
		"on":   "true",
		"wait": "250ms",
		"list": " clearnet, tor ,,mesh",
	}

	assert.Equal(t, 4, p.Int("n", 1))
	assert.Equal(t, 1, p.Int("bad", 1))
	assert.True(t, p.Bool("on", false))
	assert.Equal(t, 250*time.Millisecond, p.Duration("wait", time.Second))
	assert.Equal(t, time.Second, p.Duration("missing", time.Second))
	assert.Equal(t, []string{"clearnet", "tor", "mesh"}, p.Strings("list"))
	assert.Equal(t, "def", p.Get("missing", "def"))

	merged := p.Merge(Properties{"n": "8"})
	assert.Equal(t, "8", merged["n"])
	assert.Equal(t, "4", p["n"])
}
