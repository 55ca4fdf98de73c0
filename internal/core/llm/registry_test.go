package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name      string
	available bool
	out       string
	err       error
	calls     int
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Model() string { return "fake" }

func (f *fakeProvider) IsAvailable(context.Context) bool { return f.available }

func (f *fakeProvider) Chat(context.Context, string, string) (string, error) {
	f.calls++
	return f.out, f.err
}

func TestRegistry_FallsThroughToNextProvider(t *testing.T) {
	logger := zerolog.Nop()
	primary := &fakeProvider{name: "primary", available: true, err: errors.New("boom")}
	fallback := &fakeProvider{name: "fallback", available: true, out: "ok"}

	reg := NewRegistryWith(&logger, primary, fallback)

	out, p, err := reg.Chat(context.Background(), "sys", "user")

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "fallback", p.Name())
	assert.Equal(t, 1, primary.calls)
}

func TestRegistry_SkipsUnavailableProvider(t *testing.T) {
	logger := zerolog.Nop()
	asleep := &fakeProvider{name: "local", available: false, out: "never"}
	fallback := &fakeProvider{name: "anthropic", available: true, out: "ok"}

	reg := NewRegistryWith(&logger, asleep, fallback)

	out, p, err := reg.Chat(context.Background(), "sys", "user")

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "anthropic", p.Name())
	assert.Zero(t, asleep.calls)
}

func TestRegistry_AllFailed(t *testing.T) {
	logger := zerolog.Nop()
	a := &fakeProvider{name: "a", available: true, err: errors.New("down")}
	b := &fakeProvider{name: "b", available: true, err: errors.New("also down")}

	reg := NewRegistryWith(&logger, a, b)

	_, _, err := reg.Chat(context.Background(), "sys", "user")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Contains(t, err.Error(), "also down")
}
