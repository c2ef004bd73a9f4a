package emulator

import (
	"bytes"
	"errors"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		token   string
		want    Button
		wantErr bool
	}{
		{"A", ButtonA, false},
		{"start", ButtonStart, false},
		{" Left ", ButtonLeft, false},
		{"A,B", ButtonA | ButtonB, false},
		{"up, a", ButtonUp | ButtonA, false},
		{"", 0, true},
		{"X", 0, true},
		{"A,", 0, true},
		{"L", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			a, err := ParseAction(tt.token)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidAction))
				var ite *InvalidTokenError
				require.True(t, errors.As(err, &ite))
				assert.Equal(t, tt.token, ite.Token)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Mask)
			assert.Equal(t, tt.token, a.Token)
		})
	}
}

func TestParseActions_AllOrNothing(t *testing.T) {
	actions, err := ParseActions([]string{"A", "B", "JUMP", "START"})
	require.Error(t, err)
	assert.Nil(t, actions)
	assert.Equal(t, `invalid action "JUMP"`, err.Error())
	var tokenErr *InvalidTokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, 2, tokenErr.Index)
	assert.ErrorIs(t, err, ErrInvalidAction)

	actions, err = ParseActions([]string{"A", "START"})
	require.NoError(t, err)
	assert.Len(t, actions, 2)
}

func TestVocabularyParses(t *testing.T) {
	for _, token := range Vocabulary() {
		_, err := ParseAction(token)
		assert.NoError(t, err, token)
	}
}

func TestSynthetic_StepAndScreenshot(t *testing.T) {
	emu := NewSynthetic(WithFramesPerAction(10))

	first, err := emu.Screenshot()
	require.NoError(t, err)

	a, _ := ParseAction("A")
	res, err := emu.Step(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), emu.Frame())

	img, err := png.Decode(bytes.NewReader(res.Observation.PNG))
	require.NoError(t, err)
	assert.Equal(t, ScreenWidth, img.Bounds().Dx())
	assert.Equal(t, ScreenHeight, img.Bounds().Dy())

	assert.NotEqual(t, first.PNG, res.Observation.PNG)
}

func TestSynthetic_StateRoundTrip(t *testing.T) {
	emu := NewSynthetic()
	for _, token := range []string{"A", "UP", "A,B"} {
		a, err := ParseAction(token)
		require.NoError(t, err)
		_, err = emu.Step(a)
		require.NoError(t, err)
	}

	state, err := emu.State()
	require.NoError(t, err)
	want, err := emu.Screenshot()
	require.NoError(t, err)

	restored := NewSynthetic()
	require.NoError(t, restored.LoadState(state))
	got, err := restored.Screenshot()
	require.NoError(t, err)

	assert.Equal(t, want.PNG, got.PNG)
	assert.Equal(t, emu.Frame(), restored.Frame())
}

func TestSynthetic_LoadStateRejectsGarbage(t *testing.T) {
	emu := NewSynthetic()
	assert.Error(t, emu.LoadState([]byte("not a state")))
	assert.Error(t, emu.LoadState(nil))
}

func TestSynthetic_Reset(t *testing.T) {
	emu := NewSynthetic()
	a, _ := ParseAction("B")
	_, err := emu.Step(a)
	require.NoError(t, err)

	require.NoError(t, emu.Reset())
	assert.Equal(t, uint64(0), emu.Frame())
}

func TestSynthetic_Fault(t *testing.T) {
	boom := errors.New("bus error")
	emu := NewSynthetic(WithFault(func(step uint64) error {
		if step == 2 {
			return boom
		}
		return nil
	}))

	a, _ := ParseAction("A")
	_, err := emu.Step(a)
	require.NoError(t, err)
	_, err = emu.Step(a)
	assert.ErrorIs(t, err, boom)
}

func TestSynthetic_Closed(t *testing.T) {
	emu := NewSynthetic()
	require.NoError(t, emu.Close())

	_, err := emu.Step(Action{Mask: ButtonA})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewFactory(t *testing.T) {
	factory, err := NewFactory(DefaultConfig())
	require.NoError(t, err)

	emu, err := factory()
	require.NoError(t, err)
	assert.IsType(t, &Synthetic{}, emu)

	_, err = NewFactory(Config{Kind: "n64"})
	assert.Error(t, err)
}
