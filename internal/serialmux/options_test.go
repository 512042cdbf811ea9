package serialmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPortOptions_Normalise_Defaults(t *testing.T) {
	got, err := PortOptions{}.Normalise()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"}, got)
}

func TestPortOptions_Normalise_ExplicitValues(t *testing.T) {
	opts := PortOptions{BaudRate: 19200, DataBits: 7, StopBits: 2, Parity: "E"}
	got, err := opts.Normalise()
	require.NoError(t, err)
	assert.Equal(t, opts, got)
}

func TestPortOptions_Normalise_NegativeBaudRate(t *testing.T) {
	got, err := PortOptions{BaudRate: -5}.Normalise()
	require.NoError(t, err)
	assert.Equal(t, DefaultBaudRate, got.BaudRate)
}

func TestPortOptions_Normalise_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"baud", PortOptions{BaudRate: 12345}},
		{"data bits low", PortOptions{DataBits: 4}},
		{"data bits high", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "X"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.opts.Normalise()
			assert.Error(t, err)
		})
	}
}

func TestPortOptions_Normalise_ParityVariations(t *testing.T) {
	tests := map[string]string{
		"n": "N", "NONE": "N", "  N  ": "N",
		"e": "E", "even": "E",
		"o": "O", "ODD": "O",
	}
	for in, want := range tests {
		got, err := PortOptions{Parity: in}.Normalise()
		require.NoError(t, err, in)
		assert.Equal(t, want, got.Parity, in)
	}
}

func TestPortOptions_Equal(t *testing.T) {
	assert.True(t, PortOptions{}.Equal(PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "none"}))
	assert.False(t, PortOptions{BaudRate: 9600}.Equal(PortOptions{BaudRate: 19200}))
	assert.False(t, PortOptions{BaudRate: 12345}.Equal(PortOptions{BaudRate: 12345}))
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)

	mode, err = PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)

	_, err = PortOptions{BaudRate: 12345}.SerialMode()
	assert.Error(t, err)
}
