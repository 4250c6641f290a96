package main

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Accepted(t *testing.T) {
	d := NewDecoder("", true)

	tests := []struct {
		name string
		msg  Message
		want Command
	}{
		{"fader int32", Message{"/fader", []any{int32(200)}}, CmdSetFader{Value: 200}},
		{"fader int64", Message{"/fader", []any{int64(7)}}, CmdSetFader{Value: 7}},
		{"fader float truncates", Message{"/fader", []any{float32(12.9)}}, CmdSetFader{Value: 12}},
		{"fader float64", Message{"/fader", []any{float64(254.99)}}, CmdSetFader{Value: 254}},
		{"fader negative float toward zero", Message{"/fader", []any{float64(-1.7)}}, CmdSetFader{Value: -1}},
		{"cut int", Message{"/cut", []any{int32(3)}}, CmdCutToInput{Input: "3"}},
		{"cut string", Message{"/cut", []any{"Camera 1"}}, CmdCutToInput{Input: "Camera 1"}},
		{"preview", Message{"/preview", []any{int32(4)}}, CmdPreviewInput{Input: "4"}},
		{"namespaced", Message{"/vmix/preview", []any{int32(4)}}, CmdPreviewInput{Input: "4"}},
		{"raw", Message{"/raw", []any{"Function=Fade"}}, CmdRaw{Fragment: "Function=Fade"}},
		{"quickplay", Message{"/quickplay", nil}, CmdQuickPlay{}},
		{"ftb", Message{"/ftb", []any{}}, CmdFadeToBlack{}},
		{"restart", Message{"/restart", []any{int64(2)}}, CmdRestartInput{Input: "2"}},
		{"nextitem", Message{"/nextitem", []any{"List"}}, CmdNextItem{Input: "List"}},
		{"previousitem", Message{"/previousitem", []any{int(9)}}, CmdPreviousItem{Input: "9"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Decode(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_ArityErrors(t *testing.T) {
	d := NewDecoder("", true)

	tests := []struct {
		msg      Message
		expected int
		got      int
	}{
		{Message{"/quickplay", []any{int32(1)}}, 0, 1},
		{Message{"/ftb", []any{"x", "y"}}, 0, 2},
		{Message{"/cut", nil}, 1, 0},
		{Message{"/fader", []any{int32(1), int32(2)}}, 1, 2},
		{Message{"/raw", nil}, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.msg.Address, func(t *testing.T) {
			cmd, err := d.Decode(tt.msg)
			assert.Nil(t, cmd)

			var arity *ArityError
			require.ErrorAs(t, err, &arity)
			assert.Equal(t, tt.msg.Address, arity.Address)
			assert.Equal(t, tt.expected, arity.Expected)
			assert.Equal(t, tt.got, arity.Got)
		})
	}
}

func TestDecode_TypeErrors(t *testing.T) {
	d := NewDecoder("", true)

	tests := []struct {
		name string
		msg  Message
	}{
		{"fader string", Message{"/fader", []any{"12"}}},
		{"fader bool", Message{"/fader", []any{true}}},
		{"fader NaN", Message{"/fader", []any{math.NaN()}}},
		{"fader +Inf", Message{"/fader", []any{float32(math.Inf(1))}}},
		{"fader out of range", Message{"/fader", []any{float64(1e12)}}},
		{"fader int64 out of range", Message{"/fader", []any{int64(math.MaxInt64)}}},
		{"cut float", Message{"/cut", []any{float32(3.0)}}},
		{"preview blob", Message{"/preview", []any{[]byte{1, 2}}}},
		{"raw int", Message{"/raw", []any{int32(5)}}},
		{"restart nil", Message{"/restart", []any{nil}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := d.Decode(tt.msg)
			assert.Nil(t, cmd)

			var typ *TypeError
			require.ErrorAs(t, err, &typ)
			assert.Equal(t, tt.msg.Address, typ.Address)
			if f, ok := tt.msg.Args[0].(float64); ok && math.IsNaN(f) {
				// NaN never compares equal to itself.
				v, ok := typ.Value.(float64)
				assert.True(t, ok && math.IsNaN(v), "value = %#v", typ.Value)
			} else {
				assert.Equal(t, tt.msg.Args[0], typ.Value)
			}
			assert.NotEmpty(t, typ.Expected)
		})
	}
}

func TestDecode_UnknownAddress(t *testing.T) {
	d := NewDecoder("", true)

	for _, addr := range []string{"/foo", "/", "", "/vmix/", "fader/x"} {
		_, err := d.Decode(Message{Address: addr, Args: []any{int32(1)}})
		var unknown *UnknownAddressError
		assert.ErrorAs(t, err, &unknown, "address %q", addr)
	}
}

func TestDecode_Prefix(t *testing.T) {
	d := NewDecoder("/vmix/", true)

	cmd, err := d.Decode(Message{"/vmix/cut", []any{int32(1)}})
	require.NoError(t, err)
	assert.Equal(t, CmdCutToInput{Input: "1"}, cmd)

	_, err = d.Decode(Message{"/cut", []any{int32(1)}})
	var unknown *UnknownAddressError
	assert.ErrorAs(t, err, &unknown)

	_, err = d.Decode(Message{"/vmixer/cut", []any{int32(1)}})
	assert.ErrorAs(t, err, &unknown)
}

func TestDecode_RawDisabled(t *testing.T) {
	d := NewDecoder("", false)

	_, err := d.Decode(Message{"/raw", []any{"Function=Cut"}})
	assert.True(t, errors.Is(err, ErrRawDisabled))

	// Other commands are unaffected.
	_, err = d.Decode(Message{"/ftb", nil})
	assert.NoError(t, err)
}

func TestTypeError_Message(t *testing.T) {
	err := &TypeError{Address: "/cut", Value: float32(1.5), Expected: identifierTypes}
	assert.Equal(t, "/cut: unsupported argument 1.5 (float32), expected int or string", err.Error())
}
