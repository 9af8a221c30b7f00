package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPack(t *testing.T) {
	tests := []struct {
		name  string
		value string
		width int
		want  string
	}{
		{"pads short value", "alice", 8, "alice***"},
		{"exact width untouched", "12345678", 8, "12345678"},
		{"truncates long value", "overlong-name", 8, "overlong"},
		{"empty value all filler", "", 4, "****"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Pack(tt.value, tt.width))
		})
	}
}

func TestUnpack(t *testing.T) {
	assert.Equal(t, "alice", Unpack("alice***"))
	assert.Equal(t, "alice", Unpack("alice"))
	assert.Equal(t, "", Unpack("********"))
	// Filler terminates the value even mid-field; values may not contain it.
	assert.Equal(t, "al", Unpack("al*ce***"))
}

func TestParseLogin(t *testing.T) {
	line := "F" + OpLogin +
		Pack("alice-wonder", UserNameLen) +
		Pack("hunter2hunter2", PasswordLen)

	env, err := Parse(line)
	require.NoError(t, err)

	assert.False(t, env.Continuation)
	assert.Equal(t, OpLogin, env.Opcode)
	assert.Equal(t, "alice-wonder", env.Field(FieldUserName))
	assert.Equal(t, "hunter2hunter2", env.Field(FieldPassword))
	assert.Empty(t, env.Payload)
	assert.Len(t, env.Fields, 2)
}

func TestParseSendMessage(t *testing.T) {
	line := "T" + OpSendMessage +
		Pack("17", UserIDLen) +
		Pack("alice-wonder", UserNameLen) +
		strings.Repeat("s", SessionIDLen) +
		Pack("42", ChatIDLen) +
		"hello there"

	env, err := Parse(line)
	require.NoError(t, err)

	assert.True(t, env.Continuation)
	assert.Equal(t, "17", env.Field(FieldUserID))
	assert.Equal(t, "alice-wonder", env.Field(FieldUserName))
	assert.Equal(t, strings.Repeat("s", SessionIDLen), env.Field(FieldSessionID))
	// ChatID is a raw fixed-width slice, not unpacked.
	assert.Equal(t, Pack("42", ChatIDLen), env.Field(FieldChatID))
	assert.Equal(t, "hello there", env.Payload)
}

func TestParseHeartbeat(t *testing.T) {
	env, err := Parse("F" + OpHeartbeat)
	require.NoError(t, err)
	assert.Equal(t, OpHeartbeat, env.Opcode)
	assert.Empty(t, env.Fields)
	assert.Empty(t, env.Payload)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"empty line", "", ErrMalformed},
		{"flag only", "F", ErrMalformed},
		{"two chars", "FL", ErrMalformed},
		{"unknown opcode", "FZZ" + strings.Repeat("x", 64), ErrUnknownOpcode},
		{"field cut short", "F" + OpLogin + Pack("alice-wonder", UserNameLen) + "short", ErrTruncated},
		{"missing fields entirely", "F" + OpLogout, ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Parse(tt.line)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			// Framing failures never yield a partial field map.
			assert.Nil(t, env)
		})
	}
}

func TestParseEditCarriesMessageID(t *testing.T) {
	line := "F" + OpEditMessage +
		Pack("17", UserIDLen) +
		strings.Repeat("s", SessionIDLen) +
		Pack("900719925474", MessageIDLen) +
		"revised body"

	env, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, "900719925474", env.Field(FieldMessageID))
	assert.Equal(t, "revised body", env.Payload)
}

func TestOpcodeMask(t *testing.T) {
	mask, ok := OpcodeMask(OpSendMessage)
	require.True(t, ok)
	assert.Equal(t, FieldUserID|FieldUserName|FieldSessionID|FieldChatID, mask)

	_, ok = OpcodeMask("XX")
	assert.False(t, ok)
}

func TestValidValue(t *testing.T) {
	assert.True(t, ValidValue("alice-wonder"))
	assert.False(t, ValidValue("ali*ce"))
	assert.False(t, ValidValue("line\nbreak"))
	assert.False(t, ValidValue("line\rbreak"))
}
