package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentShortMessage(t *testing.T) {
	msg := "MP" + Pack("17", UserIDLen) + strings.Repeat("s", SessionIDLen) +
		Pack("42", ChatIDLen) + "short body"

	lines := Fragment(msg)
	require.Len(t, lines, 1)
	assert.Equal(t, "F"+msg, lines[0])
}

func TestFragmentLongMessage(t *testing.T) {
	header := "MP" + Pack("17", UserIDLen) + strings.Repeat("s", SessionIDLen) +
		Pack("42", ChatIDLen)
	require.Len(t, header, HeaderSize)

	body := strings.Repeat("abcdefghij", 300) // 3000 chars
	msg := header + body

	lines := Fragment(msg)
	require.Greater(t, len(lines), 1)

	// All fragments but the last are continuations; the last is final.
	for i, line := range lines {
		if i < len(lines)-1 {
			assert.Equal(t, byte('T'), line[0], "fragment %d", i)
		} else {
			assert.Equal(t, byte('F'), line[0])
		}
		// Every fragment repeats the shared header.
		assert.Equal(t, header, line[1:1+HeaderSize], "fragment %d", i)
	}

	// Concatenating the header-stripped chunk bodies reconstructs the message.
	var rebuilt strings.Builder
	rebuilt.WriteString(header)
	for _, line := range lines {
		rebuilt.WriteString(line[1+HeaderSize:])
	}
	assert.Equal(t, msg, rebuilt.String())
}

func TestFragmentChunkSizing(t *testing.T) {
	header := strings.Repeat("h", HeaderSize)
	interval := PacketSize - HeaderSize

	// Body exactly one chunk over the single-packet limit.
	msg := header + strings.Repeat("x", interval+1)
	lines := Fragment(msg)
	require.Len(t, lines, 2)
	assert.Len(t, lines[0], 1+HeaderSize+interval)
	assert.Len(t, lines[1], 1+HeaderSize+1)
}

func TestReassemblerSingleLine(t *testing.T) {
	var r Reassembler
	msg, done := r.Push("F" + OpHeartbeat)
	require.True(t, done)
	assert.Equal(t, OpHeartbeat, msg)
}

func TestReassemblerRoundTrip(t *testing.T) {
	header := "MP" + Pack("17", UserIDLen) + strings.Repeat("s", SessionIDLen) +
		Pack("42", ChatIDLen)
	msg := header + strings.Repeat("payload-chunk-", 400)

	var r Reassembler
	var got string
	var done bool
	for _, line := range Fragment(msg) {
		got, done = r.Push(line)
	}
	require.True(t, done)
	assert.Equal(t, msg, got)
}

func TestReassemblerResetsBetweenMessages(t *testing.T) {
	header := strings.Repeat("h", HeaderSize)
	long := header + strings.Repeat("x", PacketSize*2)

	var r Reassembler
	for _, line := range Fragment(long) {
		r.Push(line)
	}

	// A following short message must not inherit buffered state.
	msg, done := r.Push("F" + OpHeartbeat)
	require.True(t, done)
	assert.Equal(t, OpHeartbeat, msg)
}
