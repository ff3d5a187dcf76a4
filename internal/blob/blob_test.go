package blob

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushFrameLayout(t *testing.T) {
	var b Blob
	require.NoError(t, b.Push([]byte("hi")))
	// BE(2)=[0,2], payload="hi", LE(2)=[2,0]
	require.Equal(t, []byte{0, 2, 'h', 'i', 2, 0}, b.data)
	require.EqualValues(t, 6, b.Offset())
}

func TestPushRejectsOversizedMessage(t *testing.T) {
	var b Blob
	big := make([]byte, MaxMessageSize+1)
	require.ErrorIs(t, b.Push(big), ErrMessageTooLarge)
}

func TestPopDropsOldestFrame(t *testing.T) {
	var b Blob
	require.NoError(t, b.Push([]byte("ab")))
	require.NoError(t, b.Push([]byte("cd")))
	b.Pop()
	require.Equal(t, []byte{0, 2, 'c', 'd', 2, 0}, b.data)
}

func TestPushEvictsOnOverflow(t *testing.T) {
	var b Blob
	msg := make([]byte, MaxMessageSize)
	perMsg := MaxMessageSize + 4
	count := Cap/perMsg + 2
	for i := 0; i < count; i++ {
		require.NoError(t, b.Push(msg))
	}
	require.LessOrEqual(t, len(b.data), Cap)
}

func TestFetchSingleFrame(t *testing.T) {
	var b Blob
	require.NoError(t, b.Push([]byte("hi")))

	var out []byte
	cursor := b.Fetch(NoCursor, 20, &out)
	require.Equal(t, []byte{0, 2, 'h', 'i'}, out)
	require.EqualValues(t, NoCursor, cursor) // only one message: walk is exhausted
}

func TestFetchWalksBackwardNewestFirst(t *testing.T) {
	var b Blob
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Push([]byte{byte(i), byte(i + 1)}))
	}
	require.EqualValues(t, 60, b.Offset())

	var out []byte
	cursor := b.Fetch(NoCursor, 2, &out)
	require.Equal(t, []byte{0, 2, 9, 10, 0, 2, 8, 9}, out)
	require.EqualValues(t, 48, cursor)

	out = out[:0]
	cursor = b.Fetch(cursor, 2, &out)
	require.Equal(t, []byte{0, 2, 7, 8, 0, 2, 6, 7}, out)
	require.EqualValues(t, 36, cursor)
}

func TestFetchClampsLimitToTwenty(t *testing.T) {
	var b Blob
	for i := 0; i < 25; i++ {
		require.NoError(t, b.Push([]byte{byte(i)}))
	}
	var out []byte
	b.Fetch(NoCursor, 1000, &out)
	// 20 frames of [len:u16 BE=1]+1 payload byte = 3 bytes each
	require.Len(t, out, 20*3)
}

func TestFetchExhaustionReturnsNoCursor(t *testing.T) {
	var b Blob
	require.NoError(t, b.Push([]byte("x")))
	var out []byte
	cursor := b.Fetch(NoCursor, 5, &out)
	require.EqualValues(t, NoCursor, cursor)
}
