package chunk

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(packetID, index, total uint32, payload string) []byte {
	return EncodeFrame(Header{PacketID: packetID, Index: index, Total: total}, []byte(payload))
}

func TestReassembler_TwoChunksInOrder(t *testing.T) {
	r := NewReassembler(Options{})

	msg, err := r.Feed(frame(7, 0, 2, "P0"))
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, 1, r.Open())

	msg, err = r.Feed(frame(7, 1, 2, "P1"))
	require.NoError(t, err)
	assert.Equal(t, "P0P1", string(msg))
	assert.Equal(t, 0, r.Open())
}

func TestReassembler_NonZeroIndexWithoutStartIsDropped(t *testing.T) {
	r := NewReassembler(Options{})

	msg, err := r.Feed(frame(3, 1, 2, "X"))
	require.ErrorIs(t, err, ErrUnknownPacket)
	assert.Nil(t, msg)
	assert.Equal(t, 0, r.Open())
}

func TestReassembler_AnyPermutationAfterFirstChunk(t *testing.T) {
	parts := []string{"alpha-", "beta-", "gamma-", "delta-", "epsilon"}
	want := "alpha-beta-gamma-delta-epsilon"
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 50; round++ {
		rest := []uint32{1, 2, 3, 4}
		rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

		r := NewReassembler(Options{})
		_, err := r.Feed(frame(9, 0, 5, parts[0]))
		require.NoError(t, err)

		var got []byte
		for i, idx := range rest {
			msg, err := r.Feed(frame(9, idx, 5, parts[idx]))
			require.NoError(t, err)
			if i < len(rest)-1 {
				require.Nil(t, msg, "order %v", rest)
				continue
			}
			got = msg
		}
		require.Equal(t, want, string(got), "order %v", rest)
		require.Equal(t, 0, r.Open())
	}
}

func TestReassembler_SingleChunkPacketCompletesImmediately(t *testing.T) {
	r := NewReassembler(Options{})
	msg, err := r.Feed(frame(1, 0, 1, `{"id":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"x"}`, string(msg))
	assert.Equal(t, 0, r.Open())
}

func TestReassembler_TotalMismatchDiscardsPacket(t *testing.T) {
	r := NewReassembler(Options{})
	_, err := r.Feed(frame(4, 0, 3, "a"))
	require.NoError(t, err)

	_, err = r.Feed(frame(4, 1, 4, "b"))
	require.ErrorIs(t, err, ErrChunkCountMismatch)
	assert.Equal(t, 0, r.Open())

	// Later chunks are orphaned until a new index 0 restarts the packet.
	_, err = r.Feed(frame(4, 2, 3, "c"))
	require.ErrorIs(t, err, ErrUnknownPacket)

	_, err = r.Feed(frame(4, 0, 2, "x"))
	require.NoError(t, err)
	msg, err := r.Feed(frame(4, 1, 2, "y"))
	require.NoError(t, err)
	assert.Equal(t, "xy", string(msg))
}

func TestReassembler_DuplicateChunkIsNoop(t *testing.T) {
	r := NewReassembler(Options{})
	_, err := r.Feed(frame(5, 0, 3, "a"))
	require.NoError(t, err)
	_, err = r.Feed(frame(5, 1, 3, "b"))
	require.NoError(t, err)

	n, ok := r.Received(5)
	require.True(t, ok)
	require.EqualValues(t, 2, n)

	_, err = r.Feed(frame(5, 1, 3, "B"))
	require.ErrorIs(t, err, ErrDuplicateChunk)
	n, _ = r.Received(5)
	assert.EqualValues(t, 2, n)

	msg, err := r.Feed(frame(5, 2, 3, "c"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(msg))
}

func TestReassembler_OutOfRangeLeavesPacketUntouched(t *testing.T) {
	r := NewReassembler(Options{})
	_, err := r.Feed(frame(6, 0, 2, "a"))
	require.NoError(t, err)

	_, err = r.Feed(frame(6, 2, 2, "zz"))
	require.ErrorIs(t, err, ErrChunkOutOfRange)
	n, ok := r.Received(6)
	require.True(t, ok)
	assert.EqualValues(t, 1, n)

	_, err = r.Feed(frame(8, 0, 0, ""))
	require.ErrorIs(t, err, ErrInvalidTotal)
	_, ok = r.Received(8)
	assert.False(t, ok)
}

func TestReassembler_RestartReplacesIncompletePacket(t *testing.T) {
	var discarded []error
	r := NewReassembler(Options{
		OnDiscard: func(packetID uint32, reason error) {
			assert.EqualValues(t, 2, packetID)
			discarded = append(discarded, reason)
		},
	})
	_, err := r.Feed(frame(2, 0, 3, "old"))
	require.NoError(t, err)
	_, err = r.Feed(frame(2, 0, 2, "new-"))
	require.NoError(t, err)
	require.Len(t, discarded, 1)
	assert.ErrorIs(t, discarded[0], ErrPacketRestarted)

	msg, err := r.Feed(frame(2, 1, 2, "tail"))
	require.NoError(t, err)
	assert.Equal(t, "new-tail", string(msg))
}

func TestReassembler_InvalidRestartStillDiscardsOldPacket(t *testing.T) {
	for _, total := range []uint32{0, DefaultMaxChunks + 1} {
		var discarded []error
		r := NewReassembler(Options{
			OnDiscard: func(packetID uint32, reason error) {
				assert.EqualValues(t, 9, packetID)
				discarded = append(discarded, reason)
			},
		})
		_, err := r.Feed(frame(9, 0, 2, "A"))
		require.NoError(t, err)

		_, err = r.Feed(frame(9, 0, total, "X"))
		require.ErrorIs(t, err, ErrInvalidTotal)
		assert.Equal(t, 0, r.Open())
		require.Len(t, discarded, 1)
		assert.ErrorIs(t, discarded[0], ErrPacketRestarted)

		msg, err := r.Feed(frame(9, 1, 2, "B"))
		require.ErrorIs(t, err, ErrUnknownPacket)
		assert.Nil(t, msg)
	}
}

func TestReassembler_ShortFrameRejected(t *testing.T) {
	r := NewReassembler(Options{})
	_, err := r.Feed([]byte{0, 0, 0, 1, 0, 0})
	require.ErrorIs(t, err, ErrMalformedFrame)
	assert.Equal(t, 0, r.Open())
}

func TestReassembler_EvictsOldestBeyondBound(t *testing.T) {
	var evicted []uint32
	r := NewReassembler(Options{
		MaxOpenBuffers: 2,
		OnDiscard: func(packetID uint32, reason error) {
			if assert.ErrorIs(t, reason, ErrBufferEvicted) {
				evicted = append(evicted, packetID)
			}
		},
	})
	for _, id := range []uint32{10, 11, 12} {
		_, err := r.Feed(frame(id, 0, 2, "x"))
		require.NoError(t, err)
	}
	assert.Equal(t, []uint32{10}, evicted)
	assert.Equal(t, 2, r.Open())

	_, err := r.Feed(frame(10, 1, 2, "y"))
	require.ErrorIs(t, err, ErrUnknownPacket)
}

func TestReassembler_Limits(t *testing.T) {
	r := NewReassembler(Options{MaxChunks: 4, MaxMessageBytes: 5})

	_, err := r.Feed(frame(1, 0, 5, "a"))
	require.ErrorIs(t, err, ErrInvalidTotal)
	assert.Equal(t, 0, r.Open())

	_, err = r.Feed(frame(2, 0, 2, "abc"))
	require.NoError(t, err)
	_, err = r.Feed(frame(2, 1, 2, "def"))
	require.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Equal(t, 0, r.Open())
}

func TestReassembler_EmptyPayloadChunksCount(t *testing.T) {
	r := NewReassembler(Options{})
	_, err := r.Feed(frame(3, 0, 2, ""))
	require.NoError(t, err)
	msg, err := r.Feed(frame(3, 1, 2, ""))
	require.NoError(t, err)
	assert.NotNil(t, msg)
	assert.Empty(t, msg)
	assert.Equal(t, 0, r.Open())
}

func TestReassembler_Reset(t *testing.T) {
	r := NewReassembler(Options{})
	_, _ = r.Feed(frame(1, 0, 2, "a"))
	_, _ = r.Feed(frame(2, 0, 2, "b"))
	r.Reset()
	assert.Equal(t, 0, r.Open())
}

func TestReassembler_CopiesPayload(t *testing.T) {
	r := NewReassembler(Options{})
	f := frame(1, 0, 2, "ab")
	_, err := r.Feed(f)
	require.NoError(t, err)
	f[HeaderSize] = 'X'
	msg, err := r.Feed(frame(1, 1, 2, "c"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(msg))
}

func TestSplitFeedsBackToOriginal(t *testing.T) {
	msg := bytes.Repeat([]byte("0123456789"), 103)
	frames, err := Split(42, msg, 64)
	require.NoError(t, err)
	require.Len(t, frames, 17)

	r := NewReassembler(Options{})
	var got []byte
	for _, f := range frames {
		h, payload, err := ParseHeader(f)
		require.NoError(t, err)
		require.EqualValues(t, 42, h.PacketID)
		require.LessOrEqual(t, len(payload), 64)
		out, err := r.Feed(f)
		require.NoError(t, err)
		if out != nil {
			got = out
		}
	}
	assert.Equal(t, msg, got)
}

func TestSplitEdgeCases(t *testing.T) {
	frames, err := Split(1, nil, 16)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], HeaderSize)

	_, err = Split(1, []byte("x"), 0)
	require.ErrorIs(t, err, ErrInvalidPayload)
}
