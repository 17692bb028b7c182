package body

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/bytebody/internal/config"
	"example.com/bytebody/internal/logger"
)

func TestSharedBuffer_StreamSubscribedMidway(t *testing.T) {
	root := &recordingUpstream{}
	buf, bb := New(Limits{MaxBodySize: 1000, MaxBufferSize: 1000}, root)

	buf.Add(chunkOf('a', 10))
	s, err := bb.ToStream()
	require.NoError(t, err)
	buf.Add(chunkOf('b', 10))
	buf.Complete()

	chunks, err := readAll(t, s)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, chunkOf('a', 10), chunks[0])
	assert.Equal(t, chunkOf('b', 10), chunks[1])
	assert.Equal(t, uint64(20), buf.LengthSoFar())

	n, ok := buf.ExpectedLength()
	assert.True(t, ok)
	assert.Equal(t, uint64(20), n)

	up := root.snapshot()
	assert.Equal(t, 1, up.starts)
	assert.Equal(t, uint64(20), up.consumed)
	assert.Zero(t, up.discards)
}

func TestSharedBuffer_DrainFullBeforeAnyAdd(t *testing.T) {
	buf, bb := New(UnlimitedLimits(), nil)
	f, err := bb.DrainFull()
	require.NoError(t, err)
	assert.False(t, f.Ready())

	var want []byte
	for i := 0; i < 5; i++ {
		c := chunkOf(byte('0'+i), i+1)
		want = append(want, c...)
		buf.Add(c)
	}
	buf.Complete()

	got, err := waitFull(t, f)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, f.Ready())
}

func TestSharedBuffer_IncorrectLength_ShortBody(t *testing.T) {
	root := &recordingUpstream{}
	buf, bb := New(UnlimitedLimits(), root)
	other, err := bb.Split(SplitSlowest)
	require.NoError(t, err)

	s, err := bb.ToStream()
	require.NoError(t, err)
	f, err := other.DrainFull()
	require.NoError(t, err)

	buf.SetExpectedLength(30)
	buf.Add(chunkOf('x', 10))
	buf.Complete()

	_, err = readAll(t, s)
	assert.ErrorIs(t, err, ErrIncorrectLength)
	_, err = waitFull(t, f)
	assert.ErrorIs(t, err, ErrIncorrectLength)

	var be *BodyError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, uint64(30), be.Limit)
	assert.Equal(t, uint64(10), be.Actual)
	assert.Equal(t, 1, root.snapshot().discards, "a fatal error asks the producer to stop")
}

func TestSharedBuffer_IncorrectLength_LongBody(t *testing.T) {
	root := &recordingUpstream{}
	buf, bb := New(UnlimitedLimits(), root)
	s, err := bb.ToStream()
	require.NoError(t, err)

	buf.SetExpectedLength(15)
	buf.Add(chunkOf('x', 10))
	buf.Add(chunkOf('y', 10))
	buf.Add(chunkOf('z', 10)) // Dropped, the body already failed.
	buf.Complete()

	chunks, err := readAll(t, s)
	assert.ErrorIs(t, err, ErrIncorrectLength)
	assert.Len(t, chunks, 1)
	assert.Equal(t, uint64(10), buf.LengthSoFar())
	assert.Equal(t, 1, root.snapshot().discards)
}

func TestSharedBuffer_MaxBodySizePoisonsStreamingSubscribers(t *testing.T) {
	root := &recordingUpstream{}
	buf, bb := New(Limits{MaxBodySize: 15, MaxBufferSize: 1000}, root)
	other, err := bb.Split(SplitFastest)
	require.NoError(t, err)

	s, err := bb.ToStream()
	require.NoError(t, err)
	buf.Add(chunkOf('a', 10))
	buf.Add(chunkOf('b', 10))

	chunks, err := readAll(t, s)
	assert.ErrorIs(t, err, ErrContentLengthExceeded)
	assert.Len(t, chunks, 1, "bytes delivered before the violation stay delivered")

	// A subscriber arriving later sees the same error.
	late, err := other.ToStream()
	require.NoError(t, err)
	_, err = readAll(t, late)
	assert.ErrorIs(t, err, ErrContentLengthExceeded)

	assert.Equal(t, 1, root.snapshot().discards)
}

func TestSharedBuffer_MaxBufferSizeOnlyFailsFullSubscribers(t *testing.T) {
	root := &recordingUpstream{}
	buf, bb := New(Limits{MaxBodySize: 1000, MaxBufferSize: 15}, root)
	other, err := bb.Split(SplitSlowest)
	require.NoError(t, err)

	s, err := bb.ToStream()
	require.NoError(t, err)
	f, err := other.DrainFull()
	require.NoError(t, err)

	buf.Add(chunkOf('a', 10))
	buf.Add(chunkOf('b', 10))

	_, err = waitFull(t, f)
	assert.ErrorIs(t, err, ErrBufferLengthExceeded)

	buf.Add(chunkOf('c', 10))
	buf.Complete()
	chunks, err := readAll(t, s)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join([][]byte{chunkOf('a', 10), chunkOf('b', 10), chunkOf('c', 10)}, nil), bytes.Join(chunks, nil))
	assert.Zero(t, root.snapshot().discards, "the streaming half still wants the body")
}

func TestSharedBuffer_LateSubscriberAfterBufferLimit(t *testing.T) {
	buf, bb := New(Limits{MaxBodySize: 1000, MaxBufferSize: 5}, nil)
	buf.Add(chunkOf('a', 10))

	s, err := bb.ToStream()
	require.NoError(t, err)
	_, err = readAll(t, s)
	assert.ErrorIs(t, err, ErrBufferLengthExceeded)
}

func TestSharedBuffer_SetExpectedLength(t *testing.T) {
	t.Run("above max body size", func(t *testing.T) {
		root := &recordingUpstream{}
		buf, bb := New(Limits{MaxBodySize: 100, MaxBufferSize: 100}, root)
		buf.SetExpectedLength(101)
		f, err := bb.DrainFull()
		require.NoError(t, err)
		_, err = waitFull(t, f)
		assert.ErrorIs(t, err, ErrContentLengthExceeded)
		assert.Equal(t, 1, root.snapshot().discards)
	})

	t.Run("above max buffer size fails full subscribers early", func(t *testing.T) {
		buf, bb := New(Limits{MaxBodySize: 100, MaxBufferSize: 10}, nil)
		other, err := bb.Split(SplitSlowest)
		require.NoError(t, err)
		f, err := bb.DrainFull()
		require.NoError(t, err)

		buf.SetExpectedLength(50)
		_, err = waitFull(t, f)
		assert.ErrorIs(t, err, ErrBufferLengthExceeded)

		s, err := other.ToStream()
		require.NoError(t, err)
		buf.Add(chunkOf('a', 50))
		buf.Complete()
		chunks, err := readAll(t, s)
		require.NoError(t, err, "nothing was dropped before the streaming subscriber attached")
		assert.Equal(t, chunkOf('a', 50), bytes.Join(chunks, nil))
	})

	t.Run("above max buffer size still streams everything", func(t *testing.T) {
		buf, bb := New(Limits{MaxBodySize: 1000, MaxBufferSize: 100}, nil)
		buf.SetExpectedLength(500)
		buf.Add(chunkOf('a', 10))

		s, err := bb.ToStream()
		require.NoError(t, err)
		for i := 0; i < 49; i++ {
			buf.Add(chunkOf('b', 10))
		}
		buf.Complete()

		chunks, err := readAll(t, s)
		require.NoError(t, err)
		assert.Len(t, bytes.Join(chunks, nil), 500)
	})

	t.Run("above max buffer size rejects a later drain", func(t *testing.T) {
		up := &recordingUpstream{}
		buf, bb := New(Limits{MaxBodySize: 1000, MaxBufferSize: 100}, up)
		other, err := bb.Split(SplitFastest)
		require.NoError(t, err)
		buf.SetExpectedLength(500)
		buf.Add(chunkOf('a', 10))

		f, err := other.DrainFull()
		require.NoError(t, err)
		_, err = waitFull(t, f)
		assert.ErrorIs(t, err, ErrBufferLengthExceeded)

		// The retained bytes never exceeded the budget, so the owner still sees them.
		s, err := bb.ToStream()
		require.NoError(t, err)
		for i := 0; i < 49; i++ {
			buf.Add(chunkOf('b', 10))
		}
		buf.Complete()
		chunks, err := readAll(t, s)
		require.NoError(t, err)
		assert.Len(t, bytes.Join(chunks, nil), 500)
		assert.Zero(t, up.snapshot().discards, "one rejected half does not cancel the body")
	})

	t.Run("conflicting hints", func(t *testing.T) {
		buf, bb := New(UnlimitedLimits(), nil)
		buf.SetExpectedLength(10)
		buf.SetExpectedLength(10)
		n, ok := buf.ExpectedLength()
		require.True(t, ok)
		assert.Equal(t, uint64(10), n)

		buf.SetExpectedLength(11)
		s, err := bb.ToStream()
		require.NoError(t, err)
		_, err = readAll(t, s)
		assert.ErrorIs(t, err, ErrIncorrectLength)
	})

	t.Run("hint below bytes already received", func(t *testing.T) {
		buf, bb := New(UnlimitedLimits(), nil)
		buf.Add(chunkOf('a', 20))
		buf.SetExpectedLength(10)
		s, err := bb.ToStream()
		require.NoError(t, err)
		_, err = readAll(t, s)
		assert.ErrorIs(t, err, ErrIncorrectLength)
	})
}

func TestSharedBuffer_FirstErrorWins(t *testing.T) {
	buf, bb := New(UnlimitedLimits(), nil)
	s, err := bb.ToStream()
	require.NoError(t, err)

	first := errors.New("first")
	second := errors.New("second")
	buf.Add(chunkOf('a', 3))
	buf.Error(first)
	buf.Error(second)
	buf.Complete()
	buf.Add(chunkOf('b', 3))

	chunks, err := readAll(t, s)
	assert.ErrorIs(t, err, first)
	assert.Len(t, chunks, 1)

	assert.Equal(t, []error{second}, buf.Suppressed())

	third := errors.New("third")
	buf.Error(third)
	assert.Equal(t, []error{second, third}, buf.Suppressed(), "secondary errors keep their order")
}

func TestSharedBuffer_ErrorAfterCompleteIgnored(t *testing.T) {
	buf, bb := New(UnlimitedLimits(), nil)
	buf.Add([]byte("done"))
	buf.Complete()
	buf.Error(errors.New("too late"))

	f, err := bb.DrainFull()
	require.NoError(t, err)
	data, err := waitFull(t, f)
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), data)
}

func TestSharedBuffer_TerminalNotificationIsLast(t *testing.T) {
	buf := NewSharedBuffer(UnlimitedLimits(), nil)
	c := &recordingConsumer{}
	buf.runner.Submit(func() { buf.subscribe(c, nil) })

	buf.Add([]byte("ab"))
	buf.Complete()
	buf.Add([]byte("cd"))
	buf.Error(errors.New("ignored"))

	assert.True(t, c.completed)
	assert.NoError(t, c.err)
	assert.Zero(t, c.afterEnd)
	assert.Equal(t, [][]byte{[]byte("ab")}, c.chunks)
}

func TestSharedBuffer_SubscribeWithoutReservation(t *testing.T) {
	var out syncBuffer
	log := logger.NewWithWriter(&out, config.LogLevelDebug)
	buf := NewSharedBuffer(UnlimitedLimits(), nil, WithLogger(log))

	first := &recordingConsumer{}
	second := &recordingConsumer{}
	buf.runner.Submit(func() { buf.subscribe(first, nil) })
	buf.runner.Submit(buf.reserve) // No return to buffering once reservations ran out.
	buf.runner.Submit(func() { buf.subscribe(second, nil) })

	assert.NoError(t, first.err)
	assert.ErrorIs(t, second.err, ErrIllegalState)
	assert.Contains(t, out.String(), "Reservation requested after all reservations were redeemed")
	assert.Contains(t, out.String(), "Subscribe without an outstanding reservation")

	f := newFullBody()
	buf.runner.Submit(func() { buf.subscribeFull(f, nil) })
	_, err := waitFull(t, f)
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestSharedBuffer_LastReservationMovesBuffer(t *testing.T) {
	obs := newCountingObserver()
	buf, bb := New(UnlimitedLimits(), nil, WithObserver(obs))
	chunk := []byte("moved, not copied")
	buf.Add(chunk)
	buf.Complete()

	f, err := bb.DrainFull()
	require.NoError(t, err)
	data, err := waitFull(t, f)
	require.NoError(t, err)
	assert.Equal(t, chunk, data)
	assert.Same(t, &chunk[0], &data[0], "the only retained chunk is handed over")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Zero(t, obs.retained, "retained bytes are released once the last consumer took them")
	assert.Equal(t, uint64(len(chunk)), obs.received)
	assert.Equal(t, []Outcome{OutcomeComplete}, obs.outcomes)
}

func TestSharedBuffer_CopiesForEarlierReservations(t *testing.T) {
	buf, bb := New(UnlimitedLimits(), nil)
	other, err := bb.Split(SplitSlowest)
	require.NoError(t, err)
	chunk := []byte("shared")
	buf.Add(chunk)
	buf.Complete()

	f1, err := bb.DrainFull()
	require.NoError(t, err)
	f2, err := other.DrainFull()
	require.NoError(t, err)

	d1, err := waitFull(t, f1)
	require.NoError(t, err)
	d2, err := waitFull(t, f2)
	require.NoError(t, err)
	assert.Equal(t, chunk, d1)
	assert.Equal(t, chunk, d2)
	assert.NotSame(t, &d1[0], &d2[0])
}

func TestSharedBuffer_ObserverCountsLimits(t *testing.T) {
	obs := newCountingObserver()
	buf, bb := New(Limits{MaxBodySize: 5, MaxBufferSize: 5}, nil, WithObserver(obs))
	s, err := bb.ToStream()
	require.NoError(t, err)
	buf.Add(chunkOf('a', 6))
	_, err = readAll(t, s)
	require.ErrorIs(t, err, ErrContentLengthExceeded)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []ErrorCode{ErrCodeContentLengthExceeded}, obs.limits)
	assert.Equal(t, []Outcome{OutcomeError}, obs.outcomes)
	assert.Equal(t, 1, obs.claims["stream"])
}

func TestBufferState_String(t *testing.T) {
	assert.Equal(t, "active", stateActive.String())
	assert.Equal(t, "complete", stateComplete.String())
	assert.Equal(t, "errored", stateErrored.String())
	assert.Equal(t, "unknown", bufferState(9).String())
}
