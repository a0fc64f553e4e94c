package operation_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-escore/clientmessages"
	"github.com/smnsjas/go-escore/messages"
	"github.com/smnsjas/go-escore/operation"
)

type writeOp = operation.Operation[clientmessages.WriteResult]

func newWriteOp(id uuid.UUID) *writeOp {
	req := clientmessages.NewWriteRequest("orders-1", clientmessages.ExpectedVersionAny, []clientmessages.NewEvent{
		{EventID: uuid.New(), EventType: "OrderPlaced", Data: []byte(`{"id":1}`)},
		{EventID: uuid.New(), EventType: "OrderPaid", Data: []byte(`{"id":1}`), Metadata: []byte(`{}`)},
	})
	return operation.New[clientmessages.WriteResult](req, id)
}

func completedFrame(t testing.TB, id uuid.UUID, code operation.ErrorCode) *messages.Package {
	t.Helper()
	dto := clientmessages.WriteEventsCompleted{
		CorrelationID:    id,
		ErrorCode:        int32(code),
		EventStreamID:    "orders-1",
		FirstEventNumber: 7,
	}
	data, err := dto.Marshal()
	require.NoError(t, err)
	return &messages.Package{
		Command:       messages.CommandWriteEventsCompleted,
		CorrelationID: id,
		Data:          data,
	}
}

func waitDone(t *testing.T, op *writeOp) (clientmessages.WriteResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return op.Completion().Wait(ctx)
}

func TestProcess_Success(t *testing.T) {
	id := uuid.New()
	op := newWriteOp(id)

	out := op.Process(completedFrame(t, id, operation.ErrorCodeSuccess))
	require.Equal(t, operation.StatusSuccess, out.Status)
	require.NotNil(t, out.Terminal)
	assert.Equal(t, operation.StateCompleted, op.State())
	assert.Equal(t, operation.StateCompleted, out.Terminal.State())

	select {
	case <-op.Done():
		t.Fatal("completion settled before Deliver")
	default:
	}

	out.Terminal.Deliver()
	res, err := waitDone(t, op)
	require.NoError(t, err)
	assert.Equal(t, "orders-1", res.Stream)
	assert.Equal(t, int32(7), res.FirstEventNumber)
	assert.Equal(t, operation.ErrorCodeSuccess, res.Code)
	require.NotNil(t, op.LastResponse())
}

func TestProcess_RetryThenSuccess(t *testing.T) {
	id1 := uuid.New()
	op := newWriteOp(id1)

	out := op.Process(completedFrame(t, id1, operation.ErrorCodeWrongExpectedVersion))
	assert.Equal(t, operation.StatusRetry, out.Status)
	assert.Nil(t, out.Terminal)
	assert.ErrorIs(t, out.Err, operation.ErrServerRetryable)
	assert.Equal(t, operation.StatePending, op.State())

	select {
	case <-op.Done():
		t.Fatal("completion settled on retry")
	default:
	}

	id2 := uuid.New()
	op.SetRetryAttempt(id2)
	assert.Equal(t, id2, op.CorrelationID())
	assert.Equal(t, 2, op.Attempts())

	out = op.Process(completedFrame(t, id2, operation.ErrorCodeSuccess))
	require.Equal(t, operation.StatusSuccess, out.Status)
	out.Terminal.Deliver()

	res, err := waitDone(t, op)
	require.NoError(t, err)
	assert.Equal(t, "orders-1", res.Stream)
}

func TestProcess_StreamDeleted(t *testing.T) {
	id := uuid.New()
	op := newWriteOp(id)

	out := op.Process(completedFrame(t, id, operation.ErrorCodeStreamDeleted))
	require.Equal(t, operation.StatusFailed, out.Status)
	assert.Equal(t, operation.StateFailed, op.State())

	out.Terminal.Deliver()
	_, err := waitDone(t, op)
	require.Error(t, err)
	assert.ErrorIs(t, err, operation.ErrServerFatal)
	assert.Contains(t, err.Error(), "StreamDeleted")
	assert.Nil(t, op.LastResponse())
}

func TestProcess_ServerMessageAttached(t *testing.T) {
	id := uuid.New()
	op := newWriteOp(id)

	dto := clientmessages.WriteEventsCompleted{
		CorrelationID: id,
		ErrorCode:     int32(operation.ErrorCodeInvalidTransaction),
		Error:         "transaction 12 is not open",
		EventStreamID: "orders-1",
	}
	data, err := dto.Marshal()
	require.NoError(t, err)

	out := op.Process(&messages.Package{Command: messages.CommandWriteEventsCompleted, CorrelationID: id, Data: data})
	require.Equal(t, operation.StatusFailed, out.Status)

	var se *operation.ServerError
	require.True(t, errors.As(out.Err, &se))
	assert.Equal(t, "transaction 12 is not open", se.Message)
}

func TestProcess_CommandMismatch(t *testing.T) {
	bodies := map[string][]byte{
		"valid success body": nil,
		"garbage body":       {0xFF, 0xFF, 0xFF},
		"empty body":         {},
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			id := uuid.New()
			op := newWriteOp(id)
			if body == nil {
				body = completedFrame(t, id, operation.ErrorCodeSuccess).Data
			}

			out := op.Process(&messages.Package{
				Command:       messages.CommandDeleteStreamCompleted,
				CorrelationID: id,
				Data:          body,
			})
			require.Equal(t, operation.StatusFailed, out.Status)

			out.Terminal.Deliver()
			_, err := waitDone(t, op)
			assert.ErrorIs(t, err, operation.ErrProtocolMismatch)

			var cme *operation.CommandMismatchError
			require.True(t, errors.As(err, &cme))
			assert.Equal(t, messages.CommandWriteEventsCompleted, cme.Expected)
			assert.Equal(t, messages.CommandDeleteStreamCompleted, cme.Actual)
		})
	}
}

func TestProcess_DeserializationFailure(t *testing.T) {
	id := uuid.New()
	op := newWriteOp(id)

	out := op.Process(&messages.Package{
		Command:       messages.CommandWriteEventsCompleted,
		CorrelationID: id,
		Data:          []byte{0x0A, 0x05, 0x01}, // truncated bytes field
	})
	require.Equal(t, operation.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, operation.ErrDeserialization)
	assert.ErrorIs(t, out.Err, clientmessages.ErrMalformed)
}

func TestProcess_NilPackage(t *testing.T) {
	op := newWriteOp(uuid.New())
	out := op.Process(nil)
	assert.Equal(t, operation.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, operation.ErrDeserialization)
}

func TestProcess_UnrecognizedCode(t *testing.T) {
	id := uuid.New()
	op := newWriteOp(id)

	out := op.Process(completedFrame(t, id, operation.ErrorCode(77)))
	require.Equal(t, operation.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, operation.ErrUnrecognizedCode)
}

// panickyRequest panics while decoding a reply.
type panickyRequest struct{}

func (panickyRequest) RequestCommand() messages.Command { return messages.CommandWriteEvents }
func (panickyRequest) CompletedCommand() messages.Command {
	return messages.CommandWriteEventsCompleted
}
func (panickyRequest) MarshalRequest(uuid.UUID) ([]byte, error) { return nil, nil }
func (panickyRequest) UnmarshalResponse([]byte) (operation.Response[int], error) {
	panic("decoder bug")
}

func TestProcess_PanicBecomesFailure(t *testing.T) {
	id := uuid.New()
	op := operation.New[int](panickyRequest{}, id)

	var out operation.Outcome
	require.NotPanics(t, func() {
		out = op.Process(&messages.Package{Command: messages.CommandWriteEventsCompleted, CorrelationID: id})
	})
	require.Equal(t, operation.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, operation.ErrInternal)

	out.Terminal.Deliver()
	_, err := op.Completion().Wait(context.Background())
	assert.ErrorIs(t, err, operation.ErrInternal)
}

func TestAbandon_BeforeAnyReply(t *testing.T) {
	id := uuid.New()
	op := newWriteOp(id)
	cause := errors.New("operation timed out")

	term, ok := op.Abandon(cause)
	require.True(t, ok)
	term.Deliver()

	_, err := waitDone(t, op)
	assert.ErrorIs(t, err, operation.ErrNoResult)
	assert.ErrorIs(t, err, cause)

	// A late reply for the old correlation id is a no-op
	out := op.Process(completedFrame(t, id, operation.ErrorCodeSuccess))
	assert.Equal(t, operation.StatusIgnored, out.Status)
	assert.Nil(t, out.Terminal)
	assert.Equal(t, operation.StateFailed, op.State())

	_, ok = op.Abandon(cause)
	assert.False(t, ok)
}

func TestAbandon_AfterCompletion(t *testing.T) {
	id := uuid.New()
	op := newWriteOp(id)

	out := op.Process(completedFrame(t, id, operation.ErrorCodeSuccess))
	term, ok := op.Abandon(nil)
	assert.False(t, ok)
	assert.Nil(t, term)

	out.Terminal.Deliver()
	_, err := waitDone(t, op)
	assert.NoError(t, err)
}

func TestFail_KeepsErrorKind(t *testing.T) {
	id := uuid.New()
	op := newWriteOp(id)
	rejected := errors.New("server rejected request: bad event data")

	term, ok := op.Fail(rejected)
	require.True(t, ok)
	assert.Equal(t, operation.StateFailed, term.State())
	term.Deliver()

	_, err := waitDone(t, op)
	assert.ErrorIs(t, err, rejected)
	assert.NotErrorIs(t, err, operation.ErrNoResult)

	_, ok = op.Fail(rejected)
	assert.False(t, ok)
	_, ok = op.Abandon(nil)
	assert.False(t, ok)
}

func TestTerminal_DeliverTwice(t *testing.T) {
	id := uuid.New()
	op := newWriteOp(id)

	out := op.Process(completedFrame(t, id, operation.ErrorCodeSuccess))
	out.Terminal.Deliver()
	out.Terminal.Deliver()

	var nilTerminal *operation.Terminal
	nilTerminal.Deliver()

	_, err := waitDone(t, op)
	assert.NoError(t, err)
}

func TestBuildFrame(t *testing.T) {
	id := uuid.New()
	op := newWriteOp(id)

	frame, err := op.BuildFrame()
	require.NoError(t, err)
	assert.Equal(t, messages.CommandWriteEvents, frame.Command)
	assert.Equal(t, id, frame.CorrelationID)

	var body clientmessages.WriteEvents
	require.NoError(t, body.Unmarshal(frame.Data))
	assert.Equal(t, id, body.CorrelationID)
	assert.Equal(t, "orders-1", body.EventStreamID)
	assert.Equal(t, clientmessages.ExpectedVersionAny, body.ExpectedVersion)
	require.Len(t, body.Events, 2)
	assert.Equal(t, "OrderPlaced", body.Events[0].EventType)

	id2 := uuid.New()
	op.SetRetryAttempt(id2)
	frame, err = op.BuildFrame()
	require.NoError(t, err)
	assert.Equal(t, id2, frame.CorrelationID)
	require.NoError(t, body.Unmarshal(frame.Data))
	assert.Equal(t, id2, body.CorrelationID)
}

func TestBuildFrame_SerializationError(t *testing.T) {
	req := clientmessages.NewWriteRequest("", clientmessages.ExpectedVersionAny, nil)
	op := operation.New[clientmessages.WriteResult](req, uuid.New())

	_, err := op.BuildFrame()
	assert.ErrorIs(t, err, clientmessages.ErrInvalidRequest)
	assert.Equal(t, operation.StatePending, op.State())
}

func TestCompletion_WaitContext(t *testing.T) {
	op := newWriteOp(uuid.New())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := op.Completion().Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, operation.StatePending, op.State())
}

// TestBuildFrame_NoTornIDs races SetRetryAttempt against BuildFrame and
// checks every frame's header id matches the id in its body and was issued.
func TestBuildFrame_NoTornIDs(t *testing.T) {
	const writers, builders, iterations = 4, 8, 500

	first := uuid.New()
	op := newWriteOp(first)

	var issued sync.Map
	issued.Store(first, struct{}{})

	var wg sync.WaitGroup
	errCh := make(chan error, builders)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				id := uuid.New()
				issued.Store(id, struct{}{})
				op.SetRetryAttempt(id)
			}
		}()
	}

	for b := 0; b < builders; b++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				frame, err := op.BuildFrame()
				if err != nil {
					errCh <- err
					return
				}
				var body clientmessages.WriteEvents
				if err := body.Unmarshal(frame.Data); err != nil {
					errCh <- err
					return
				}
				if body.CorrelationID != frame.CorrelationID {
					errCh <- errors.New("header and body correlation ids differ")
					return
				}
				if _, ok := issued.Load(frame.CorrelationID); !ok {
					errCh <- errors.New("frame carries an id that was never issued")
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}

	last := uuid.New()
	op.SetRetryAttempt(last)
	frame, err := op.BuildFrame()
	require.NoError(t, err)
	assert.Equal(t, last, frame.CorrelationID)
	assert.Equal(t, 1+writers*iterations+1, op.Attempts())
}

// TestExactlyOnce_Stress drives Process, SetRetryAttempt and Abandon from
// many goroutines and checks exactly one Terminal is ever handed out.
func TestExactlyOnce_Stress(t *testing.T) {
	const rounds = 200

	for r := 0; r < rounds; r++ {
		id := uuid.New()
		op := newWriteOp(id)

		success := completedFrame(t, id, operation.ErrorCodeSuccess)
		retry := completedFrame(t, id, operation.ErrorCodeCommitTimeout)
		fatal := completedFrame(t, id, operation.ErrorCodeStreamDeleted)

		var terminals atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		run := func(fn func() *operation.Terminal) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if term := fn(); term != nil {
					terminals.Add(1)
					term.Deliver()
				}
			}()
		}

		for i := 0; i < 4; i++ {
			run(func() *operation.Terminal { return op.Process(retry).Terminal })
			run(func() *operation.Terminal {
				op.SetRetryAttempt(uuid.New())
				return nil
			})
			run(func() *operation.Terminal { return op.Process(success).Terminal })
			run(func() *operation.Terminal { return op.Process(fatal).Terminal })
			run(func() *operation.Terminal {
				term, _ := op.Abandon(errors.New("gave up"))
				return term
			})
		}

		close(start)
		wg.Wait()

		require.Equal(t, int32(1), terminals.Load(), "round %d", r)
		select {
		case <-op.Done():
		default:
			t.Fatalf("round %d: completion not settled", r)
		}
		assert.NotEqual(t, operation.StatePending, op.State())
	}
}
