// Package operation implements the lifecycle of a single in-flight request.
//
// An Operation owns the immutable request payload and the correlation id of
// the current attempt. The dispatcher (which owns the connection) asks it to
// build a frame, routes the matching response back through Process, and
// either delivers the result or rotates the correlation id and re-sends.
//
// # State Machine
//
//	Pending → Completed
//	   ↓
//	 Failed
//
// A retryable server reply keeps the operation Pending. The transition out of
// Pending happens exactly once; the caller that wins it receives a *Terminal,
// which is the only value able to resolve or reject the Completion.
//
// # Usage
//
//	op := operation.New[WriteResult](request, uuid.New())
//	frame, err := op.BuildFrame()
//	// ... send frame, receive reply ...
//	switch out := op.Process(reply); out.Status {
//	case operation.StatusRetry:
//	    op.SetRetryAttempt(uuid.New())
//	    // re-send op.BuildFrame()
//	case operation.StatusSuccess, operation.StatusFailed:
//	    out.Terminal.Deliver()
//	}
//	result, err := op.Completion().Wait(ctx)
package operation
