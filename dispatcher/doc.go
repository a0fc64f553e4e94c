// Package dispatcher routes replies to in-flight operations and owns their
// retry, timeout and shutdown policy.
//
// # Correlation
//
// Every operation is registered under its current correlation id. A reply is
// routed by id; replies for ids the dispatcher has retired (retried, finished
// or abandoned) are dropped and counted as late frames.
//
// # Retries
//
// A retryable reply, a NotHandled reply or a timeout retires the current id,
// waits for the operation's backoff delay, assigns a fresh id with
// SetRetryAttempt and sends the request again. After Config.MaxRetries
// re-sends the operation is abandoned with ErrRetriesExhausted.
//
// # Usage
//
//	d := dispatcher.New(conn, dispatcher.WithLogger(logger))
//	go d.Run(ctx)
//
//	op := operation.New[clientmessages.WriteResult](req, uuid.New())
//	if err := d.Enqueue(ctx, op); err != nil {
//	    return err
//	}
//	result, err := op.Completion().Wait(ctx)
//
// Enqueue always leaves the operation on a path to a terminal state: if it
// returns an error the operation has already been abandoned.
package dispatcher
