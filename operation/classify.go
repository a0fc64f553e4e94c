package operation

import "fmt"

// ErrorCode is the result code the server reports for a write.
type ErrorCode int32

// Known result codes.
const (
	ErrorCodeSuccess              ErrorCode = 0
	ErrorCodePrepareTimeout       ErrorCode = 1
	ErrorCodeCommitTimeout        ErrorCode = 2
	ErrorCodeForwardTimeout       ErrorCode = 3
	ErrorCodeWrongExpectedVersion ErrorCode = 4
	ErrorCodeStreamDeleted        ErrorCode = 5
	ErrorCodeInvalidTransaction   ErrorCode = 6
)

// String returns the code name.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeSuccess:
		return "Success"
	case ErrorCodePrepareTimeout:
		return "PrepareTimeout"
	case ErrorCodeCommitTimeout:
		return "CommitTimeout"
	case ErrorCodeForwardTimeout:
		return "ForwardTimeout"
	case ErrorCodeWrongExpectedVersion:
		return "WrongExpectedVersion"
	case ErrorCodeStreamDeleted:
		return "StreamDeleted"
	case ErrorCodeInvalidTransaction:
		return "InvalidTransaction"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(c))
	}
}

// Disposition is what the dispatcher should do with a reply.
type Disposition int

const (
	// DispositionSuccess delivers the result to the caller.
	DispositionSuccess Disposition = iota
	// DispositionRetry re-sends the request under a new correlation id.
	DispositionRetry
	// DispositionFatal rejects the caller's completion.
	DispositionFatal
)

// String returns a string representation of the disposition.
func (d Disposition) String() string {
	switch d {
	case DispositionSuccess:
		return "Success"
	case DispositionRetry:
		return "Retry"
	case DispositionFatal:
		return "Fatal"
	default:
		return fmt.Sprintf("Unknown(%d)", int(d))
	}
}

// Classification is the result of Classify. Err is nil only for
// DispositionSuccess.
type Classification struct {
	Disposition Disposition
	Err         error
}

// Classify maps a server result code to a disposition.
//
// Timeouts and WrongExpectedVersion are retried: the server deduplicates by
// event id, so re-sending the same events is safe. Codes this client does not
// know are fatal rather than guessed at.
func Classify(code ErrorCode) Classification {
	switch code {
	case ErrorCodeSuccess:
		return Classification{Disposition: DispositionSuccess}
	case ErrorCodePrepareTimeout,
		ErrorCodeCommitTimeout,
		ErrorCodeForwardTimeout,
		ErrorCodeWrongExpectedVersion:
		return Classification{
			Disposition: DispositionRetry,
			Err:         &ServerError{Code: code, Retryable: true},
		}
	case ErrorCodeStreamDeleted,
		ErrorCodeInvalidTransaction:
		return Classification{
			Disposition: DispositionFatal,
			Err:         &ServerError{Code: code},
		}
	default:
		return Classification{
			Disposition: DispositionFatal,
			Err:         &UnrecognizedCodeError{Code: code},
		}
	}
}
