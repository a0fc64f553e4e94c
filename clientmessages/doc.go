// Package clientmessages defines the protobuf payloads carried in TCP
// packages and the requests built from them.
//
// Payloads are encoded field by field with protowire; there is no generated
// code. Field numbers:
//
//	NewEvent              1 event_id (bytes, GUID)   2 event_type (string)
//	                      3 data (bytes)             4 metadata (bytes)
//	WriteEvents           1 correlation_id (bytes)   2 event_stream_id (string)
//	                      3 expected_version (int32) 4 events (repeated NewEvent)
//	WriteEventsCompleted  1 correlation_id (bytes)   2 error_code (int32)
//	                      3 error (string)           4 event_stream_id (string)
//	                      5 first_event_number (int32)
//	DeleteStream          1 correlation_id (bytes)   2 event_stream_id (string)
//	                      3 expected_version (int32)
//	DeleteStreamCompleted 1 correlation_id (bytes)   2 error_code (int32)
//	                      3 error (string)           4 event_stream_id (string)
//
// error_code and event_stream_id are required in replies; error_code is
// always written, even when zero.
package clientmessages

// Expected version values with special meaning.
const (
	// ExpectedVersionAny disables the optimistic concurrency check.
	ExpectedVersionAny int32 = -2
	// ExpectedVersionNoStream requires that the stream does not exist yet.
	ExpectedVersionNoStream int32 = -1
)
