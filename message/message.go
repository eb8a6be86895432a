// Package message defines the body carried by every broker frame.
//
// Envelope is serialized by the codec layer and wrapped in a protocol frame
// for transmission over TCP. What its fields mean depends on the frame type.
package message

// Envelope carries the data of one broker message.
//
//   - ConnectAck: Cookie is the cookie the broker assigned to the process.
//   - Register*/Unregister*: Path is a stub or proxy path; Cookie is the
//     sender's cookie when the broker forwards it.
//   - Ack: Error is non-empty if the request was rejected.
type Envelope struct {
	Cookie uint64 `json:"cookie,omitempty"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
}
