// Package secmsg authenticates and encrypts messages exchanged between the
// execution contexts of one extension (background, content and editor
// frame) over buses that any other party can read and write.
//
// Every message is sealed with AES-256-GCM under a rotating session key.
// A Manager owns a bounded pool of Validators, one per key generation:
// outbound messages use the newest generation, inbound envelopes are tried
// against every live generation from newest to oldest. Envelopes that fail
// are dropped silently; forged traffic on the shared bus is routine.
package secmsg

// MessageData is the plaintext carried inside an envelope.
type MessageData struct {
	RuntimeID string `json:"runtimeId"`
	Message   string `json:"message"`
	Key       string `json:"key,omitempty"`
	SubKey    string `json:"subKey,omitempty"`
}

// Envelope is the wire representation of a message. MessageData holds the
// base64 ciphertext of a serialized MessageData; Token names the sender's
// validator generation.
type Envelope struct {
	Token       string `json:"token"`
	MessageData string `json:"messageData"`
}

// Transport kinds.
const (
	// TransportRuntime is extension runtime messaging between background and
	// content. It carries no origin.
	TransportRuntime = "runtime"

	// TransportWindow is cross-document messaging between the content
	// context and the editor frame.
	TransportWindow = "window"
)

// Source describes where an inbound envelope came from.
type Source struct {
	// Transport is TransportRuntime or TransportWindow.
	Transport string

	// Origin is the observed sender origin. Only meaningful for
	// TransportWindow.
	Origin string
}

// RuntimeSource returns the Source of runtime-messaging traffic.
func RuntimeSource() Source {
	return Source{Transport: TransportRuntime}
}

// WindowSource returns the Source of a window message observed from origin.
func WindowSource(origin string) Source {
	return Source{Transport: TransportWindow, Origin: origin}
}
