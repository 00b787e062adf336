package protocol

// Message is anything the server puts on the wire: terminal responses
// and server-initiated notifications. The transport serializes messages
// one at a time so JSON objects never interleave.
type Message interface {
	message()
}

func (*Response) message()     {}
func (*Notification) message() {}
