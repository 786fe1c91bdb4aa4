package proto

// DirectRequest carries one opaque direct message.
type DirectRequest struct {
	Data []byte `cbor:"data"`
}

// DirectAck is the single acknowledgment frame for a DirectRequest.
type DirectAck struct {
	OK bool `cbor:"ok"`
}
