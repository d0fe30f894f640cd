package protocol

// Event names carried in the "event" field of every envelope.
const (
	EventHTTPRequest   = "http.request"
	EventResponse      = "relay.response"
	EventResponseBegin = "relay.response.begin"
	EventResponseChunk = "relay.response.chunk"
	EventResponseLines = "relay.response.lines"
	EventResponseEnd   = "relay.response.end"
	EventUploadBegin   = "http.upload.begin"
	EventUploadChunk   = "http.upload.chunk"
	EventUploadEnd     = "http.upload.end"
	EventUploadMissing = "http.upload.missing"
	EventHealth        = "relay.health"
)

// Stream modes selectable in a RequestDescriptor.
const (
	StreamNone   = ""       // single buffered response
	StreamChunks = "chunks" // raw byte chunks, base64 on the wire
	StreamLines  = "lines"  // newline-delimited text records
)

// ContentType hints used when deciding how to decode a response body.
const (
	ContentJSON  = "application/json"
	ContentBytes = "application/octet-stream"
)

// KnownEvent reports whether name is one of the protocol event names.
func KnownEvent(name string) bool {
	switch name {
	case EventHTTPRequest, EventResponse, EventResponseBegin, EventResponseChunk,
		EventResponseLines, EventResponseEnd, EventUploadBegin, EventUploadChunk,
		EventUploadEnd, EventUploadMissing, EventHealth:
		return true
	}
	return false
}
