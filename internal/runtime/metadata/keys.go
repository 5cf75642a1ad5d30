package metadata

// Property keys written by the pipeline stages and the channels. They travel
// with the message and must be understood by every peer.
const (
	// KeyCompress names the compression scheme applied to the payload.
	KeyCompress = "X-Compress"
	// KeyOverflow marks a payload that was moved to blob storage.
	KeyOverflow          = "X-Overflow"
	KeyOverflowBlobName  = "X-Overflow-Blobname"
	KeyOverflowContainer = "X-Overflow-Container"

	KeyCustomSessionID = "CustomSessionId"
	KeyVersion         = "Version"
)

// Header keys used by the transport to carry envelope fields that have no
// native slot on a Watermill message.
const (
	HeaderContentType   = "ContentType"
	HeaderReplyTo       = "ReplyTo"
	HeaderCorrelationID = "CorrelationId"
	HeaderSessionID     = "SessionId"
	HeaderLabel         = "Label"
)

// CompressDeflate is the only compression scheme understood.
const CompressDeflate = "deflate"

// IsHeader reports whether key is reserved for transport headers and must not
// be surfaced as an envelope property.
func IsHeader(key string) bool {
	switch key {
	case HeaderContentType, HeaderReplyTo, HeaderCorrelationID, HeaderSessionID, HeaderLabel:
		return true
	}
	return false
}
