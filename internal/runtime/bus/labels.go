package bus

import (
	"strings"

	"github.com/drblury/rpcflow/internal/runtime/envelope"
)

const (
	labelRequest        = "Request"
	labelNotify         = "Notify"
	labelResponsePrefix = "Response-"
)

func labelFor(kind envelope.Kind, sessionID string) string {
	switch kind {
	case envelope.KindRequest:
		return labelRequest
	case envelope.KindNotify:
		return labelNotify
	case envelope.KindResponse:
		return labelResponsePrefix + sessionID
	default:
		return ""
	}
}

func kindFromLabel(label string, fallback envelope.Kind) envelope.Kind {
	switch {
	case label == labelRequest:
		return envelope.KindRequest
	case label == labelNotify:
		return envelope.KindNotify
	case strings.HasPrefix(label, labelResponsePrefix):
		return envelope.KindResponse
	default:
		return fallback
	}
}
