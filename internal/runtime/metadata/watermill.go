package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill extracts the envelope properties from Watermill metadata,
// leaving out the reserved transport headers.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		if IsHeader(k) {
			continue
		}
		result[k] = v
	}
	return result
}

// ToWatermill copies properties into a Watermill map ready to receive headers.
func ToWatermill(props Metadata) message.Metadata {
	wm := make(message.Metadata, len(props)+5)
	for k, v := range props {
		wm[k] = v
	}
	return wm
}
