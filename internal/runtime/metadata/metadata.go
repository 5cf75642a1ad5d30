package metadata

import (
	"maps"
	"strings"
)

// Metadata is the string property bag carried next to a message body. Pipeline
// stages record their markers here and the transport copies every entry onto
// the wire.
type Metadata map[string]string

// Clone returns a shallow copy. A nil receiver yields an empty, writable map.
func (m Metadata) Clone() Metadata {
	if len(m) == 0 {
		return Metadata{}
	}
	return maps.Clone(m)
}

// Flag reports whether key holds a true value. Both "True" and "true" are
// accepted since peers written against other runtimes capitalise booleans.
func (m Metadata) Flag(key string) bool {
	return strings.EqualFold(m[key], "true")
}

// SetFlag stores a boolean marker under key.
func (m Metadata) SetFlag(key string) {
	m[key] = "True"
}

// New builds a Metadata map from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
