package bus

import "strings"

// Topics derives wire topic names. The version becomes a "-<version>" suffix
// of the listen topic and the message kind a sub-topic, so requests,
// notifications and per-session responses never share a subscription.
type Topics struct {
	Prefix  string
	Version string
}

func (t Topics) base(listenTopic string) string {
	name := t.Prefix + listenTopic
	if t.Version != "" {
		name += "-" + t.Version
	}
	return name
}

// Request is the topic services consume requests from.
func (t Topics) Request(listenTopic string) string {
	return t.base(listenTopic) + ".request"
}

// Notify is the topic notifications for listenTopic are published on.
func (t Topics) Notify(listenTopic string) string {
	return t.base(listenTopic) + ".notify"
}

// Response is the reply topic of one requesting session.
func (t Topics) Response(listenTopic, sessionID string) string {
	return t.base(listenTopic) + ".response." + strings.ToLower(sessionID)
}
