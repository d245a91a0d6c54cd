package core

import "pkt.systems/cobrowse/schema"

// EventSink receives outbound events from the session.
type EventSink interface {
	// Broadcast delivers to every attached client. It must not block.
	Broadcast(event schema.Event)
	// Send delivers to one client only. Unknown ids are ignored.
	Send(clientID schema.ClientID, event schema.Event)
}

type nopSink struct{}

func (nopSink) Broadcast(schema.Event)             {}
func (nopSink) Send(schema.ClientID, schema.Event) {}
