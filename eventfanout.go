package cobrowse

import (
	"pkt.systems/cobrowse/core"
	"pkt.systems/cobrowse/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

// newEventFanout returns the single sink when there is only one.
func newEventFanout(sinks []core.EventSink) core.EventSink {
	kept := make([]core.EventSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return eventFanout{sinks: kept}
}

func (f eventFanout) Broadcast(event schema.Event) {
	for _, sink := range f.sinks {
		sink.Broadcast(event)
	}
}

func (f eventFanout) Send(clientID schema.ClientID, event schema.Event) {
	for _, sink := range f.sinks {
		sink.Send(clientID, event)
	}
}
