package endpoint

import "github.com/formlake/hookrelay/event"

// Matches reports whether this endpoint should receive the given event type.
//
// Rules:
//   - an inactive endpoint never matches
//   - partial-submission events require IncludePartials
//   - an empty Events set subscribes to everything
//   - otherwise the event type must appear in the set ("*" is accepted as
//     an explicit subscribe-to-all entry)
func (ep *Endpoint) Matches(eventType string) bool {
	if !ep.Active {
		return false
	}

	if eventType == event.TypeSubmissionPartial && !ep.IncludePartials {
		return false
	}

	if len(ep.Events) == 0 {
		return true
	}

	for _, sub := range ep.Events {
		if sub == "*" || sub == eventType {
			return true
		}
	}

	return false
}
