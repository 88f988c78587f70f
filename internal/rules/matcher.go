package rules

import (
	"log/slog"

	"github.com/ChuLiYu/jobdispatcherd/pkg/types"
)

// Match returns every enabled handler descriptor in handlers whose event
// and extra filters are all satisfied by event, in registry order. A filter
// referencing a field absent from the event never matches (the field is
// simply not "equal", "in", or pattern-matching anything); a comparator
// that cannot evaluate its operands (ComparisonError) is logged and treated
// as a non-match rather than aborting the whole match pass, so one
// misconfigured handler cannot block every other handler from matching.
func Match(handlers []HandlerDescriptor, event types.Event) []HandlerDescriptor {
	var out []HandlerDescriptor
	for _, h := range handlers {
		if h.Disabled {
			continue
		}
		if matchFilterSet(h.EventFilters, event.Body, h.Name) && matchFilterSet(h.ExtraFilters, event.Extra, h.Name) {
			out = append(out, h)
		}
	}
	return out
}

func matchFilterSet(filters FilterSet, attrs map[string]interface{}, handlerName string) bool {
	for field, cmp := range filters {
		actual, present := attrs[field]
		if !present {
			return false
		}
		ok, err := cmp.Compare(actual)
		if err != nil {
			slog.Default().Warn("rules: comparator error, treating as non-match",
				"handler", handlerName, "field", field, "err", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}
