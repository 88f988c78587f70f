package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/jobdispatcherd/pkg/types"
)

func TestMatchByExtraHandlerType(t *testing.T) {
	handlers := []HandlerDescriptor{
		{Name: "echo-handler", ExtraFilters: FilterSet{"handler_type": Eq("echo")}},
		{Name: "countdown-handler", ExtraFilters: FilterSet{"handler_type": Eq("countdown")}},
	}
	event := types.Event{Extra: map[string]interface{}{"handler_type": "echo"}}

	matched := Match(handlers, event)
	assert.Len(t, matched, 1)
	assert.Equal(t, "echo-handler", matched[0].Name)
}

func TestMatchSkipsDisabledHandlers(t *testing.T) {
	handlers := []HandlerDescriptor{
		{Name: "echo-handler", Disabled: true, ExtraFilters: FilterSet{"handler_type": Eq("echo")}},
	}
	event := types.Event{Extra: map[string]interface{}{"handler_type": "echo"}}

	matched := Match(handlers, event)
	assert.Empty(t, matched)
}

func TestMatchRequiresAllFiltersInASet(t *testing.T) {
	handlers := []HandlerDescriptor{
		{
			Name: "order-handler",
			EventFilters: FilterSet{
				"kind":   Eq("order"),
				"region": In("us", "eu"),
			},
		},
	}

	matchingEvent := types.Event{Body: map[string]interface{}{"kind": "order", "region": "eu"}}
	assert.Len(t, Match(handlers, matchingEvent), 1)

	partialEvent := types.Event{Body: map[string]interface{}{"kind": "order", "region": "apac"}}
	assert.Empty(t, Match(handlers, partialEvent))
}

func TestMatchTreatsMissingFieldAsNonMatch(t *testing.T) {
	handlers := []HandlerDescriptor{
		{Name: "needs-field", EventFilters: FilterSet{"missing_field": Eq("x")}},
	}
	event := types.Event{Body: map[string]interface{}{"other": "y"}}
	assert.Empty(t, Match(handlers, event))
}

func TestMatchTreatsComparisonErrorAsNonMatchNotPanic(t *testing.T) {
	handlers := []HandlerDescriptor{
		{Name: "bad-regex-handler", EventFilters: FilterSet{"field": Re("(")}},
		{Name: "fine-handler", EventFilters: FilterSet{"field": Eq("ok")}},
	}
	event := types.Event{Body: map[string]interface{}{"field": "ok"}}

	matched := Match(handlers, event)
	assert.Len(t, matched, 1)
	assert.Equal(t, "fine-handler", matched[0].Name)
}
