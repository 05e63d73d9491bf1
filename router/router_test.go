package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgw/gateway/schedulererrors"
)

func TestRouter_HeaderOverrideWinsOutright(t *testing.T) {
	r := New([]Rule{
		{RuleID: "r1", Priority: 1, Enabled: true, VirtualModel: "fast",
			Conditions: []Condition{{Field: "path", Operator: OpEquals, Value: "/v1/chat/completions"}}},
	}, "")

	vm, err := r.Resolve(RequestView{
		Path:    "/v1/chat/completions",
		Headers: map[string]string{HeaderVirtualModel: "override-model"},
		Body:    map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, "override-model", vm)
}

func TestRouter_BodyFieldOverride(t *testing.T) {
	r := New(nil, "")
	vm, err := r.Resolve(RequestView{Body: map[string]interface{}{"virtual_model": "body-override"}})
	require.NoError(t, err)
	assert.Equal(t, "body-override", vm)
}

func TestRouter_FirstMatchingRuleByPriorityWins(t *testing.T) {
	r := New([]Rule{
		{RuleID: "low", Priority: 10, Enabled: true, VirtualModel: "low-priority-match",
			Conditions: []Condition{{Field: "method", Operator: OpEquals, Value: "POST"}}},
		{RuleID: "high", Priority: 1, Enabled: true, VirtualModel: "high-priority-match",
			Conditions: []Condition{{Field: "method", Operator: OpEquals, Value: "POST"}}},
	}, "")

	vm, err := r.Resolve(RequestView{Method: "POST", Body: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, "high-priority-match", vm)
}

func TestRouter_DisabledRuleIsSkipped(t *testing.T) {
	r := New([]Rule{
		{RuleID: "off", Priority: 1, Enabled: false, VirtualModel: "disabled-target",
			Conditions: []Condition{{Field: "method", Operator: OpEquals, Value: "POST"}}},
	}, "default-model")

	vm, err := r.Resolve(RequestView{Method: "POST", Body: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, "default-model", vm)
}

func TestRouter_FallsBackToDefault(t *testing.T) {
	r := New(nil, "default-model")
	vm, err := r.Resolve(RequestView{Body: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, "default-model", vm)
}

func TestRouter_NoMatchNoDefaultReturnsPipelineSelectionFailed(t *testing.T) {
	r := New(nil, "")
	_, err := r.Resolve(RequestView{Body: map[string]interface{}{}})
	require.Error(t, err)
	pe, ok := schedulererrors.As(err)
	require.True(t, ok)
	assert.Equal(t, schedulererrors.CodePipelineSelectionFailed, pe.Code)
}

func TestRouter_ConditionOperators(t *testing.T) {
	body := map[string]interface{}{
		"model":    "gpt-4-vision",
		"messages": []interface{}{map[string]interface{}{"role": "user"}},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals match", Condition{Field: "body.model", Operator: OpEquals, Value: "gpt-4-vision"}, true},
		{"equals mismatch", Condition{Field: "body.model", Operator: OpEquals, Value: "gpt-4"}, false},
		{"not_equals", Condition{Field: "body.model", Operator: OpNotEquals, Value: "gpt-4"}, true},
		{"contains", Condition{Field: "body.model", Operator: OpContains, Value: "vision"}, true},
		{"in", Condition{Field: "body.model", Operator: OpIn, Values: []string{"gpt-4", "gpt-4-vision"}}, true},
		{"regex", Condition{Field: "body.model", Operator: OpRegex, Value: "^gpt-4-.*"}, true},
		{"nested array field", Condition{Field: "body.messages[0].role", Operator: OpEquals, Value: "user"}, true},
		{"missing field", Condition{Field: "body.missing", Operator: OpEquals, Value: "x"}, false},
	}

	r := New(nil, "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.matches(tt.cond, RequestView{Body: body})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouter_SetRulesReplacesRuleSet(t *testing.T) {
	r := New([]Rule{
		{RuleID: "r1", Priority: 1, Enabled: true, VirtualModel: "old",
			Conditions: []Condition{{Field: "method", Operator: OpEquals, Value: "POST"}}},
	}, "")

	r.SetRules([]Rule{
		{RuleID: "r2", Priority: 1, Enabled: true, VirtualModel: "new",
			Conditions: []Condition{{Field: "method", Operator: OpEquals, Value: "POST"}}},
	}, "")

	vm, err := r.Resolve(RequestView{Method: "POST", Body: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, "new", vm)
}
