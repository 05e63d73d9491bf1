package router

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/modelgw/gateway/schedulererrors"
	"github.com/modelgw/gateway/telemetry"
)

// HeaderVirtualModel is the explicit override header spec.md §4.7 and
// §6 name: when present, it wins over every routing rule.
const HeaderVirtualModel = "X-Virtual-Model"

// bodyVirtualModelField is the request-body field an explicit override
// may also be carried in, per spec.md §4.7's "(a) explicit ... header or
// body field". The assembly table format has no separate name for this
// field, so it is taken to be the same "virtual_model" key a
// programmatic caller would set alongside "model".
const bodyVirtualModelField = "virtual_model"

// Router resolves an inbound request to a virtual-model identifier by
// evaluating Rules in ascending Priority order (lower number evaluated
// first) and falling back to a configured default.
type Router struct {
	mu                  sync.RWMutex
	rules               []Rule
	defaultVirtualModel string

	regexMu    sync.Mutex
	regexCache map[string]*regexp.Regexp
}

// New builds a Router from routingRules[] and an optional DEFAULT
// virtual model. Rules are copied and sorted by Priority ascending;
// New does not mutate the caller's slice.
func New(rules []Rule, defaultVirtualModel string) *Router {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	return &Router{
		rules:               sorted,
		defaultVirtualModel: defaultVirtualModel,
		regexCache:          make(map[string]*regexp.Regexp),
	}
}

// SetRules replaces the rule set, e.g. after an assembly table reload.
func (r *Router) SetRules(rules []Rule, defaultVirtualModel string) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = sorted
	r.defaultVirtualModel = defaultVirtualModel
}

// Resolve implements the Virtual-Model Router contract (spec.md §4.7):
// an explicit header or body-field override wins outright; otherwise
// the first enabled Rule whose every Condition matches wins; otherwise
// the configured default; otherwise CodePipelineSelectionFailed (3005).
func (r *Router) Resolve(view RequestView) (string, error) {
	if vm := view.Headers[HeaderVirtualModel]; vm != "" {
		telemetry.Counter("router.resolve", "source", "header")
		return vm, nil
	}
	if vm, ok := view.Body[bodyVirtualModelField].(string); ok && vm != "" {
		telemetry.Counter("router.resolve", "source", "body_field")
		return vm, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if !rule.Enabled {
			continue
		}
		if r.matchesAll(rule.Conditions, view) {
			telemetry.Counter("router.resolve", "source", "rule", "rule_id", rule.RuleID)
			return rule.VirtualModel, nil
		}
	}

	if r.defaultVirtualModel != "" {
		telemetry.Counter("router.resolve", "source", "default")
		return r.defaultVirtualModel, nil
	}
	telemetry.RecordError("router.resolve", "no_match")
	return "", schedulererrors.New(schedulererrors.CodePipelineSelectionFailed,
		"no routing rule matched and no default virtual model is configured")
}

func (r *Router) matchesAll(conditions []Condition, view RequestView) bool {
	for _, c := range conditions {
		if !r.matches(c, view) {
			return false
		}
	}
	return true
}

func (r *Router) matches(c Condition, view RequestView) bool {
	actual, ok := fieldValue(view, c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return actual == c.Value
	case OpNotEquals:
		return actual != c.Value
	case OpContains:
		return strings.Contains(actual, c.Value)
	case OpIn:
		for _, v := range c.Values {
			if actual == v {
				return true
			}
		}
		return false
	case OpRegex:
		re, err := r.compileRegex(c.Value)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	default:
		return false
	}
}

func (r *Router) compileRegex(pattern string) (*regexp.Regexp, error) {
	r.regexMu.Lock()
	defer r.regexMu.Unlock()

	if re, ok := r.regexCache[pattern]; ok {
		return re, nil
	}
	compiled, err := regexp.Compile(pattern)
	if err == nil {
		r.regexCache[pattern] = compiled
	}
	return compiled, err
}

// fieldValue resolves a condition Field against a RequestView: "path"
// and "method" read the top-level request line, "header.<Name>" reads a
// header case-sensitively as stored, and "body.<dotted.path>" walks
// nested maps/slices in the decoded JSON body (e.g. "body.messages[0].role").
func fieldValue(view RequestView, field string) (string, bool) {
	switch {
	case field == "path":
		return view.Path, true
	case field == "method":
		return view.Method, true
	case strings.HasPrefix(field, "header."):
		name := strings.TrimPrefix(field, "header.")
		v, ok := view.Headers[name]
		return v, ok
	case strings.HasPrefix(field, "body."):
		path := strings.TrimPrefix(field, "body.")
		return navigateBody(view.Body, path)
	default:
		return "", false
	}
}

func navigateBody(body map[string]interface{}, path string) (string, bool) {
	var current interface{} = body
	for _, segment := range strings.Split(path, ".") {
		key, index, hasIndex := splitIndex(segment)

		m, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}
		current, ok = m[key]
		if !ok {
			return "", false
		}

		if hasIndex {
			slice, ok := current.([]interface{})
			if !ok || index < 0 || index >= len(slice) {
				return "", false
			}
			current = slice[index]
		}
	}
	return fmt.Sprint(current), current != nil
}

// splitIndex parses a segment like "messages[0]" into ("messages", 0, true).
func splitIndex(segment string) (key string, index int, hasIndex bool) {
	open := strings.IndexByte(segment, '[')
	if open < 0 || !strings.HasSuffix(segment, "]") {
		return segment, 0, false
	}
	idx, err := strconv.Atoi(segment[open+1 : len(segment)-1])
	if err != nil {
		return segment, 0, false
	}
	return segment[:open], idx, true
}
