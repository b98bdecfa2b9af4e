package messages

import (
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/factory-core/internal/registry"
)

// maxDepth stops generation inside deeply nested or recursive schemas.
const maxDepth = 12

// Generator builds example payloads from a schema tree.
//
// Every object property is emitted, not only required ones. Strings become
// "test_<property>" unless a format or a known property name yields a
// better literal; numbers are zero, booleans false; arrays with typed items
// get two examples; enums and unions take their first value or branch.
type Generator struct {
	// Now stamps date-time strings. Defaults to time.Now.
	Now func() time.Time
	// NewID produces order and action ids. Defaults to uuid.NewString.
	NewID func() string
}

// NewGenerator returns a Generator using the wall clock and random UUIDs.
func NewGenerator() *Generator {
	return &Generator{Now: time.Now, NewID: uuid.NewString}
}

// Generate returns an example payload for root.
func (g *Generator) Generate(root *registry.Node) any {
	return g.node("", root, 0)
}

func (g *Generator) node(prop string, n *registry.Node, depth int) any {
	if n == nil {
		return nil
	}

	if lit, ok := g.literal(prop, n); ok {
		switch lit.(type) {
		case map[string]any, []any:
			return overlay(g.shape(prop, n, depth), lit)
		default:
			return lit
		}
	}
	return g.shape(prop, n, depth)
}

// shape generates a value from the schema alone.
func (g *Generator) shape(prop string, n *registry.Node, depth int) any {
	if len(n.Enum) > 0 {
		return n.Enum[0]
	}
	if len(n.Variants) > 0 && len(n.Types) == 0 && n.Properties == nil {
		return g.node(prop, n.Variants[0], depth+1)
	}
	if depth > maxDepth {
		return zeroOf(n.Kind)
	}

	switch n.Kind {
	case registry.KindObject:
		out := make(map[string]any, len(n.Properties))
		for _, name := range n.PropertyNames() {
			out[name] = g.node(name, n.Properties[name], depth+1)
		}
		return out

	case registry.KindArray:
		if n.Items == nil || (n.Items.Kind == registry.KindAny && len(n.Items.Variants) == 0) {
			return []any{}
		}
		return []any{
			g.node(prop, n.Items, depth+1),
			g.node(prop, n.Items, depth+1),
		}

	case registry.KindString:
		return g.str(prop, n)

	default:
		return zeroOf(n.Kind)
	}
}

func (g *Generator) str(prop string, n *registry.Node) any {
	switch n.Format {
	case "date-time":
		return g.now().UTC().Format(time.RFC3339)
	case "date":
		return g.now().UTC().Format(time.DateOnly)
	case "uuid":
		return g.id()
	case "ipv4":
		return "192.168.0.1"
	case "hostname":
		return "localhost"
	case "uri":
		return "http://localhost"
	case "email":
		return "test@example.com"
	}
	if prop == "" {
		return "test_value"
	}
	return "test_" + prop
}

func zeroOf(k registry.Kind) any {
	switch k {
	case registry.KindObject:
		return map[string]any{}
	case registry.KindArray:
		return []any{}
	case registry.KindString:
		return ""
	case registry.KindInteger:
		return 0
	case registry.KindNumber:
		return 0.0
	case registry.KindBoolean:
		return false
	default:
		return nil
	}
}

func (g *Generator) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

func (g *Generator) id() string {
	if g.NewID == nil {
		return uuid.NewString()
	}
	return g.NewID()
}

// =============================================================================
// Known properties
// =============================================================================

// literal returns the domain literal for a well-known property name, when
// it is compatible with the node's type and enum.
func (g *Generator) literal(prop string, n *registry.Node) (any, bool) {
	fn, ok := knownProperties[prop]
	if !ok {
		return nil, false
	}
	v := fn(g)
	if !compatible(v, n) {
		return nil, false
	}
	return v, true
}

var knownProperties = map[string]func(g *Generator) any{
	"timestamp": func(g *Generator) any {
		return g.now().UTC().Format(time.RFC3339)
	},
	"orderId":       func(g *Generator) any { return g.id() },
	"orderUpdateId": func(*Generator) any { return 0 },
	"serialNumber":  func(*Generator) any { return "SVR3QA0022" },
	"headerId":      func(*Generator) any { return 1 },
	"manufacturer":  func(*Generator) any { return "Fischertechnik" },
	"version":       func(*Generator) any { return "1.0.0" },
	"moduleType":    func(*Generator) any { return "HBW" },
	"connectionState": func(*Generator) any {
		return "ONLINE"
	},
	"ip": func(*Generator) any { return "192.168.0.80" },
	"loads": func(*Generator) any {
		return []any{
			map[string]any{"loadId": "040a8dca341291", "loadType": "RED", "loadPosition": "1"},
		}
	},
	"actionState": func(g *Generator) any {
		return actionState(g)
	},
	"actionStates": func(g *Generator) any {
		return []any{actionState(g)}
	},
	"batteryState": func(*Generator) any {
		return map[string]any{
			"batteryCharge":  100.0,
			"batteryVoltage": 9.0,
			"charging":       false,
			"percentage":     100.0,
		}
	},
	"typeSpecification": func(*Generator) any {
		return map[string]any{
			"seriesName":        "MOD-FF22+HBW+24V",
			"seriesDescription": "High-Bay Warehouse",
			"moduleClass":       "HBW",
		}
	},
	"protocolFeatures": func(*Generator) any {
		return map[string]any{
			"moduleActions": []any{
				map[string]any{"actionType": "PICK"},
				map[string]any{"actionType": "DROP"},
			},
		}
	},
	"errors":      func(*Generator) any { return []any{} },
	"information": func(*Generator) any { return []any{} },
}

func actionState(g *Generator) map[string]any {
	return map[string]any{
		"id":        g.id(),
		"command":   "PICK",
		"state":     "FINISHED",
		"timestamp": g.now().UTC().Format(time.RFC3339),
	}
}

// compatible reports whether v may stand in for a value of node n.
func compatible(v any, n *registry.Node) bool {
	k := kindOf(v)
	accepted := n.Types
	if len(accepted) == 0 {
		accepted = []registry.Kind{n.Kind}
	}

	typeOK := false
	for _, a := range accepted {
		if a == registry.KindAny || a == k || (a == registry.KindNumber && k == registry.KindInteger) {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}

	if len(n.Enum) == 0 {
		return true
	}
	for _, e := range n.Enum {
		if sameScalar(e, v) {
			return true
		}
	}
	return false
}

func kindOf(v any) registry.Kind {
	switch x := v.(type) {
	case map[string]any:
		return registry.KindObject
	case []any:
		return registry.KindArray
	case string:
		return registry.KindString
	case bool:
		return registry.KindBoolean
	case int:
		return registry.KindInteger
	case float64:
		if x == float64(int64(x)) {
			return registry.KindInteger
		}
		return registry.KindNumber
	case nil:
		return registry.KindNull
	default:
		return registry.KindAny
	}
}

func sameScalar(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// =============================================================================
// Merging
// =============================================================================

// overlay lays a literal over a generated skeleton. Objects merge key by
// key; each literal array element is laid over the skeleton's first element
// so required item fields survive.
func overlay(skeleton, lit any) any {
	switch l := lit.(type) {
	case map[string]any:
		s, ok := skeleton.(map[string]any)
		if !ok {
			return l
		}
		out := make(map[string]any, len(s)+len(l))
		for k, v := range s {
			out[k] = v
		}
		for k, v := range l {
			out[k] = overlay(s[k], v)
		}
		return out

	case []any:
		s, ok := skeleton.([]any)
		if !ok || len(s) == 0 {
			return l
		}
		out := make([]any, len(l))
		for i, v := range l {
			out[i] = overlay(s[0], v)
		}
		return out

	default:
		return lit
	}
}

// Merge deep-merges override onto base. Nested objects merge recursively;
// every other value in override replaces the one in base. Neither input is
// modified.
func Merge(base, override any) any {
	o, ok := override.(map[string]any)
	if !ok {
		return override
	}
	b, ok := base.(map[string]any)
	if !ok {
		return override
	}

	out := make(map[string]any, len(b)+len(o))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range o {
		if existing, ok := out[k]; ok {
			out[k] = Merge(existing, v)
		} else {
			out[k] = v
		}
	}
	return out
}
