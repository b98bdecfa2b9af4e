package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Kind is the JSON type of a schema node.
type Kind int

// Schema node kinds. KindAny is used when a node declares no type.
const (
	KindAny Kind = iota
	KindObject
	KindArray
	KindString
	KindInteger
	KindNumber
	KindBoolean
	KindNull
)

var kindNames = map[string]Kind{
	"object":  KindObject,
	"array":   KindArray,
	"string":  KindString,
	"integer": KindInteger,
	"number":  KindNumber,
	"boolean": KindBoolean,
	"null":    KindNull,
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "any"
}

// maxRefDepth bounds $ref expansion so recursive schemas terminate.
const maxRefDepth = 16

// Node is one parsed schema node. Kind is the first declared type; Types
// holds every branch of a union type.
type Node struct {
	Kind       Kind
	Types      []Kind
	Properties map[string]*Node
	Required   []string
	Items      *Node

	// AdditionalProperties is nil when additional properties are allowed
	// without constraint. NoAdditional is set for additionalProperties: false.
	AdditionalProperties *Node
	NoAdditional         bool

	// Variants holds anyOf/oneOf branches in declaration order.
	Variants []*Node

	Enum    []any
	Format  string
	Default any
	HasDef  bool
}

// PropertyNames returns the property names sorted for stable iteration.
func (n *Node) PropertyNames() []string {
	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRequired reports whether name is listed in required.
func (n *Node) IsRequired(name string) bool {
	for _, r := range n.Required {
		if r == name {
			return true
		}
	}
	return false
}

// Schema is a loaded JSON Schema document.
type Schema struct {
	Name     string
	File     string
	Document map[string]any
	Root     *Node

	compiled *gojsonschema.Schema
}

// newSchema parses doc into the node tree and compiles it for validation.
func newSchema(name, file string, doc map[string]any) (*Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, err
	}
	p := &nodeParser{root: doc}
	return &Schema{
		Name:     name,
		File:     file,
		Document: doc,
		Root:     p.parse(doc, 0),
		compiled: compiled,
	}, nil
}

type nodeParser struct {
	root map[string]any
}

func (p *nodeParser) parse(raw any, depth int) *Node {
	m, ok := raw.(map[string]any)
	if !ok {
		return &Node{Kind: KindAny}
	}

	if ref, ok := m["$ref"].(string); ok {
		if depth >= maxRefDepth {
			return &Node{Kind: KindAny}
		}
		if target, ok := p.resolve(ref); ok {
			return p.parse(target, depth+1)
		}
		return &Node{Kind: KindAny}
	}

	n := &Node{}

	switch t := m["type"].(type) {
	case string:
		if k, ok := kindNames[t]; ok {
			n.Types = []Kind{k}
		}
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok {
				if k, ok := kindNames[s]; ok {
					n.Types = append(n.Types, k)
				}
			}
		}
	}

	if props, ok := m["properties"].(map[string]any); ok {
		n.Properties = make(map[string]*Node, len(props))
		for name, sub := range props {
			n.Properties[name] = p.parse(sub, depth)
		}
	}

	n.Required = stringList(m["required"])

	switch items := m["items"].(type) {
	case map[string]any:
		n.Items = p.parse(items, depth)
	case []any:
		if len(items) > 0 {
			n.Items = p.parse(items[0], depth)
		}
	}

	switch ap := m["additionalProperties"].(type) {
	case bool:
		n.NoAdditional = !ap
	case map[string]any:
		n.AdditionalProperties = p.parse(ap, depth)
	}

	for _, key := range []string{"anyOf", "oneOf"} {
		if branches, ok := m[key].([]any); ok {
			for _, b := range branches {
				n.Variants = append(n.Variants, p.parse(b, depth))
			}
		}
	}

	if all, ok := m["allOf"].([]any); ok {
		for _, b := range all {
			p.mergeInto(n, p.parse(b, depth))
		}
	}

	if enum, ok := m["enum"].([]any); ok {
		n.Enum = enum
	}
	if c, ok := m["const"]; ok {
		n.Enum = []any{c}
	}
	if f, ok := m["format"].(string); ok {
		n.Format = f
	}
	if d, ok := m["default"]; ok {
		n.Default = d
		n.HasDef = true
	}

	n.Kind = inferKind(n)
	return n
}

// mergeInto folds an allOf branch into n.
func (p *nodeParser) mergeInto(n, branch *Node) {
	if len(n.Types) == 0 {
		n.Types = branch.Types
	}
	if len(branch.Properties) > 0 && n.Properties == nil {
		n.Properties = make(map[string]*Node, len(branch.Properties))
	}
	for name, sub := range branch.Properties {
		if _, exists := n.Properties[name]; !exists {
			n.Properties[name] = sub
		}
	}
	n.Required = append(n.Required, branch.Required...)
	if n.Items == nil {
		n.Items = branch.Items
	}
}

// resolve follows a local JSON pointer such as #/definitions/loadSet.
func (p *nodeParser) resolve(ref string) (any, bool) {
	if !strings.HasPrefix(ref, "#") {
		return nil, false
	}
	var cur any = p.root
	for _, part := range strings.Split(strings.TrimPrefix(ref, "#"), "/") {
		if part == "" {
			continue
		}
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func inferKind(n *Node) Kind {
	switch {
	case len(n.Types) > 0:
		return n.Types[0]
	case n.Properties != nil:
		return KindObject
	case n.Items != nil:
		return KindArray
	case len(n.Enum) > 0:
		return kindOfValue(n.Enum[0])
	case len(n.Variants) > 0:
		return n.Variants[0].Kind
	default:
		return KindAny
	}
}

func kindOfValue(v any) Kind {
	switch v.(type) {
	case string:
		return KindString
	case bool:
		return KindBoolean
	case int, int64, uint64:
		return KindInteger
	case float64:
		return KindNumber
	case map[string]any:
		return KindObject
	case []any:
		return KindArray
	case nil:
		return KindNull
	default:
		return KindAny
	}
}

func stringList(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// schemaName strips the extension and an optional ".schema" suffix from a
// schema file name: "ccu_order_request.schema.json" -> "ccu_order_request".
func schemaName(file string) string {
	base := file
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, ".schema")
}

func (s *Schema) String() string {
	return fmt.Sprintf("schema %s (%s)", s.Name, s.File)
}
