package registry

// The registry is immutable after load. Every exported accessor hands out
// deep copies; the compiled gojsonschema validator is shared because
// nothing can modify it.

// cloneValue deep-copies a decoded JSON or YAML value.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneFields(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// cloneFields deep-copies a free-form field map, keeping nil as nil.
func cloneFields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneMap[V any](in map[string]V, clone func(V) V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = clone(v)
	}
	return out
}

func (t Topic) clone() Topic {
	t.Extra = cloneFields(t.Extra)
	return t
}

func (m Module) clone() Module {
	m.Icons = cloneFields(m.Icons)
	m.I18n = cloneFields(m.I18n)
	m.Extra = cloneFields(m.Extra)
	return m
}

func (s Station) clone() Station {
	s.Extra = cloneFields(s.Extra)
	return s
}

func (c TXTController) clone() TXTController {
	c.Extra = cloneFields(c.Extra)
	return c
}

func (w Workpiece) clone() Workpiece {
	w.QualityCheck = cloneValue(w.QualityCheck)
	w.Extra = cloneFields(w.Extra)
	return w
}

// clone copies the document and the node tree.
func (s *Schema) clone() *Schema {
	if s == nil {
		return nil
	}
	c := *s
	c.Document = cloneFields(s.Document)
	c.Root = s.Root.clone()
	return &c
}

func (n *Node) clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Types = append([]Kind(nil), n.Types...)
	c.Required = append([]string(nil), n.Required...)
	if n.Properties != nil {
		c.Properties = make(map[string]*Node, len(n.Properties))
		for k, p := range n.Properties {
			c.Properties[k] = p.clone()
		}
	}
	c.Items = n.Items.clone()
	c.AdditionalProperties = n.AdditionalProperties.clone()
	if n.Variants != nil {
		c.Variants = make([]*Node, len(n.Variants))
		for i, v := range n.Variants {
			c.Variants[i] = v.clone()
		}
	}
	if n.Enum != nil {
		c.Enum = make([]any, len(n.Enum))
		for i, e := range n.Enum {
			c.Enum[i] = cloneValue(e)
		}
	}
	c.Default = cloneValue(n.Default)
	return &c
}
