package registry

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Topic is one registered topic entry. Name may be a wildcard pattern;
// such entries bind schemas and QoS to every matching topic but can never
// be published to.
type Topic struct {
	Name        string         `yaml:"topic" json:"topic"`
	QoS         int            `yaml:"qos" json:"qos"`
	Retain      bool           `yaml:"retain" json:"retain"`
	Category    string         `yaml:"category" json:"category"`
	SchemaRef   string         `yaml:"schema" json:"schema,omitempty"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Extra       map[string]any `yaml:",inline" json:"extra,omitempty"`
}

// TopicRef names a registered topic from a client role, optionally
// overriding its QoS or retain flag. In YAML it is either a plain string
// or a mapping with topic, qos and retain keys.
type TopicRef struct {
	Topic  string `yaml:"topic" json:"topic"`
	QoS    *int   `yaml:"qos,omitempty" json:"qos,omitempty"`
	Retain *bool  `yaml:"retain,omitempty" json:"retain,omitempty"`
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (r *TopicRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Topic = value.Value
		return nil
	}
	type plain TopicRef
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = TopicRef(p)
	return nil
}

// ClientRole is the MQTT identity of one domain.
type ClientRole struct {
	Domain           string         `yaml:"-" json:"domain"`
	ClientIDTemplate string         `yaml:"client_id_template" json:"client_id_template"`
	Subscribed       []TopicRef     `yaml:"subscribed" json:"subscribed"`
	Published        []TopicRef     `yaml:"published" json:"published"`
	DefaultQoS       int            `yaml:"default_qos" json:"default_qos"`
	DefaultRetain    bool           `yaml:"default_retain" json:"default_retain"`
	Extra            map[string]any `yaml:",inline" json:"extra,omitempty"`
}

// PublishedRef returns the published entry for topic.
func (c ClientRole) PublishedRef(topic string) (TopicRef, bool) {
	for _, ref := range c.Published {
		if ref.Topic == topic {
			return ref, true
		}
	}
	return TopicRef{}, false
}

// PublishedTopics returns the published topic names in declaration order.
func (c ClientRole) PublishedTopics() []string {
	out := make([]string, len(c.Published))
	for i, ref := range c.Published {
		out[i] = ref.Topic
	}
	return out
}

// SubscribedTopics returns the subscribed topic filters in declaration order.
func (c ClientRole) SubscribedTopics() []string {
	out := make([]string, len(c.Subscribed))
	for i, ref := range c.Subscribed {
		out[i] = ref.Topic
	}
	return out
}

func (c ClientRole) clone() ClientRole {
	c.Subscribed = cloneRefs(c.Subscribed)
	c.Published = cloneRefs(c.Published)
	c.Extra = cloneFields(c.Extra)
	return c
}

func cloneRefs(refs []TopicRef) []TopicRef {
	if refs == nil {
		return nil
	}
	out := make([]TopicRef, len(refs))
	for i, ref := range refs {
		if ref.QoS != nil {
			q := *ref.QoS
			ref.QoS = &q
		}
		if ref.Retain != nil {
			r := *ref.Retain
			ref.Retain = &r
		}
		out[i] = ref
	}
	return out
}

// Module is a factory module keyed by serial number.
type Module struct {
	Serial  string         `yaml:"-" json:"serial"`
	Name    string         `yaml:"name" json:"name"`
	Type    string         `yaml:"type" json:"type"`
	Enabled bool           `yaml:"enabled" json:"enabled"`
	Icons   map[string]any `yaml:"icons" json:"icons,omitempty"`
	I18n    map[string]any `yaml:"i18n" json:"i18n,omitempty"`
	Extra   map[string]any `yaml:",inline" json:"extra,omitempty"`
}

// Station is a network station (PLC or controller host).
type Station struct {
	ID            string         `yaml:"-" json:"id"`
	Name          string         `yaml:"name" json:"name"`
	Type          string         `yaml:"type" json:"type"`
	IP            string         `yaml:"ip" json:"ip"`
	OPCUAEndpoint string         `yaml:"opcua_endpoint" json:"opcua_endpoint,omitempty"`
	Extra         map[string]any `yaml:",inline" json:"extra,omitempty"`
}

// TXTController is a Fischertechnik TXT controller.
type TXTController struct {
	ID            string         `yaml:"-" json:"id"`
	Name          string         `yaml:"name" json:"name"`
	IP            string         `yaml:"ip" json:"ip"`
	ModuleBinding string         `yaml:"module_binding" json:"module_binding,omitempty"`
	Extra         map[string]any `yaml:",inline" json:"extra,omitempty"`
}

// Workpiece is a physical workpiece identified by its NFC tag.
type Workpiece struct {
	ID           string         `yaml:"-" json:"id"`
	NFCCode      string         `yaml:"nfc_code" json:"nfc_code"`
	Color        string         `yaml:"color" json:"color"`
	QualityCheck any            `yaml:"quality_check" json:"quality_check,omitempty"`
	Extra        map[string]any `yaml:",inline" json:"extra,omitempty"`
}

// PatternList is a list of topic patterns. In YAML it is either a sequence
// or a mapping holding the sequence under routed_topics (or topics).
type PatternList []string

// UnmarshalYAML accepts both the sequence and the mapping form.
func (p *PatternList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*p = list
		return nil
	case yaml.MappingNode:
		var wrapped struct {
			RoutedTopics []string `yaml:"routed_topics"`
			Topics       []string `yaml:"topics"`
		}
		if err := value.Decode(&wrapped); err != nil {
			return err
		}
		*p = append(wrapped.RoutedTopics, wrapped.Topics...)
		return nil
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*p = nil
			return nil
		}
		*p = PatternList{value.Value}
		return nil
	default:
		return fmt.Errorf("line %d: expected pattern list", value.Line)
	}
}

// GatewayConfig holds manager routing hints and refresh trigger groups.
type GatewayConfig struct {
	RoutingHints    map[string]PatternList `yaml:"routing_hints" json:"routing_hints"`
	RefreshTriggers map[string]PatternList `yaml:"refresh_triggers" json:"refresh_triggers"`
	Extra           map[string]any         `yaml:",inline" json:"extra,omitempty"`
}

func (g GatewayConfig) clone() GatewayConfig {
	out := GatewayConfig{
		RoutingHints:    make(map[string]PatternList, len(g.RoutingHints)),
		RefreshTriggers: make(map[string]PatternList, len(g.RefreshTriggers)),
		Extra:           cloneFields(g.Extra),
	}
	for k, v := range g.RoutingHints {
		out.RoutingHints[k] = append(PatternList(nil), v...)
	}
	for k, v := range g.RefreshTriggers {
		out.RefreshTriggers[k] = append(PatternList(nil), v...)
	}
	return out
}
