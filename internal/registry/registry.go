package registry

import (
	"sort"
	"strings"

	"github.com/nerrad567/factory-core/internal/infrastructure/mqtt"
)

// suffixSchemas infers a schema for unbound module topics by suffix.
// Only used outside strict mode and only when the schema is loaded.
var suffixSchemas = []struct {
	suffix string
	schema string
}{
	{"/state", "module_v1_state"},
	{"/connection", "module_v1_connection"},
	{"/factsheet", "module_v1_factsheet"},
	{"/order", "module_v1_order"},
	{"/instantAction", "module_v1_instantaction"},
}

// Registry is the immutable index of topics, schemas, client roles,
// domain tables and gateway config. It is safe for concurrent use without
// locking; accessors return copies of mutable collections.
type Registry struct {
	root      string
	strict    bool
	validator Validator

	topics   map[string]Topic
	patterns []Topic // wildcard entries, most specific first
	schemas  map[string]*Schema
	clients  map[string]ClientRole

	modules        map[string]Module
	stations       map[string]Station
	txtControllers map[string]TXTController
	workpieces     map[string]Workpiece
	gateway        GatewayConfig
}

func (r *Registry) indexPatterns() {
	for _, t := range r.topics {
		if mqtt.HasWildcard(t.Name) {
			r.patterns = append(r.patterns, t)
		}
	}
	sort.Slice(r.patterns, func(i, j int) bool {
		si, sj := mqtt.Specificity(r.patterns[i].Name), mqtt.Specificity(r.patterns[j].Name)
		if si != sj {
			return si > sj
		}
		return r.patterns[i].Name < r.patterns[j].Name
	})
}

// Root returns the directory the registry was loaded from, if any.
func (r *Registry) Root() string { return r.root }

// Strict reports whether suffix-based schema inference is disabled.
func (r *Registry) Strict() bool { return r.strict }

// Validator returns the payload validator, or nil if none is configured.
func (r *Registry) Validator() Validator { return r.validator }

// =============================================================================
// Topics
// =============================================================================

// Topics returns every registered topic entry keyed by name.
func (r *Registry) Topics() map[string]Topic {
	return cloneMap(r.topics, Topic.clone)
}

// TopicNames returns the registered topic names sorted.
func (r *Registry) TopicNames() []string {
	return sortedKeys(r.topics)
}

// Topic returns the entry registered under exactly name.
func (r *Registry) Topic(name string) (Topic, bool) {
	t, ok := r.topics[name]
	return t.clone(), ok
}

// TopicConfig returns the configuration that applies to a concrete topic:
// the exact entry if registered, otherwise the most specific matching
// wildcard entry.
func (r *Registry) TopicConfig(topic string) (Topic, bool) {
	if t, ok := r.topics[topic]; ok {
		return t.clone(), true
	}
	for _, p := range r.patterns {
		if mqtt.Match(p.Name, topic) {
			return p.clone(), true
		}
	}
	return Topic{}, false
}

// =============================================================================
// Schemas
// =============================================================================

// Schemas returns a copy of every loaded schema keyed by name.
func (r *Registry) Schemas() map[string]*Schema {
	return cloneMap(r.schemas, (*Schema).clone)
}

// SchemaNames returns the loaded schema names sorted.
func (r *Registry) SchemaNames() []string {
	return sortedKeys(r.schemas)
}

// Schema returns a copy of a schema by name.
func (r *Registry) Schema(name string) (*Schema, bool) {
	s, ok := r.schemas[name]
	return s.clone(), ok
}

// TopicSchema returns a copy of the schema bound to a concrete topic.
//
// Resolution order: the exact entry's schema reference, then the most
// specific matching wildcard entry that carries one, then (outside strict
// mode) the suffix table.
func (r *Registry) TopicSchema(topic string) (*Schema, bool) {
	s, ok := r.topicSchema(topic)
	return s.clone(), ok
}

func (r *Registry) topicSchema(topic string) (*Schema, bool) {
	if t, ok := r.topics[topic]; ok && t.SchemaRef != "" {
		return r.schemas[t.SchemaRef], true
	}
	for _, p := range r.patterns {
		if p.SchemaRef != "" && mqtt.Match(p.Name, topic) {
			return r.schemas[p.SchemaRef], true
		}
	}
	if r.strict {
		return nil, false
	}
	for _, s := range suffixSchemas {
		if strings.HasSuffix(topic, s.suffix) {
			if schema, ok := r.schemas[s.schema]; ok {
				return schema, true
			}
		}
	}
	return nil, false
}

// TopicSchemas maps every registered topic with a resolvable schema to the
// schema name.
func (r *Registry) TopicSchemas() map[string]string {
	out := make(map[string]string)
	for name := range r.topics {
		if s, ok := r.topicSchema(name); ok {
			out[name] = s.Name
		}
	}
	return out
}

// ValidateTopicPayload validates payload against the schema bound to topic.
// Topics without a schema, and registries without a validator, always pass.
func (r *Registry) ValidateTopicPayload(topic string, payload any) ValidationResult {
	schema, violations, ok := r.Violations(topic, payload)
	if !ok {
		return ValidationResult{Valid: true, Errors: []string{}}
	}

	res := ValidationResult{Valid: true, Schema: schema, Errors: []string{}}
	for _, fe := range violations {
		res.Valid = false
		res.Errors = append(res.Errors, fe.String())
	}
	return res
}

// Violations validates payload against the schema bound to topic and
// returns the schema name with the field errors. ok is false when no schema
// is bound or no validator is configured.
func (r *Registry) Violations(topic string, payload any) (schema string, errs []FieldError, ok bool) {
	s, found := r.topicSchema(topic)
	if !found || s == nil || r.validator == nil {
		return "", nil, false
	}
	return s.Name, r.validator.Validate(s, payload), true
}

// =============================================================================
// Client roles
// =============================================================================

// MQTTClients returns every client role keyed by domain.
func (r *Registry) MQTTClients() map[string]ClientRole {
	out := make(map[string]ClientRole, len(r.clients))
	for k, v := range r.clients {
		out[k] = v.clone()
	}
	return out
}

// MQTTClient returns the client role of a domain.
func (r *Registry) MQTTClient(domain string) (ClientRole, bool) {
	c, ok := r.clients[domain]
	if !ok {
		return ClientRole{}, false
	}
	return c.clone(), true
}

// Domains returns the domain names sorted.
func (r *Registry) Domains() []string {
	return sortedKeys(r.clients)
}

// =============================================================================
// Domain tables
// =============================================================================

// Modules returns the module table keyed by serial number.
func (r *Registry) Modules() map[string]Module { return cloneMap(r.modules, Module.clone) }

// Module returns a module by serial number.
func (r *Registry) Module(serial string) (Module, bool) {
	m, ok := r.modules[serial]
	return m.clone(), ok
}

// Stations returns the station table keyed by id.
func (r *Registry) Stations() map[string]Station { return cloneMap(r.stations, Station.clone) }

// TXTControllers returns the TXT controller table keyed by id.
func (r *Registry) TXTControllers() map[string]TXTController {
	return cloneMap(r.txtControllers, TXTController.clone)
}

// Workpieces returns the workpiece table keyed by id.
func (r *Registry) Workpieces() map[string]Workpiece { return cloneMap(r.workpieces, Workpiece.clone) }

// GatewayConfig returns the routing hints and refresh triggers.
func (r *Registry) GatewayConfig() GatewayConfig {
	return r.gateway.clone()
}

func sortedKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
