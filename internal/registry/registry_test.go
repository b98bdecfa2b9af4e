package registry

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRoot = "../../configs/registry"

func baseFS() fstest.MapFS {
	return fstest.MapFS{
		"schemas/order_request.schema.json": {Data: []byte(`{
			"type": "object",
			"required": ["type", "orderType"],
			"properties": {
				"type": {"type": "string", "enum": ["RED", "BLUE", "WHITE"]},
				"orderType": {"type": "string"},
				"note": {"type": ["string", "null"]}
			}
		}`)},
		"topics/ccu.yml": {Data: []byte(`
- topic: ccu/order/request
  qos: 2
  schema: order_request
- topic: ccu/order/active
  qos: 1
  retain: true
  owner: ccu
`)},
		"mqtt_clients.yml": {Data: []byte(`
admin:
  client_id_template: "admin-{env}"
  subscribed: [ccu/order/active]
  published:
    - ccu/order/request
`)},
	}
}

func with(fsys fstest.MapFS, name, data string) fstest.MapFS {
	fsys[name] = &fstest.MapFile{Data: []byte(data)}
	return fsys
}

// =============================================================================
// Sample registry
// =============================================================================

func TestLoad_SampleRegistry(t *testing.T) {
	reg, err := Load(sampleRoot)
	require.NoError(t, err)

	assert.Equal(t, sampleRoot, reg.Root())
	assert.Equal(t, []string{"admin", "ccu"}, reg.Domains())
	assert.Contains(t, reg.SchemaNames(), "ccu_order_request")
	assert.Contains(t, reg.SchemaNames(), "module_v1_connection", "yaml schema files load")

	fts, ok := reg.Topic("fts/v1/ff/+/state")
	require.True(t, ok, "json topic file with comments loads")
	assert.Equal(t, "fts", fts.Category)

	active, ok := reg.Topic("ccu/order/active")
	require.True(t, ok)
	assert.Equal(t, 1, active.QoS)
	assert.True(t, active.Retain)
	assert.Equal(t, "ccu", active.Category)

	hbw, ok := reg.Module("SVR3QA0022")
	require.True(t, ok)
	assert.Equal(t, "HBW", hbw.Type)
	assert.Equal(t, "SVR3QA0022", hbw.Serial)
	assert.Equal(t, "CHRG0", reg.Modules()["5iO4"].Extra["charging_station"], "unknown keys are preserved")

	assert.Len(t, reg.Stations(), 4)
	assert.Equal(t, "SVR4H73275", reg.TXTControllers()["txt4-dps"].ModuleBinding)
	assert.Equal(t, "RED", reg.Workpieces()["wp-red-01"].Color)

	gw := reg.GatewayConfig()
	assert.Equal(t, PatternList{"ccu/order/active", "ccu/order/completed"}, gw.RoutingHints["order_manager"])
	assert.Len(t, gw.RoutingHints["sensor_manager"], 3, "plain list form is accepted")
	assert.Contains(t, gw.RefreshTriggers, "order_updates")
}

func TestSampleRegistry_EveryRoleTopicResolves(t *testing.T) {
	reg, err := Load(sampleRoot)
	require.NoError(t, err)

	for domain, role := range reg.MQTTClients() {
		for _, ref := range append(role.Subscribed, role.Published...) {
			_, ok := reg.TopicConfig(ref.Topic)
			assert.True(t, ok, "%s: %s must resolve", domain, ref.Topic)
		}
	}
}

func TestSampleRegistry_SchemaBinding(t *testing.T) {
	reg, err := Load(sampleRoot)
	require.NoError(t, err)

	tests := []struct {
		topic  string
		schema string
	}{
		{"ccu/order/request", "ccu_order_request"},
		{"module/v1/ff/SVR3QA0022/order", "module_v1_order"},
		{"module/v1/ff/SVR4H76449/state", "module_v1_state"},
		{"fts/v1/ff/5iO4/state", "module_v1_state"},
		{"fts/v1/ff/5iO4/connection", "module_v1_connection"},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			s, ok := reg.TopicSchema(tt.topic)
			require.True(t, ok)
			assert.Equal(t, tt.schema, s.Name)
		})
	}

	_, ok := reg.TopicSchema("unknown/topic")
	assert.False(t, ok)
}

func TestSampleRegistry_StrictModeDisablesSuffixHeuristic(t *testing.T) {
	reg, err := Load(sampleRoot, WithStrict(true))
	require.NoError(t, err)
	assert.True(t, reg.Strict())

	_, ok := reg.TopicSchema("fts/v1/ff/5iO4/state")
	assert.False(t, ok, "fts state has no explicit schema")

	s, ok := reg.TopicSchema("module/v1/ff/SVR4H76449/state")
	require.True(t, ok, "pattern bindings still apply in strict mode")
	assert.Equal(t, "module_v1_state", s.Name)
}

func TestRole_Overrides(t *testing.T) {
	reg, err := Load(sampleRoot)
	require.NoError(t, err)

	admin, ok := reg.MQTTClient("admin")
	require.True(t, ok)
	assert.Equal(t, "admin", admin.Domain)

	ref, ok := admin.PublishedRef("module/v1/ff/SVR4H73275/instantAction")
	require.True(t, ok)
	require.NotNil(t, ref.QoS)
	assert.Equal(t, 1, *ref.QoS)

	_, ok = admin.PublishedRef("ccu/order/active")
	assert.False(t, ok)

	// Copies do not leak into the registry.
	admin.Published[0].Topic = "mutated"
	*ref.QoS = 2
	again, _ := reg.MQTTClient("admin")
	assert.Equal(t, "ccu/order/request", again.Published[0].Topic)
	againRef, _ := again.PublishedRef("module/v1/ff/SVR4H73275/instantAction")
	assert.Equal(t, 1, *againRef.QoS)
}

func TestAccessors_ReturnDeepCopies(t *testing.T) {
	reg, err := Load(sampleRoot)
	require.NoError(t, err)

	hbw, _ := reg.Module("SVR3QA0022")
	hbw.Icons["default"] = "mutated.svg"
	hbw.I18n["en"] = "mutated"
	reg.Modules()["SVR3QA0022"].I18n["de"] = "mutated"

	again, _ := reg.Module("SVR3QA0022")
	assert.Equal(t, "hbw.svg", again.Icons["default"])
	assert.Equal(t, "High-Bay Warehouse", again.I18n["en"])
	assert.Equal(t, "Hochregallager", again.I18n["de"])

	s, ok := reg.Schema("ccu_order_active")
	require.True(t, ok)
	s.Document["type"] = "mutated"
	s.Root.Kind = KindString
	s.Root.Items.Required = nil
	reg.Schemas()["ccu_order_active"].Root.Types = nil

	fresh, _ := reg.Schema("ccu_order_active")
	assert.NotEqual(t, "mutated", fresh.Document["type"])
	assert.Equal(t, KindArray, fresh.Root.Kind)
	assert.Equal(t, []Kind{KindArray, KindObject}, fresh.Root.Types)
	assert.True(t, fresh.Root.Items.IsRequired("orderId"))

	bound, ok := reg.TopicSchema("ccu/order/active")
	require.True(t, ok)
	bound.Root.Items.Properties = nil
	res := reg.ValidateTopicPayload("ccu/order/active", []any{map[string]any{}})
	assert.False(t, res.Valid, "validation still uses the loaded schema")
}

// =============================================================================
// Load failures
// =============================================================================

func TestLoadFS_Minimal(t *testing.T) {
	reg, err := LoadFS(baseFS())
	require.NoError(t, err)

	assert.Equal(t, []string{"ccu/order/active", "ccu/order/request"}, reg.TopicNames())
	assert.Equal(t, "ccu", reg.Topics()["ccu/order/active"].Extra["owner"])
	assert.Empty(t, reg.Modules())
	assert.Empty(t, reg.GatewayConfig().RoutingHints)
}

func TestLoadFS_Failures(t *testing.T) {
	tests := []struct {
		name     string
		fsys     func() fstest.MapFS
		sentinel error
		file     string
	}{
		{
			name: "missing topics dir",
			fsys: func() fstest.MapFS {
				f := baseFS()
				delete(f, "topics/ccu.yml")
				return f
			},
			sentinel: ErrMissing,
			file:     "topics/",
		},
		{
			name: "missing client roles",
			fsys: func() fstest.MapFS {
				f := baseFS()
				delete(f, "mqtt_clients.yml")
				return f
			},
			sentinel: ErrMissing,
		},
		{
			name:     "unparsable topic file",
			fsys:     func() fstest.MapFS { return with(baseFS(), "topics/bad.yml", "- topic: [unclosed") },
			sentinel: ErrParse,
			file:     "topics/bad.yml",
		},
		{
			name:     "unparsable json schema",
			fsys:     func() fstest.MapFS { return with(baseFS(), "schemas/broken.schema.json", `{"type": `) },
			sentinel: ErrParse,
			file:     "schemas/broken.schema.json",
		},
		{
			name:     "duplicate topic across files",
			fsys:     func() fstest.MapFS { return with(baseFS(), "topics/extra.yml", "- topic: ccu/order/active\n  qos: 0\n") },
			sentinel: ErrDuplicateTopic,
			file:     "topics/extra.yml",
		},
		{
			name:     "duplicate schema name",
			fsys:     func() fstest.MapFS { return with(baseFS(), "schemas/order_request.schema.yml", "type: object\n") },
			sentinel: ErrDuplicateSchema,
			file:     "schemas/order_request.schema.yml",
		},
		{
			name:     "dangling schema reference",
			fsys:     func() fstest.MapFS { return with(baseFS(), "topics/extra.yml", "- topic: a/b\n  schema: missing\n") },
			sentinel: ErrDanglingSchemaRef,
			file:     "topics/extra.yml",
		},
		{
			name:     "invalid schema document",
			fsys:     func() fstest.MapFS { return with(baseFS(), "schemas/weird.schema.json", `{"type": "colour"}`) },
			sentinel: ErrInvalidSchema,
		},
		{
			name:     "qos out of range",
			fsys:     func() fstest.MapFS { return with(baseFS(), "topics/extra.yml", "- topic: a/b\n  qos: 3\n") },
			sentinel: ErrInvalidTopic,
		},
		{
			name:     "bad wildcard entry",
			fsys:     func() fstest.MapFS { return with(baseFS(), "topics/extra.yml", "- topic: a/#/b\n") },
			sentinel: ErrInvalidTopic,
		},
		{
			name: "role references unknown topic",
			fsys: func() fstest.MapFS {
				return with(baseFS(), "mqtt_clients.yml", "admin:\n  subscribed: [nope/topic]\n")
			},
			sentinel: ErrInvalidClientRole,
			file:     "mqtt_clients.yml",
		},
		{
			name: "role publishes wildcard",
			fsys: func() fstest.MapFS {
				f := with(baseFS(), "topics/extra.yml", "- topic: module/+/state\n")
				return with(f, "mqtt_clients.yml", "admin:\n  published: [module/+/state]\n")
			},
			sentinel: ErrInvalidClientRole,
		},
		{
			name: "role with empty topic ref",
			fsys: func() fstest.MapFS {
				return with(baseFS(), "mqtt_clients.yml", "admin:\n  published:\n    - qos: 1\n")
			},
			sentinel: ErrInvalidClientRole,
		},
		{
			name:     "no roles",
			fsys:     func() fstest.MapFS { return with(baseFS(), "mqtt_clients.yml", "{}\n") },
			sentinel: ErrInvalidClientRole,
		},
		{
			name:     "gateway with invalid pattern",
			fsys:     func() fstest.MapFS { return with(baseFS(), "gateway.yml", "routing_hints:\n  order_manager: [ccu/#/x]\n") },
			sentinel: ErrInvalidGateway,
			file:     "gateway.yml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := LoadFS(tt.fsys())
			require.Error(t, err)
			assert.Nil(t, reg, "partial registries are never returned")
			assert.True(t, errors.Is(err, tt.sentinel), "error %v should wrap %v", err, tt.sentinel)

			var le *LoadError
			require.True(t, errors.As(err, &le))
			if tt.file != "" {
				assert.Equal(t, tt.file, le.File)
			}
		})
	}
}

func TestLoad_MissingRoot(t *testing.T) {
	_, err := Load("/nonexistent/registry")
	assert.ErrorIs(t, err, ErrMissing)
}

// =============================================================================
// Validation
// =============================================================================

func TestValidateTopicPayload(t *testing.T) {
	reg, err := LoadFS(baseFS())
	require.NoError(t, err)

	tests := []struct {
		name    string
		topic   string
		payload any
		valid   bool
	}{
		{"complete", "ccu/order/request", map[string]any{"type": "RED", "orderType": "PRODUCTION"}, true},
		{"optional union null", "ccu/order/request", map[string]any{"type": "RED", "orderType": "STORAGE", "note": nil}, true},
		{"optional union string", "ccu/order/request", map[string]any{"type": "RED", "orderType": "STORAGE", "note": "x"}, true},
		{"union mismatch", "ccu/order/request", map[string]any{"type": "RED", "orderType": "STORAGE", "note": 5.0}, false},
		{"missing required", "ccu/order/request", map[string]any{}, false},
		{"enum violation", "ccu/order/request", map[string]any{"type": "GREEN", "orderType": "PRODUCTION"}, false},
		{"unbound topic", "ccu/order/active", []any{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := reg.ValidateTopicPayload(tt.topic, tt.payload)
			assert.Equal(t, tt.valid, res.Valid, "errors: %v", res.Errors)
			if !tt.valid {
				assert.NotEmpty(t, res.Errors)
			}
		})
	}
}

func TestViolations(t *testing.T) {
	reg, err := LoadFS(baseFS())
	require.NoError(t, err)

	name, errs, ok := reg.Violations("ccu/order/request", map[string]any{"type": "RED"})
	require.True(t, ok)
	assert.Equal(t, "order_request", name)
	assert.Len(t, errs, 1)

	_, _, ok = reg.Violations("ccu/order/active", []any{})
	assert.False(t, ok, "unbound topic")

	noValidator, err := LoadFS(baseFS(), WithValidator(nil))
	require.NoError(t, err)
	_, _, ok = noValidator.Violations("ccu/order/request", map[string]any{})
	assert.False(t, ok)
}

func TestValidateTopicPayload_NoValidator(t *testing.T) {
	reg, err := LoadFS(baseFS(), WithValidator(nil))
	require.NoError(t, err)

	res := reg.ValidateTopicPayload("ccu/order/request", map[string]any{})
	assert.True(t, res.Valid)
	assert.Nil(t, reg.Validator())
}

func TestJSONSchemaValidator_FieldPaths(t *testing.T) {
	reg, err := LoadFS(baseFS())
	require.NoError(t, err)
	schema, _ := reg.Schema("order_request")

	errs := JSONSchemaValidator{}.Validate(schema, map[string]any{"type": "RED"})
	require.Len(t, errs, 1)
	assert.Equal(t, "", errs[0].Path)
	assert.Contains(t, errs[0].Message, "orderType")

	errs = JSONSchemaValidator{}.Validate(schema, map[string]any{"type": 1, "orderType": "PRODUCTION"})
	require.NotEmpty(t, errs)
	assert.Equal(t, "type", errs[0].Path)
}

// =============================================================================
// Schema tree
// =============================================================================

func TestSchemaTree(t *testing.T) {
	reg, err := Load(sampleRoot)
	require.NoError(t, err)

	s, ok := reg.Schema("ccu_order_active")
	require.True(t, ok)

	root := s.Root
	assert.Equal(t, KindArray, root.Kind, "first union branch")
	assert.Equal(t, []Kind{KindArray, KindObject}, root.Types)

	require.NotNil(t, root.Items, "$ref items resolve")
	order := root.Items
	assert.Equal(t, KindObject, order.Kind)
	assert.True(t, order.IsRequired("orderId"))

	steps := order.Properties["productionSteps"]
	require.NotNil(t, steps)
	require.NotNil(t, steps.Items)
	assert.Equal(t, []any{"NAVIGATION", "MANUFACTURE"}, steps.Items.Properties["type"].Enum)
	assert.Equal(t, "date-time", order.Properties["receivedAt"].Format)
}

func TestSchemaName(t *testing.T) {
	assert.Equal(t, "module_v1_state", schemaName("schemas/module_v1_state.schema.json"))
	assert.Equal(t, "txt_order", schemaName("schemas/txt_order.schema.yml"))
	assert.Equal(t, "plain", schemaName("schemas/plain.json"))
}
