package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/factory-core/internal/infrastructure/mqtt"
)

// Registry layout names.
const (
	topicsDir         = "topics"
	schemasDir        = "schemas"
	clientsFile       = "mqtt_clients"
	modulesFile       = "modules"
	stationsFile      = "stations"
	workpiecesFile    = "workpieces"
	txtControllerFile = "txt_controllers"
	gatewayFile       = "gateway"
)

var extensions = []string{".yaml", ".yml", ".json"}

// Option configures loading.
type Option func(*options)

type options struct {
	strict    bool
	validator Validator
}

// WithStrict disables suffix-based schema inference.
func WithStrict(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

// WithValidator replaces the default gojsonschema validator. Passing nil
// leaves the registry without a validator; payload checks then pass.
func WithValidator(v Validator) Option {
	return func(o *options) { o.validator = v }
}

// Load reads the registry tree rooted at root.
//
// The tree must contain topics/, schemas/ and mqtt_clients.{yaml,yml,json}.
// Domain tables and gateway.{ext} are optional. Any error aborts the load;
// a partially loaded registry is never returned.
func Load(root string, opts ...Option) (*Registry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, &LoadError{File: root, Err: fmt.Errorf("%w: %w", ErrMissing, err)}
	}
	if !info.IsDir() {
		return nil, loadErr(root, ErrMissing, "not a directory")
	}

	reg, err := LoadFS(os.DirFS(root), opts...)
	if err != nil {
		return nil, err
	}
	reg.root = root
	return reg, nil
}

// LoadFS reads a registry tree from fsys. See Load.
func LoadFS(fsys fs.FS, opts ...Option) (*Registry, error) {
	o := options{validator: JSONSchemaValidator{}}
	for _, opt := range opts {
		opt(&o)
	}

	l := &loader{
		fsys: fsys,
		reg: &Registry{
			strict:         o.strict,
			validator:      o.validator,
			topics:         make(map[string]Topic),
			schemas:        make(map[string]*Schema),
			clients:        make(map[string]ClientRole),
			modules:        make(map[string]Module),
			stations:       make(map[string]Station),
			txtControllers: make(map[string]TXTController),
			workpieces:     make(map[string]Workpiece),
			gateway: GatewayConfig{
				RoutingHints:    make(map[string]PatternList),
				RefreshTriggers: make(map[string]PatternList),
			},
		},
	}

	steps := []func() error{
		l.loadSchemas,
		l.loadTopics,
		l.loadClients,
		l.loadTables,
		l.loadGateway,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	l.reg.indexPatterns()
	return l.reg, nil
}

type loader struct {
	fsys fs.FS
	reg  *Registry
}

// =============================================================================
// Schemas
// =============================================================================

func (l *loader) loadSchemas() error {
	files, err := l.listDir(schemasDir)
	if err != nil {
		return err
	}

	for _, file := range files {
		doc, err := l.readDocument(file)
		if err != nil {
			return err
		}
		obj, ok := doc.(map[string]any)
		if !ok {
			return loadErr(file, ErrInvalidSchema, "schema document must be an object")
		}

		name := schemaName(file)
		if existing, dup := l.reg.schemas[name]; dup {
			return loadErr(file, ErrDuplicateSchema, "%q already defined in %s", name, existing.File)
		}

		schema, err := newSchema(name, file, obj)
		if err != nil {
			return loadErr(file, ErrInvalidSchema, "%v", err)
		}
		l.reg.schemas[name] = schema
	}
	return nil
}

// =============================================================================
// Topics
// =============================================================================

func (l *loader) loadTopics() error {
	files, err := l.listDir(topicsDir)
	if err != nil {
		return err
	}

	origin := make(map[string]string)
	for _, file := range files {
		node, err := l.readNode(file)
		if err != nil {
			return err
		}
		if node == nil {
			continue
		}

		category := strings.TrimSuffix(path.Base(file), path.Ext(file))
		var entries []Topic
		switch node.Kind {
		case yaml.SequenceNode:
			if err := node.Decode(&entries); err != nil {
				return loadErr(file, ErrParse, "%v", err)
			}
		case yaml.MappingNode:
			var wrapped struct {
				Category string  `yaml:"category"`
				Topics   []Topic `yaml:"topics"`
			}
			if err := node.Decode(&wrapped); err != nil {
				return loadErr(file, ErrParse, "%v", err)
			}
			if wrapped.Category != "" {
				category = wrapped.Category
			}
			entries = wrapped.Topics
		default:
			return loadErr(file, ErrParse, "expected a list of topics")
		}

		for _, t := range entries {
			if t.SchemaRef == "" {
				if ref, ok := t.Extra["schema_ref"].(string); ok {
					t.SchemaRef = ref
					delete(t.Extra, "schema_ref")
				}
			}
			if t.Category == "" {
				t.Category = category
			}
			if err := l.checkTopic(file, t); err != nil {
				return err
			}
			if prev, dup := origin[t.Name]; dup {
				return loadErr(file, ErrDuplicateTopic, "%q already defined in %s", t.Name, prev)
			}
			origin[t.Name] = file
			l.reg.topics[t.Name] = t
		}
	}
	return nil
}

func (l *loader) checkTopic(file string, t Topic) error {
	if t.Name == "" {
		return loadErr(file, ErrInvalidTopic, "entry without topic name")
	}
	if t.QoS < 0 || t.QoS > 2 {
		return loadErr(file, ErrInvalidTopic, "%q: qos %d out of range 0..2", t.Name, t.QoS)
	}
	if mqtt.HasWildcard(t.Name) {
		if err := mqtt.ValidateFilter(t.Name); err != nil {
			return loadErr(file, ErrInvalidTopic, "%q: %v", t.Name, err)
		}
	}
	if t.SchemaRef != "" {
		if _, ok := l.reg.schemas[t.SchemaRef]; !ok {
			return loadErr(file, ErrDanglingSchemaRef, "%q references unknown schema %q", t.Name, t.SchemaRef)
		}
	}
	return nil
}

// =============================================================================
// Client roles
// =============================================================================

func (l *loader) loadClients() error {
	file, ok := l.findFile(clientsFile)
	if !ok {
		return loadErr(clientsFile+".{yaml,yml,json}", ErrMissing, "client roles file not found")
	}

	node, err := l.readNode(file)
	if err != nil {
		return err
	}
	roles := make(map[string]ClientRole)
	if node != nil {
		if err := unwrap(node, clientsFile, "clients").Decode(&roles); err != nil {
			return loadErr(file, ErrParse, "%v", err)
		}
	}
	if len(roles) == 0 {
		return loadErr(file, ErrInvalidClientRole, "no client roles defined")
	}

	domains := make([]string, 0, len(roles))
	for domain := range roles {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	for _, domain := range domains {
		role := roles[domain]
		role.Domain = domain
		if err := l.checkRole(file, role); err != nil {
			return err
		}
		l.reg.clients[domain] = role
	}
	return nil
}

func (l *loader) checkRole(file string, role ClientRole) error {
	if role.Domain == "" {
		return loadErr(file, ErrInvalidClientRole, "empty domain name")
	}
	if role.DefaultQoS < 0 || role.DefaultQoS > 2 {
		return loadErr(file, ErrInvalidClientRole, "%s: default_qos %d out of range", role.Domain, role.DefaultQoS)
	}

	check := func(kind string, ref TopicRef) error {
		if ref.Topic == "" {
			return loadErr(file, ErrInvalidClientRole, "%s: %s entry without topic", role.Domain, kind)
		}
		if _, ok := l.reg.topics[ref.Topic]; !ok {
			return loadErr(file, ErrInvalidClientRole, "%s: %s topic %q is not registered", role.Domain, kind, ref.Topic)
		}
		if ref.QoS != nil && (*ref.QoS < 0 || *ref.QoS > 2) {
			return loadErr(file, ErrInvalidClientRole, "%s: %s topic %q qos out of range", role.Domain, kind, ref.Topic)
		}
		return nil
	}

	for _, ref := range role.Subscribed {
		if err := check("subscribed", ref); err != nil {
			return err
		}
	}
	for _, ref := range role.Published {
		if err := check("published", ref); err != nil {
			return err
		}
		if mqtt.HasWildcard(ref.Topic) {
			return loadErr(file, ErrInvalidClientRole, "%s: published topic %q contains wildcards", role.Domain, ref.Topic)
		}
	}
	return nil
}

// =============================================================================
// Domain tables
// =============================================================================

func (l *loader) loadTables() error {
	if err := loadTable(l, modulesFile, func(key string, m Module) { m.Serial = key; l.reg.modules[key] = m }); err != nil {
		return err
	}
	if err := loadTable(l, stationsFile, func(key string, s Station) { s.ID = key; l.reg.stations[key] = s }); err != nil {
		return err
	}
	if err := loadTable(l, txtControllerFile, func(key string, c TXTController) { c.ID = key; l.reg.txtControllers[key] = c }); err != nil {
		return err
	}
	return loadTable(l, workpiecesFile, func(key string, w Workpiece) { w.ID = key; l.reg.workpieces[key] = w })
}

func loadTable[T any](l *loader, base string, put func(string, T)) error {
	file, ok := l.findFile(base)
	if !ok {
		return nil
	}
	node, err := l.readNode(file)
	if err != nil || node == nil {
		return err
	}

	var table map[string]T
	if err := unwrap(node, base).Decode(&table); err != nil {
		return loadErr(file, ErrParse, "%v", err)
	}
	for key, v := range table {
		put(key, v)
	}
	return nil
}

// =============================================================================
// Gateway
// =============================================================================

func (l *loader) loadGateway() error {
	file, ok := l.findFile(gatewayFile)
	if !ok {
		return nil
	}
	node, err := l.readNode(file)
	if err != nil || node == nil {
		return err
	}

	var gw GatewayConfig
	if err := unwrap(node, gatewayFile).Decode(&gw); err != nil {
		return loadErr(file, ErrParse, "%v", err)
	}

	for kind, groups := range map[string]map[string]PatternList{
		"routing_hints":    gw.RoutingHints,
		"refresh_triggers": gw.RefreshTriggers,
	} {
		for name, patterns := range groups {
			for _, p := range patterns {
				if err := mqtt.ValidateFilter(p); err != nil {
					return loadErr(file, ErrInvalidGateway, "%s.%s: %v", kind, name, err)
				}
			}
		}
	}

	if gw.RoutingHints != nil {
		l.reg.gateway.RoutingHints = gw.RoutingHints
	}
	if gw.RefreshTriggers != nil {
		l.reg.gateway.RefreshTriggers = gw.RefreshTriggers
	}
	l.reg.gateway.Extra = gw.Extra
	return nil
}

// =============================================================================
// File helpers
// =============================================================================

// listDir returns the registry files of a required directory, sorted.
func (l *loader) listDir(dir string) ([]string, error) {
	entries, err := fs.ReadDir(l.fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, loadErr(dir+"/", ErrMissing, "directory not found")
		}
		return nil, loadErr(dir+"/", ErrParse, "%v", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !hasRegistryExt(e.Name()) {
			continue
		}
		files = append(files, path.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// findFile returns the first of base.yaml, base.yml, base.json that exists.
func (l *loader) findFile(base string) (string, bool) {
	for _, ext := range extensions {
		name := base + ext
		if _, err := fs.Stat(l.fsys, name); err == nil {
			return name, true
		}
	}
	return "", false
}

// readNode decodes a file into a YAML node. JSON files may contain
// comments and trailing commas. A nil node means the file is empty.
func (l *loader) readNode(file string) (*yaml.Node, error) {
	data, err := fs.ReadFile(l.fsys, file)
	if err != nil {
		return nil, loadErr(file, ErrParse, "%v", err)
	}

	var node yaml.Node
	if path.Ext(file) == ".json" {
		var v any
		if err := json.Unmarshal(jsonc.ToJSON(data), &v); err != nil {
			return nil, loadErr(file, ErrParse, "%v", err)
		}
		if v == nil {
			return nil, nil
		}
		if err := node.Encode(v); err != nil {
			return nil, loadErr(file, ErrParse, "%v", err)
		}
	} else if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, loadErr(file, ErrParse, "%v", err)
	}

	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil, nil
		}
		return node.Content[0], nil
	}
	if node.Kind == 0 {
		return nil, nil
	}
	return &node, nil
}

// readDocument decodes a file into plain Go values.
func (l *loader) readDocument(file string) (any, error) {
	data, err := fs.ReadFile(l.fsys, file)
	if err != nil {
		return nil, loadErr(file, ErrParse, "%v", err)
	}

	var v any
	if path.Ext(file) == ".json" {
		err = json.Unmarshal(jsonc.ToJSON(data), &v)
	} else {
		err = yaml.Unmarshal(data, &v)
	}
	if err != nil {
		return nil, loadErr(file, ErrParse, "%v", err)
	}
	return v, nil
}

// unwrap returns the value under a single wrapper key such as
// "mqtt_clients:", or n itself when the file has no wrapper.
func unwrap(n *yaml.Node, keys ...string) *yaml.Node {
	if n.Kind != yaml.MappingNode || len(n.Content) != 2 {
		return n
	}
	for _, k := range keys {
		if n.Content[0].Value == k {
			return n.Content[1]
		}
	}
	return n
}

func hasRegistryExt(name string) bool {
	ext := path.Ext(name)
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}
