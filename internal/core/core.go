package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/factory-core/internal/audit"
	"github.com/nerrad567/factory-core/internal/gateway"
	"github.com/nerrad567/factory-core/internal/infrastructure/config"
	"github.com/nerrad567/factory-core/internal/infrastructure/logging"
	"github.com/nerrad567/factory-core/internal/messages"
	"github.com/nerrad567/factory-core/internal/metrics"
	"github.com/nerrad567/factory-core/internal/orders"
	"github.com/nerrad567/factory-core/internal/refresh"
	"github.com/nerrad567/factory-core/internal/registry"
	"github.com/nerrad567/factory-core/internal/router"
	"github.com/nerrad567/factory-core/internal/sensors"
	"github.com/nerrad567/factory-core/internal/stock"
	"github.com/nerrad567/factory-core/internal/transport"
)

// ErrUnknownDomain is returned for a domain the registry has no client role for.
var ErrUnknownDomain = errors.New("core: unknown domain")

// DomainContext holds the components of one domain. A context is bound to
// a single environment and is discarded on an environment switch.
type DomainContext struct {
	Domain    string
	Transport *transport.Client
	Messages  *messages.Manager
	Router    *router.Router
	Orders    *orders.Manager
	Stock     *stock.Manager
	Sensors   *sensors.Manager
	Gateway   *gateway.Gateway
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the root logger; components get tagged children.
func WithLogger(l *logging.Logger) Option {
	return func(c *Core) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records transport and routing metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Core) { c.metrics = m }
}

// WithAudit records publish attempts of every domain to trail.
func WithAudit(trail audit.Trail) Option {
	return func(c *Core) {
		if trail != nil {
			c.trail = trail
		}
	}
}

// WithSensorSink forwards sensor readings of every domain to s.
func WithSensorSink(s sensors.Sink) Option {
	return func(c *Core) { c.sink = s }
}

// WithPublishRecorder reports publish outcomes of every domain to r.
func WithPublishRecorder(r gateway.PublishRecorder) Option {
	return func(c *Core) { c.recorder = r }
}

// WithDialer replaces the MQTT dialer for the replay and live environments.
func WithDialer(d transport.Dialer) Option {
	return func(c *Core) { c.dialer = d }
}

// WithDomains limits the core to the named domains. By default every
// domain with a client role in the registry gets a context.
func WithDomains(domains ...string) Option {
	return func(c *Core) { c.only = domains }
}

// Core owns the registry, the refresh bus and one DomainContext per domain.
//
// Thread Safety: all methods are safe for concurrent use. Contexts returned
// by Domain stay valid until the next SwitchEnvironment.
type Core struct {
	cfg      *config.Config
	reg      *registry.Registry
	bus      *refresh.Bus
	logger   *logging.Logger
	metrics  *metrics.Metrics
	trail    audit.Trail
	sink     sensors.Sink
	recorder gateway.PublishRecorder
	dialer   transport.Dialer
	only     []string

	// switching serialises Start, SwitchEnvironment and Stop.
	switching sync.Mutex

	mu       sync.RWMutex
	env      string
	contexts map[string]*DomainContext
}

// New builds a disconnected core for cfg.Environment.
func New(cfg *config.Config, reg *registry.Registry, opts ...Option) (*Core, error) {
	if err := config.ValidateEnvironment(cfg.Environment); err != nil {
		return nil, err
	}
	c := &Core{
		cfg:    cfg,
		reg:    reg,
		bus:    refresh.New(),
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.trail == nil {
		c.trail = audit.NewMemoryTrail(cfg.Audit.MemorySize)
	}

	domains, err := c.domains()
	if err != nil {
		return nil, err
	}
	c.env = cfg.Environment
	c.contexts = c.build(domains)
	return c, nil
}

func (c *Core) domains() ([]string, error) {
	if len(c.only) == 0 {
		return c.reg.Domains(), nil
	}
	for _, d := range c.only {
		if _, ok := c.reg.MQTTClient(d); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, d)
		}
	}
	out := append([]string(nil), c.only...)
	sort.Strings(out)
	return out, nil
}

func (c *Core) build(domains []string) map[string]*DomainContext {
	out := make(map[string]*DomainContext, len(domains))
	for _, d := range domains {
		role, _ := c.reg.MQTTClient(d)
		out[d] = c.buildDomain(d, role)
	}
	return out
}

// buildDomain wires one domain: transport, message manager, the three
// domain managers registered on a router fed by the transport, and the
// gateway in front of them.
func (c *Core) buildDomain(domain string, role registry.ClientRole) *DomainContext {
	tOpts := []transport.Option{
		transport.WithLogger(c.logger.Component("transport", domain)),
		transport.WithMetrics(c.metrics),
		transport.WithBufferSize(c.cfg.Buffer.MaxMessages),
		transport.WithQueueSize(c.cfg.Buffer.DispatchQueue),
	}
	if c.dialer != nil {
		tOpts = append(tOpts, transport.WithDialer(c.dialer))
	}
	client := transport.New(domain, role, c.reg, tOpts...)

	msgs := messages.NewManager(domain, c.reg, role, client,
		messages.WithLogger(c.logger.Component("messages", domain)),
		messages.WithMetrics(c.metrics),
	)

	om := orders.NewManager(orders.WithLogger(c.logger.Component(orders.Name, domain)))
	sm := stock.NewManager(
		stock.WithLogger(c.logger.Component(stock.Name, domain)),
		stock.WithMaxCapacity(c.cfg.Stock.MaxCapacity),
	)
	sensorOpts := []sensors.Option{
		sensors.WithLogger(c.logger.Component(sensors.Name, domain)),
		sensors.WithTopics(sensors.Topics{
			BME680: c.cfg.Sensors.BME680,
			LDR:    c.cfg.Sensors.LDR,
			Camera: c.cfg.Sensors.Camera,
		}),
	}
	if c.sink != nil {
		sensorOpts = append(sensorOpts, sensors.WithSink(c.sink))
	}
	sen := sensors.NewManager(client, sensorOpts...)

	rt := router.New(domain, c.reg.GatewayConfig(),
		router.WithLogger(c.logger.Component("router", domain)),
		router.WithMetrics(c.metrics),
		router.WithValidator(msgs),
		router.WithRefresh(c.bus),
	)
	for _, comp := range []router.Component{om, sm, sen} {
		// Names are fixed and distinct, so Register cannot fail here.
		_ = rt.Register(comp)
	}
	client.SetDispatcher(rt)

	gw := gateway.New(gateway.Deps{
		Domain:    domain,
		Registry:  c.reg,
		Role:      role,
		Transport: client,
		Messages:  msgs,
		Orders:    om,
		Stock:     sm,
		Sensors:   sen,
	},
		gateway.WithLogger(c.logger.Component("gateway", domain)),
		gateway.WithAudit(c.trail),
		gateway.WithPublishRecorder(c.recorder),
	)

	return &DomainContext{
		Domain:    domain,
		Transport: client,
		Messages:  msgs,
		Router:    rt,
		Orders:    om,
		Stock:     sm,
		Sensors:   sen,
		Gateway:   gw,
	}
}

// Start connects every domain to the current environment.
func (c *Core) Start(ctx context.Context) error {
	c.switching.Lock()
	defer c.switching.Unlock()

	c.mu.RLock()
	env, contexts := c.env, c.contexts
	c.mu.RUnlock()

	return c.connect(ctx, env, contexts)
}

// SwitchEnvironment disconnects every domain, draining messages already
// received, discards the contexts and connects fresh ones to env. The
// registry and the refresh bus are kept.
//
// If a new context fails to connect, the others are disconnected again
// and the error returned; the core then stays on env, disconnected, and a
// later Start or SwitchEnvironment may retry.
func (c *Core) SwitchEnvironment(ctx context.Context, env string) error {
	if err := config.ValidateEnvironment(env); err != nil {
		return err
	}

	c.switching.Lock()
	defer c.switching.Unlock()

	c.mu.RLock()
	from, old := c.env, c.contexts
	c.mu.RUnlock()

	c.logger.Info("switching environment", "from", from, "to", env)
	if err := disconnectAll(old); err != nil {
		c.logger.Warn("disconnecting old environment", "error", err)
	}

	domains := make([]string, 0, len(old))
	for d := range old {
		domains = append(domains, d)
	}
	fresh := c.build(domains)

	c.mu.Lock()
	c.env = env
	c.contexts = fresh
	c.mu.Unlock()

	return c.connect(ctx, env, fresh)
}

// Stop disconnects every domain.
func (c *Core) Stop() error {
	c.switching.Lock()
	defer c.switching.Unlock()

	c.mu.RLock()
	contexts := c.contexts
	c.mu.RUnlock()

	err := disconnectAll(contexts)
	c.logger.Info("core stopped")
	return err
}

func (c *Core) connect(ctx context.Context, env string, contexts map[string]*DomainContext) error {
	p, err := transport.ProfileFromConfig(c.cfg.MQTT, env)
	if err != nil {
		return err
	}
	for _, d := range sortedDomains(contexts) {
		if err := contexts[d].Transport.Connect(ctx, p); err != nil {
			if derr := disconnectAll(contexts); derr != nil {
				c.logger.Warn("rolling back connected domains", "error", derr)
			}
			return fmt.Errorf("connecting domain %s: %w", d, err)
		}
	}
	c.logger.Info("core started", "environment", env, "domains", len(contexts))
	return nil
}

// disconnectAll disconnects every transport and joins the errors.
func disconnectAll(contexts map[string]*DomainContext) error {
	var errs []error
	for _, d := range sortedDomains(contexts) {
		if err := contexts[d].Transport.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("domain %s: %w", d, err))
		}
	}
	return errors.Join(errs...)
}

func sortedDomains(contexts map[string]*DomainContext) []string {
	out := make([]string, 0, len(contexts))
	for d := range contexts {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// Accessors
// =============================================================================

// Registry returns the shared registry.
func (c *Core) Registry() *registry.Registry { return c.reg }

// Bus returns the refresh bus shared by every domain.
func (c *Core) Bus() *refresh.Bus { return c.bus }

// AuditTrail returns the trail publish attempts are recorded to.
func (c *Core) AuditTrail() audit.Trail { return c.trail }

// Environment returns the current environment.
func (c *Core) Environment() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.env
}

// Domains returns the domain names sorted.
func (c *Core) Domains() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedDomains(c.contexts)
}

// Domain returns the current context of domain.
func (c *Core) Domain(domain string) (*DomainContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dc, ok := c.contexts[domain]
	return dc, ok
}

// Gateway returns the current gateway of domain.
func (c *Core) Gateway(domain string) (*gateway.Gateway, bool) {
	dc, ok := c.Domain(domain)
	if !ok {
		return nil, false
	}
	return dc.Gateway, true
}
