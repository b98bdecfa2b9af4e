// Package core wires the per-domain components together and owns the
// environment lifecycle.
//
// A Core holds the registry and the refresh bus, both created once, and one
// DomainContext per domain. A DomainContext bundles the transport client,
// the message manager, the router with the order, stock and sensor managers
// registered on it, and the gateway the presentation layer uses.
//
// Switching environment (mock, replay, live) never mutates a context in
// place: the old contexts are disconnected and drained, then replaced by
// new ones bound to the new broker profile.
//
//	c, err := core.New(cfg, reg, core.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	defer c.Stop()
//
//	gw, _ := c.Gateway("admin")
//	err = gw.PublishMessage(ctx, "ccu/order/request", order)
package core
