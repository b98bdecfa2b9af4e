// Package router delivers inbound MQTT messages to the domain managers that
// registered for them and emits refresh events for the presentation layer.
//
// Routing and refresh tables come from the gateway section of the registry
// and are compiled into topic tries when the router is built. Each manager
// exposes a DispatchTable; the most specific matching filter wins.
//
// Usage:
//
//	r := router.New("admin", reg.GatewayConfig(),
//	    router.WithValidator(msgs),
//	    router.WithRefresh(bus),
//	)
//	_ = r.Register(orders)
//	client.SetDispatcher(r)
package router
