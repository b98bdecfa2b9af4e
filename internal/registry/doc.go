// Package registry loads the declarative description of the factory's
// MQTT fabric and exposes it as an immutable index.
//
// A registry root contains:
//
//	topics/*.{yaml,yml,json}          topic entries grouped by category
//	schemas/<name>.schema.{json,yml}  one JSON Schema per file
//	mqtt_clients.{yaml,yml,json}      client role per domain
//	modules, stations, workpieces,
//	txt_controllers .{ext}            static lookup tables (optional)
//	gateway.{ext}                     routing_hints and refresh_triggers (optional)
//
// Loading is all-or-nothing: any parse error, duplicate name, dangling
// schema reference or malformed client role returns a *LoadError and no
// registry. Unknown keys are kept in Extra maps.
//
// Schemas are compiled once with gojsonschema and also parsed into a Node
// tree that the message generator walks.
package registry
