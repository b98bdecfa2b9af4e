// Package messages is the per-domain message façade.
//
// A Manager generates example payloads from the schema bound to a topic,
// validates payloads, gates publishes on the client role and the schema,
// and answers buffer queries by delegating to the transport.
//
// Generation walks the registry.Node tree with an explicit recursive
// visitor; see Generator for the leaf rules.
package messages
