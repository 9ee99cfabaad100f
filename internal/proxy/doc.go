// Package proxy implements the forwarding proxy: the accept loop, the
// per-connection Session state machine, the bidirectional Relay, and the
// Registry that tracks live sessions for bulk shutdown.
//
// A session reads the client's first bytes, extracts an absolute-URL target
// from them, resolves and connects to it, forwards the bytes already read,
// and then relays in both directions until both sides are done.
package proxy
