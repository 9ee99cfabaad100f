// Package target extracts the forwarding destination from the first bytes a
// client sends to the proxy.
package target
