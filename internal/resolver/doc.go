// Package resolver turns a parsed target (host, port) into connectable
// endpoints.
//
// Net performs system lookups, Cached adds a TTL cache in front of any
// Resolver, Static applies host-name overrides, and Passthrough leaves name
// resolution to an upstream proxy.
package resolver
