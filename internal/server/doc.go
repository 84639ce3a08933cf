// Package server hosts the Fiber HTTP service, the request middleware chain
// and the shared upstream client. It assigns request and client identities,
// hands every non-diagnostics request to a ProxyHandler and provides the
// UpstreamFetcher that the worker and host use as their network. Diagnostics
// routes live in the routes subpackage; keep exports narrow and accept
// explicit dependencies.
package server
