// Package server hosts the Fiber HTTP edge and the network stack behind it:
// the origin registry that maps a Host header to its upstream, the shared
// upstream http.Client, and UpstreamFetcher which turns a fetch.Request into a
// real round trip. Handlers that decide what to do with a request live in the
// proxy package; this package only resolves routes and moves bytes.
package server
