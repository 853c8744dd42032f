/*
Package edge implements the connection front-end of a DNS-over-HTTPS and
DNS-over-TLS resolver: the listener layer that accepts client connections,
terminates or forwards TLS, frames DNS-over-TCP messages per RFC 7766,
bridges requests into an internal resolver, and writes responses back with
explicit backpressure handling.

Listeners

Five listener flavours are supported: cleartext DNS-over-TCP, native
DNS-over-TLS, DNS-over-TLS behind a PROXYv2 proxy, DNS-over-HTTPS over
HTTP/2-over-TLS, and cleartext DNS-over-HTTPS over H2C. A sixth,
unauthenticated HTTP listener answers health checks.

Admission

An admission controller samples load averages and free memory every few
seconds and retunes the per-listener connection cap accordingly. Sustained
pressure can trigger a graceful shutdown of the whole process.

Resolver

The actual DNS resolution logic - recursion, caching, blocklists, upstream
selection - is out of scope for this package. It is represented by the
Resolver interface, a single request/response function the front-end calls
for every query it frames or buffers.
*/
package edge
