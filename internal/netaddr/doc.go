// Package netaddr picks the concrete destination address and IP family the
// passthrough forwarder dials.
//
// Platform resolvers disagree on whether "localhost" means 127.0.0.1 or ::1,
// and the order in which getaddrinfo returns them varies between hosts. The
// forwarder therefore never dials a hostname directly: it asks a Resolver for
// one address, chosen by an explicit policy:
//
//   - a local address literal pins the family (IPv4 local address means the
//     destination is reached over IPv4, IPv6 over IPv6);
//   - loopback names are resolved without DNS, to 127.0.0.1 unless the host
//     has no usable IPv4 loopback, in which case ::1;
//   - other names are looked up and the lowest address of the required family
//     wins, so the choice does not depend on resolver ordering.
//
// Loopback availability is probed once per process and cached.
package netaddr
