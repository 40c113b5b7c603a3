// Package core provides the foundational domain types and contracts shared by
// every component of the service bus. It defines:
//
//   - Envelopes (the routed unit of work: headers, payload and routing state)
//   - Payloads (a closed document / event / command union)
//   - Routes, routing slips, DAGs and dynamic routing graphs (DRG)
//   - Service, LifeCycle, Producer and Notifier contracts
//   - Sentinel errors for registration, delivery and routing failures
//   - A msgpack wire codec for envelopes leaving the process
//
// The package deliberately keeps dispatch concerns (channel, worker pool,
// registry) out of scope; those live in package bus. Services depend only on
// the small interfaces declared here, never on each other.
package core
