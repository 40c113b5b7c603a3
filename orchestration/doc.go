// Package orchestration implements the routing engine of the service bus.
//
// Every envelope without a live route reaches the engine, which makes one of
// four decisions:
//
//  1. The envelope's routing graph has a pending route: pop it, make it the
//     current route and resubmit the envelope.
//  2. No route is pending and the current route is absent, already executed
//     or targets the engine itself: traversal is over. Envelopes with an
//     originating client are marked as replies and resubmitted; others are
//     terminally handled.
//  3. The current route targets another service that has not run yet: pass
//     the envelope through without waiting for a reply.
//  4. The engine is not running: dead-letter the envelope.
//
// Envelopes that arrive without a routing graph get one from the Resolver.
// The default HeaderResolver routes by the service and operation headers and
// falls back to the sensors service when a sensitivity or url header is set.
package orchestration
