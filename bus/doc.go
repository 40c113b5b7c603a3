// Package bus implements the message plumbing of the service bus kernel.
//
// A ServiceBus owns four cooperating parts:
//
//   - Channel: a bounded MPMC queue of envelopes. Send never blocks and
//     reports false when the queue is full or closed.
//   - Registry: service identifiers mapped to live services. Writes are
//     serialized; reads use an atomically published snapshot.
//   - Pool: workers that dequeue envelopes, resolve the current route and
//     hand each envelope to its service with a bounded retry. A supervisor
//     grows the pool while the queue is deep.
//   - DeadLetterQueue: a bounded record of terminally discarded envelopes.
//
// # Dispatch
//
// For every dequeued envelope a worker:
//
//  1. hands reply-marked envelopes to the installed core.Notifier and stops;
//  2. targets the orchestration service when the envelope has no route, its
//     route already ran, or its target is not registered;
//  3. otherwise marks the route routed and targets the named service;
//  4. calls Receive until it accepts, up to the configured attempts, then
//     acknowledges the envelope. On exhaustion the envelope carries a
//     dispatch error, is dead-lettered and, if it has a client, is returned
//     to the notifier as a failed reply.
//
// # Lifecycle
//
// Start, Pause, Unpause, Restart, Shutdown and GracefulShutdown are broadcast
// to every registered service. Shutdown closes the channel and lets the pool
// drain it for up to the shutdown timeout before cancelling the workers.
//
// Example:
//
//	b := bus.New()
//	if err := b.Register(myServiceType, nil); err != nil {
//	    return err
//	}
//	b.Start(props)
//	defer b.GracefulShutdown()
//	b.Send(envelope)
package bus
