// Package service provides the building blocks shared by services hosted on
// the bus: an embeddable Base with lifecycle bookkeeping and send helpers,
// payload Dispatch, and the producer-side Deliver retry loop.
package service
