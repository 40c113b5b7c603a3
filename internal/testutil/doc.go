// Package testutil contains builders and recording fakes used across tests
// to reduce boilerplate when constructing envelopes and routing graphs and
// when asserting what a service received, sent or dead-lettered. They are not
// intended for production usage.
package testutil
