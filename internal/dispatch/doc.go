// Package dispatch implements the webhook dispatch loop controller.
//
// A Controller runs at most one Session at a time. While a session is
// running, every tick of its interval fires one POST to the endpoint without
// waiting for earlier POSTs to finish. Any completed HTTP exchange counts as
// sent, whatever its status code; transport failures go to a FailureObserver
// and never stop the loop.
//
// Validate and Delete are one-shot calls that never touch session state.
// Everything user-visible is published on the event bus as Stats snapshots
// and Outcome events.
package dispatch
