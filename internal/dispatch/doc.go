// Package dispatch fans formatted payloads out to the configured sinks.
//
// Every sink gets its own lane: a bounded queue, a token-bucket limiter and a
// single worker. One worker per lane keeps per-sink delivery order equal to
// enqueue order, and a slow or failing sink never holds back the others.
//
// # Delivery states
//
// A delivery starts PENDING, stays PENDING across transient failures while
// attempts remain, and ends DELIVERED or FAILED. Terminal states are logged,
// counted in metrics and published on the event bus.
package dispatch
