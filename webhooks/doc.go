// Package webhooks relays customer questions to the answering webhook and
// delivers its answers back through WeCom.
//
// Every forward is reserved in the ledger before it is queued and moves
// through a claim lifecycle:
// pending/retry_ready -> processing -> processed|dead.
// A duplicate reservation is never queued twice, and a worker re-checks the
// row before calling the webhook so redelivery does not produce a second
// customer-visible answer.
package webhooks
