// Package wecom assembles the WeCom callback service.
//
// New wires the encrypted callback surface, the customer-service sync loop
// with its per-inbox cursor store, and the supervised forward workers that
// relay answers from the answering webhook back to WeCom. Start, Serve and
// Shutdown drive the process lifecycle.
package wecom
