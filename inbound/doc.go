// Package inbound turns one platform callback into a reply.
//
// A POST moves through Received, Decrypted, Parsed, Routed and Handled.
// Only codec and parse failures change the process code; every failure
// after routing is logged and acknowledged with an empty reply so the
// platform does not redeliver a payload whose side effects already ran.
package inbound
