// Package core holds the callback pipeline contracts, domain types, error
// taxonomy, configuration and logging helpers. Adapters depend on core;
// core depends on no adapter.
package core
