package e2e

// e2e contains end-to-end tests that load a config file the way the CLI
// does and run every scenario against an in-process relay and fake mailbox
// APIs. Tests tagged "integration" run against a real Mailpit binary (set
// MAILPIT_BIN) instead.
