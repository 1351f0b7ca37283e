package smtptest

// Server contains state information for an SMTP relay used by a test. The
// relay should be able to return the payloads of messages sent to it during
// the test. The relay is meant to start during a test (or test suite) and
// stop right after.
//
// InProcessServer implements this, as does the e2e package's launcher for a
// Mailpit child process.
type Server interface {
	// Start launches the relay and returns an error if this fails. Retry
	// behavior is left to the caller. Start should also set up any
	// resources, such as local files, required to run the relay.
	Start() error

	// Close terminates the relay and any required resources. While
	// this is designed not to return an error so it's easier to use with defer,
	// implementations should log failures to close so the test operator can
	// chase down rogue server processes.
	Close()

	// RetrieveEmails returns the raw payloads of all email messages sent to
	// the relay after epoch nanoseconds t.
	RetrieveEmails(t int64) ([]string, error)

	// Address returns the host:port of the relay.
	Address() string
}
