package email

// email is responsible for sending test email to an SMTP relay, including
// generating the emails from fake data, connecting to the relay, and
// negotiating TLS and authentication. Every email goes out over its own
// session and nothing is retried: a failed session is reported as a
// TransportError naming the step that failed.
