package html

// html is responsible for the HTML alternative part of a test email: it
// renders a body that carries the marker in a dedicated element, and finds
// that marker again in whatever HTML a mailbox hands back. It's not concerned
// with sending or fetching the email.
