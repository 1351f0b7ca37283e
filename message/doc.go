package message

// message holds the values exchanged between the sending and inspecting sides
// of a delivery check: the identities used in an email, the email as it was
// built locally, and the email as a mailbox reports it after delivery. It
// also knows how to serialize an outbound email into an SMTP DATA payload.
