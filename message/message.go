package message

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Profile is a display name and address pair. Profiles are compared by value.
type Profile struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
}

// String formats p the way it would appear in an address header.
func (p Profile) String() string {
	if p.Name == "" {
		return fmt.Sprintf("<%v>", p.Address)
	}
	return fmt.Sprintf("%v <%v>", p.Name, p.Address)
}

// ProfilesOrNil returns nil for an empty list so that "no cc" and "an empty cc
// list" compare as the same thing on both sides of a check.
func ProfilesOrNil(p []Profile) []Profile {
	if len(p) == 0 {
		return nil
	}
	return p
}

// NewMarker returns a random token to embed in an email body so the email can
// be picked out of a mailbox later.
func NewMarker() string {
	return uuid.NewString()
}

// Outbound describes an email exactly as it was handed to the SMTP relay.
// Don't mutate an Outbound after building it, since verification compares
// against it later.
type Outbound struct {
	Sender     Profile
	Recipients []Profile
	Cc         []Profile
	Bcc        []Profile
	ReplyTo    []Profile
	Subject    string
	BodyText   string
	// Optional. When set, the email is sent as multipart/alternative.
	BodyHTML string
	Marker   string
}

// EnvelopeRecipients returns the RCPT TO addresses for o: every recipient,
// cc and bcc address, in that order.
func (o Outbound) EnvelopeRecipients() []string {
	r := make([]string, 0, len(o.Recipients)+len(o.Cc)+len(o.Bcc))
	for _, l := range [][]Profile{o.Recipients, o.Cc, o.Bcc} {
		for _, p := range l {
			r = append(r, p.Address)
		}
	}
	return r
}

// Inbound is a message as reported by a mailbox after delivery. Address lists
// that the mailbox reports as empty are nil.
type Inbound struct {
	ID         string
	Sender     Profile
	Recipients []Profile
	Cc         []Profile
	Bcc        []Profile
	ReplyTo    []Profile
	Subject    string
	BodyText   string
	BodyHTML   string
}

// ContainsMarker reports whether the marker appears in the text body of in.
func (in Inbound) ContainsMarker(marker string) bool {
	return marker != "" && strings.Contains(in.BodyText, marker)
}

// Field names a part of an email that can be compared between an Outbound and
// an Inbound.
type Field string

const (
	FieldSender     Field = "sender"
	FieldRecipients Field = "recipients"
	FieldCc         Field = "cc"
	FieldBcc        Field = "bcc"
	FieldReplyTo    Field = "reply_to"
	FieldSubject    Field = "subject"
	FieldBody       Field = "body"

	// FieldFirstRecipient compares only the first To address. It's for
	// mailboxes that report a single recipient, so it isn't in AllFields.
	FieldFirstRecipient Field = "first_recipient"
)

// AllFields lists the Fields compared by default, in the order they're checked.
var AllFields = []Field{
	FieldSender,
	FieldRecipients,
	FieldCc,
	FieldBcc,
	FieldReplyTo,
	FieldSubject,
	FieldBody,
}
