// Package verify correlates messages fetched from a mailbox with the emails
// that produced them and compares them field by field.
//
// Correlation relies on the marker each outbound email carries in its body.
// A fetched message must contain exactly one sent marker: zero matches and
// multiple matches are both failures, as is one sent email claimed by two
// fetched messages.
package verify

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ptgott/relaycheck/html"
	"github.com/ptgott/relaycheck/message"
)

var (
	// ErrNoMatch means a fetched message carries none of the sent markers.
	ErrNoMatch = errors.New("no matching source email found")
	// ErrAmbiguousMatch means a fetched message carries more than one sent
	// marker.
	ErrAmbiguousMatch = errors.New("more than one source email matches")
	// ErrDuplicateMatch means two fetched messages matched the same sent
	// email.
	ErrDuplicateMatch = errors.New("source email matched more than once")
)

// CountMismatch means the mailbox doesn't hold the number of messages that
// were sent. It's checked before any matching happens.
type CountMismatch struct {
	Expected int
	Actual   int
}

func (e *CountMismatch) Error() string {
	return fmt.Sprintf("expected %v messages, but found %v", e.Expected, e.Actual)
}

// MatchError describes a correlation failure for a single fetched message.
type MatchError struct {
	MessageID string
	// Markers of the sent emails that matched, if any
	Markers []string
	Err     error
}

func (e *MatchError) Error() string {
	if len(e.Markers) == 0 {
		return fmt.Sprintf("message %v: %v", e.MessageID, e.Err)
	}
	return fmt.Sprintf("message %v: %v (markers %v)", e.MessageID, e.Err, e.Markers)
}

func (e *MatchError) Unwrap() error {
	return e.Err
}

// Failure is a single field that differs between a sent email and the
// message a mailbox reports for it.
type Failure struct {
	MessageID string
	Field     message.Field
	Expected  interface{}
	Actual    interface{}
}

func (e *Failure) Error() string {
	return fmt.Sprintf(
		"message %v: %v mismatch: expected %v but got %v",
		e.MessageID,
		e.Field,
		e.Expected,
		e.Actual,
	)
}

// Count returns a *CountMismatch unless actual equals expected.
func Count(expected, actual int) error {
	if expected != actual {
		return &CountMismatch{Expected: expected, Actual: actual}
	}
	return nil
}

// Match returns the one sent email whose marker appears in the text body of
// in.
func Match(sent []message.Outbound, in message.Inbound) (message.Outbound, error) {
	var found []message.Outbound
	for _, o := range sent {
		if in.ContainsMarker(o.Marker) {
			found = append(found, o)
		}
	}

	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return message.Outbound{}, &MatchError{MessageID: in.ID, Err: ErrNoMatch}
	default:
		m := make([]string, len(found))
		for i := range found {
			m[i] = found[i].Marker
		}
		return message.Outbound{}, &MatchError{MessageID: in.ID, Markers: m, Err: ErrAmbiguousMatch}
	}
}

// Fields compares the given fields of want and got. A nil or empty fields
// list means message.AllFields. Every mismatch is reported; when there are
// several, they're joined so errors.As still finds a *Failure.
func Fields(want message.Outbound, got message.Inbound, fields []message.Field) error {
	if len(fields) == 0 {
		fields = message.AllFields
	}

	var errs []error
	add := func(f message.Field, expected, actual interface{}) {
		errs = append(errs, &Failure{
			MessageID: got.ID,
			Field:     f,
			Expected:  expected,
			Actual:    actual,
		})
	}
	compareLists := func(f message.Field, expected, actual []message.Profile) {
		e := message.ProfilesOrNil(expected)
		a := message.ProfilesOrNil(actual)
		if !reflect.DeepEqual(e, a) {
			add(f, e, a)
		}
	}

	for _, f := range fields {
		switch f {
		case message.FieldSender:
			if want.Sender != got.Sender {
				add(f, want.Sender, got.Sender)
			}
		case message.FieldRecipients:
			compareLists(f, want.Recipients, got.Recipients)
		case message.FieldFirstRecipient:
			var e, a message.Profile
			if len(want.Recipients) > 0 {
				e = want.Recipients[0]
			}
			if len(got.Recipients) > 0 {
				a = got.Recipients[0]
			}
			if e != a {
				add(f, e, a)
			}
		case message.FieldCc:
			compareLists(f, want.Cc, got.Cc)
		case message.FieldBcc:
			compareLists(f, want.Bcc, got.Bcc)
		case message.FieldReplyTo:
			compareLists(f, want.ReplyTo, got.ReplyTo)
		case message.FieldSubject:
			if want.Subject != got.Subject {
				add(f, want.Subject, got.Subject)
			}
		case message.FieldBody:
			if want.Marker == "" || !got.ContainsMarker(want.Marker) {
				add(f, fmt.Sprintf("text containing %q", want.Marker), got.BodyText)
			}
			if want.BodyHTML != "" {
				m, err := html.ExtractMarker(got.BodyHTML)
				if err != nil || m != want.Marker {
					add(f, fmt.Sprintf("HTML marker %q", want.Marker), fmt.Sprintf("%q (%v)", m, err))
				}
			}
		default:
			return fmt.Errorf("unknown field %q", f)
		}
	}

	return errors.Join(errs...)
}

// Pair is a sent email together with the message a mailbox reported for it.
type Pair struct {
	Sent     message.Outbound
	Received message.Inbound
}

// FetchFunc retrieves a single message by ID.
type FetchFunc func(ctx context.Context, id string) (message.Inbound, error)

// Correlate fetches every message in ids, matches each to a sent email and
// compares the given fields. It checks the counts first. Send order and
// listing order don't need to agree. It stops at the first fetch or
// correlation error; field mismatches for all messages are collected and
// returned together with the pairs.
func Correlate(
	ctx context.Context,
	sent []message.Outbound,
	ids []string,
	fetch FetchFunc,
	fields []message.Field,
) ([]Pair, error) {
	if err := Count(len(sent), len(ids)); err != nil {
		return nil, err
	}

	claimed := make(map[string]string, len(ids))
	pairs := make([]Pair, 0, len(ids))
	var mismatches []error

	for _, id := range ids {
		in, err := fetch(ctx, id)
		if err != nil {
			return pairs, fmt.Errorf("could not fetch message %v: %w", id, err)
		}

		o, err := Match(sent, in)
		if err != nil {
			return pairs, err
		}

		if prev, ok := claimed[o.Marker]; ok {
			return pairs, &MatchError{
				MessageID: in.ID,
				Markers:   []string{o.Marker},
				Err:       fmt.Errorf("%w (also matched by message %v)", ErrDuplicateMatch, prev),
			}
		}
		claimed[o.Marker] = in.ID

		if err := Fields(o, in, fields); err != nil {
			mismatches = append(mismatches, err)
		}
		pairs = append(pairs, Pair{Sent: o, Received: in})
	}

	return pairs, errors.Join(mismatches...)
}
