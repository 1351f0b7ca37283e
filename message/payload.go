package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
)

// header builds the RFC 5322 header for o. Cc, Bcc and Reply-To are only
// present when o has at least one address for them.
func (o Outbound) header() (mail.Header, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(o.Subject)
	h.SetAddressList("From", toAddresses([]Profile{o.Sender}))
	h.SetAddressList("To", toAddresses(o.Recipients))

	if len(o.Cc) > 0 {
		h.SetAddressList("Cc", toAddresses(o.Cc))
	}
	if len(o.Bcc) > 0 {
		h.SetAddressList("Bcc", toAddresses(o.Bcc))
	}
	if len(o.ReplyTo) > 0 {
		h.SetAddressList("Reply-To", toAddresses(o.ReplyTo))
	}

	if err := h.GenerateMessageID(); err != nil {
		return mail.Header{}, fmt.Errorf("could not generate a Message-Id: %w", err)
	}
	return h, nil
}

// WriteTo serializes o as an SMTP DATA payload: headers, a blank line, then
// the body. Satisfies io.WriterTo.
func (o Outbound) WriteTo(w io.Writer) (int64, error) {
	if o.Sender.Address == "" {
		return 0, errors.New("the email has no sender address")
	}
	if len(o.Recipients) == 0 {
		return 0, errors.New("the email has no recipients")
	}

	h, err := o.header()
	if err != nil {
		return 0, err
	}

	cw := &countingWriter{w: w}
	if o.BodyHTML == "" {
		err = writeSinglePart(cw, h, o.BodyText)
	} else {
		err = writeAlternative(cw, h, o.BodyText, o.BodyHTML)
	}
	return cw.n, err
}

// Payload returns the result of WriteTo as a byte slice.
func (o Outbound) Payload() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := o.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeSinglePart(w io.Writer, h mail.Header, text string) error {
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "8bit")
	bw, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("can't write the message header: %w", err)
	}
	if _, err := io.WriteString(bw, text); err != nil {
		return fmt.Errorf("can't write the message body: %w", err)
	}
	return bw.Close()
}

func writeAlternative(w io.Writer, h mail.Header, text, html string) error {
	iw, err := mail.CreateInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("can't write the message header: %w", err)
	}

	parts := []struct {
		mediaType string
		body      string
	}{
		{"text/plain", text},
		{"text/html", html},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(p.mediaType, map[string]string{"charset": "utf-8"})
		// Without this the writer picks quoted-printable, which can wrap a
		// marker across a soft line break in the raw payload.
		ph.Set("Content-Transfer-Encoding", "8bit")
		pw, err := iw.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("can't create the %v part: %w", p.mediaType, err)
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return fmt.Errorf("can't write the %v part: %w", p.mediaType, err)
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}
	return iw.Close()
}

func toAddresses(p []Profile) []*mail.Address {
	a := make([]*mail.Address, len(p))
	for i := range p {
		a[i] = &mail.Address{Name: p[i].Name, Address: p[i].Address}
	}
	return a
}

// FromAddresses converts parsed header addresses into Profiles, returning nil
// for an empty list.
func FromAddresses(a []*mail.Address) []Profile {
	if len(a) == 0 {
		return nil
	}
	p := make([]Profile, len(a))
	for i := range a {
		p[i] = Profile{Name: a[i].Name, Address: a[i].Address}
	}
	return p
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
