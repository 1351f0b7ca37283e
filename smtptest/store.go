package smtptest

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/ptgott/relaycheck/message"
)

// StoredMessage is a message accepted by the relay, along with the envelope
// it arrived with and the parsed form the fake mailbox APIs report.
type StoredMessage struct {
	ID string
	// Seq is a per-store counter, for APIs that use numeric IDs
	Seq      int64
	Received time.Time
	From     string
	To       []string
	Raw      []byte
	Inbound  message.Inbound
}

// Store retains accepted messages in memory. It's goroutine safe since the
// relay and the fake APIs touch it from their own goroutines.
type Store struct {
	mu       sync.Mutex
	messages []StoredMessage
	seq      int64
	// messages only become visible to listings this long after they're
	// received
	delay time.Duration
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		messages: []StoredMessage{},
	}
}

// SetDelay makes newly received messages invisible to Messages for d. This
// simulates a relay that takes a moment to deliver.
func (s *Store) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Save parses raw and stores it. It returns the new message's ID.
func (s *Store) Save(from string, to []string, raw []byte) (string, error) {
	id := uuid.NewString()
	in, err := parseInbound(id, raw)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.messages = append(s.messages, StoredMessage{
		ID:       id,
		Seq:      s.seq,
		Received: time.Now(),
		From:     from,
		To:       to,
		Raw:      raw,
		Inbound:  in,
	})
	return id, nil
}

// Messages returns the visible messages, newest first.
func (s *Store) Messages() []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.delay)
	r := make([]StoredMessage, 0, len(s.messages))
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Received.After(cutoff) {
			continue
		}
		r = append(r, s.messages[i])
	}
	return r
}

// Message looks up a message by ID, visible or not.
func (s *Store) Message(id string) (StoredMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return StoredMessage{}, false
}

// MessageBySeq looks up a message by its sequence number.
func (s *Store) MessageBySeq(seq int64) (StoredMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Seq == seq {
			return m, true
		}
	}
	return StoredMessage{}, false
}

// Delete removes one message and reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// DeleteAll removes every message, visible or not, and returns how many there
// were.
func (s *Store) DeleteAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.messages)
	s.messages = []StoredMessage{}
	return n
}

// Len counts every stored message, including ones still hidden by the delay.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// RetrieveEmails returns the raw payloads of all messages received at or
// after epoch nanoseconds t.
// Satisfies smtptest.Server but isn't expected to return an error.
func (s *Store) RetrieveEmails(t int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Received.UnixNano() >= t {
			r = append(r, string(m.Raw))
		}
	}
	return r, nil
}

// parseInbound reads a DATA payload the way a mailbox would report it.
func parseInbound(id string, raw []byte) (message.Inbound, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return message.Inbound{}, fmt.Errorf("can't read the message: %v", err)
	}
	defer mr.Close()

	in := message.Inbound{ID: id}

	lists := []struct {
		key string
		dst *[]message.Profile
	}{
		{"To", &in.Recipients},
		{"Cc", &in.Cc},
		{"Bcc", &in.Bcc},
		{"Reply-To", &in.ReplyTo},
	}
	for _, l := range lists {
		a, err := mr.Header.AddressList(l.key)
		if err != nil {
			return message.Inbound{}, fmt.Errorf("can't parse the %v header: %v", l.key, err)
		}
		*l.dst = message.FromAddresses(a)
	}

	from, err := mr.Header.AddressList("From")
	if err != nil {
		return message.Inbound{}, fmt.Errorf("can't parse the From header: %v", err)
	}
	if len(from) > 0 {
		in.Sender = message.Profile{Name: from[0].Name, Address: from[0].Address}
	}

	in.Subject, err = mr.Header.Subject()
	if err != nil {
		return message.Inbound{}, fmt.Errorf("can't decode the subject: %v", err)
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return message.Inbound{}, fmt.Errorf("can't read a message part: %v", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := h.ContentType()
		if err != nil {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return message.Inbound{}, fmt.Errorf("can't read the %v part: %v", ct, err)
		}
		switch ct {
		case "text/plain":
			in.BodyText = string(b)
		case "text/html":
			in.BodyHTML = string(b)
		}
	}

	return in, nil
}
