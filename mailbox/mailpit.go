package mailbox

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/ptgott/relaycheck/message"
)

// mailpitAddress is an address object in Mailpit's API responses. See:
// https://mailpit.axllent.org/docs/api-v1/view.html#get-/api/v1/message/-ID-
type mailpitAddress struct {
	Name    string `json:"Name"`
	Address string `json:"Address"`
}

// mailpitMessages is the response body of GET /api/v1/messages. Only the
// fields we use are declared.
type mailpitMessages struct {
	Total         int `json:"total"`
	MessagesCount int `json:"messages_count"`
	Messages      []struct {
		ID string `json:"ID"`
	} `json:"messages"`
}

// mailpitMessage is the response body of GET /api/v1/message/{ID}. From is
// null when the message has no From header.
type mailpitMessage struct {
	ID      string           `json:"ID"`
	From    *mailpitAddress  `json:"From"`
	To      []mailpitAddress `json:"To"`
	Cc      []mailpitAddress `json:"Cc"`
	Bcc     []mailpitAddress `json:"Bcc"`
	ReplyTo []mailpitAddress `json:"ReplyTo"`
	Subject string           `json:"Subject"`
	Text    string           `json:"Text"`
	HTML    string           `json:"HTML"`
}

func fromMailpitAddresses(a []mailpitAddress) []message.Profile {
	if len(a) == 0 {
		return nil
	}
	p := make([]message.Profile, len(a))
	for i := range a {
		p[i] = message.Profile{Name: a[i].Name, Address: a[i].Address}
	}
	return p
}

// Mailpit inspects a Mailpit mailbox through its v1 API. Create one with
// NewMailpit.
//
// Implements Inspector.
type Mailpit struct {
	conf Config
	api  *apiClient
}

// NewMailpit validates c and returns a Mailpit client.
func NewMailpit(c Config) (*Mailpit, error) {
	cc, err := c.CheckAndSetDefaults()
	if err != nil {
		return nil, err
	}
	a, err := newAPIClient(cc, nil)
	if err != nil {
		return nil, err
	}
	return &Mailpit{conf: cc, api: a}, nil
}

// Messages implements Inspector. Mailpit lists the newest messages first.
func (m *Mailpit) Messages(ctx context.Context) ([]string, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(m.conf.MaxMessages))
	var res mailpitMessages
	if err := m.api.getJSON(ctx, m.api.resolve("api/v1/messages", q), &res); err != nil {
		return nil, err
	}

	ids := make([]string, len(res.Messages))
	for i := range res.Messages {
		ids[i] = res.Messages[i].ID
	}
	log.Debug().
		Int("total", res.Total).
		Int("listed", len(ids)).
		Msg("listed Mailpit messages")
	return ids, nil
}

// Message implements Inspector.
func (m *Mailpit) Message(ctx context.Context, id string) (message.Inbound, error) {
	var res mailpitMessage
	u := m.api.resolve("api/v1/message/"+id, nil)
	if err := m.api.getJSON(ctx, u, &res); err != nil {
		return message.Inbound{}, err
	}

	in := message.Inbound{
		ID:         res.ID,
		Recipients: fromMailpitAddresses(res.To),
		Cc:         fromMailpitAddresses(res.Cc),
		Bcc:        fromMailpitAddresses(res.Bcc),
		ReplyTo:    fromMailpitAddresses(res.ReplyTo),
		Subject:    res.Subject,
		BodyText:   res.Text,
		BodyHTML:   res.HTML,
	}
	if res.From != nil {
		in.Sender = message.Profile{Name: res.From.Name, Address: res.From.Address}
	}
	return in, nil
}

// Empty implements Inspector. Deleting an empty mailbox isn't an error.
func (m *Mailpit) Empty(ctx context.Context) error {
	_, err := m.api.do(ctx, http.MethodDelete, m.api.resolve("api/v1/messages", nil))
	return err
}
