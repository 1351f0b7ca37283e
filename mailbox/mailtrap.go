package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ptgott/relaycheck/message"
)

const defaultMailtrapURL = "https://mailtrap.io/api/accounts/"

// MailtrapConfig configures a Mailtrap client.
type MailtrapConfig struct {
	Config
	// Sent in the Api-Token header
	Token string
	// Optional. If zero, the first account and inbox the token can see
	// are used.
	AccountID int64
	InboxID   int64
}

// CheckAndSetDefaults validates c and either returns a copy of c with default
// settings applied or returns an error due to an invalid configuration
func (c *MailtrapConfig) CheckAndSetDefaults() (MailtrapConfig, error) {
	n := *c
	if n.Token == "" {
		return MailtrapConfig{}, errors.New("the Mailtrap API needs a token")
	}
	if n.BaseURL == "" {
		n.BaseURL = defaultMailtrapURL
	}
	cc, err := n.Config.CheckAndSetDefaults()
	if err != nil {
		return MailtrapConfig{}, err
	}
	n.Config = cc
	return n, nil
}

// Inbox is a Mailtrap inbox along with the SMTP credentials that deliver to
// it.
type Inbox struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Domain    string `json:"domain"`
	SMTPPorts []int  `json:"smtp_ports"`
}

type mailtrapAccount struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// mailtrapMessage is a message as the Mailtrap API describes it. The API only
// reports the first recipient, and the body comes from a separate endpoint.
type mailtrapMessage struct {
	ID        int64  `json:"id"`
	Subject   string `json:"subject"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
	ToEmail   string `json:"to_email"`
	ToName    string `json:"to_name"`
}

// Mailtrap inspects a Mailtrap inbox through the accounts API. Create one
// with NewMailtrap.
//
// Implements Inspector and FieldReporter.
type Mailtrap struct {
	conf  MailtrapConfig
	api   *apiClient
	inbox Inbox
	// account the inbox belongs to, 0 until discovered
	account int64
}

// NewMailtrap validates c and returns a Mailtrap client. It doesn't contact
// the API until the first call.
func NewMailtrap(c MailtrapConfig) (*Mailtrap, error) {
	cc, err := c.CheckAndSetDefaults()
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Api-Token", cc.Token)
	a, err := newAPIClient(cc.Config, h)
	if err != nil {
		return nil, err
	}
	return &Mailtrap{conf: cc, api: a}, nil
}

// Discover finds the account and inbox to inspect and returns the inbox,
// including the SMTP credentials that deliver to it. The result is cached.
func (m *Mailtrap) Discover(ctx context.Context) (Inbox, error) {
	if m.account != 0 {
		return m.inbox, nil
	}

	var accounts []mailtrapAccount
	u := strings.TrimSuffix(m.api.base.String(), "/")
	if err := m.api.getJSON(ctx, u, &accounts); err != nil {
		return Inbox{}, err
	}
	acc, err := pickID(accounts, m.conf.AccountID, func(a mailtrapAccount) int64 { return a.ID })
	if err != nil {
		return Inbox{}, fmt.Errorf("can't pick a Mailtrap account: %v", err)
	}

	var inboxes []Inbox
	if err := m.api.getJSON(ctx, m.api.resolve(fmt.Sprintf("%v/inboxes", acc.ID), nil), &inboxes); err != nil {
		return Inbox{}, err
	}
	in, err := pickID(inboxes, m.conf.InboxID, func(i Inbox) int64 { return i.ID })
	if err != nil {
		return Inbox{}, fmt.Errorf("can't pick a Mailtrap inbox: %v", err)
	}

	m.account = acc.ID
	m.inbox = in
	log.Info().
		Int64("account", acc.ID).
		Int64("inbox", in.ID).
		Str("inboxName", in.Name).
		Msg("using Mailtrap inbox")
	return in, nil
}

// Inbox returns the inbox found by Discover, or the zero value before then.
func (m *Mailtrap) Inbox() Inbox {
	return m.inbox
}

// pickID returns the item with the given ID, or the first item if want is 0.
func pickID[T any](items []T, want int64, id func(T) int64) (T, error) {
	var zero T
	if len(items) == 0 {
		return zero, errors.New("the API returned none")
	}
	if want == 0 {
		return items[0], nil
	}
	for _, it := range items {
		if id(it) == want {
			return it, nil
		}
	}
	return zero, fmt.Errorf("no item with ID %v", want)
}

// messagesPath returns the path of the inbox's messages collection, or of a
// single message if id isn't empty.
func (m *Mailtrap) messagesPath(id string) string {
	p := fmt.Sprintf("%v/inboxes/%v/messages", m.account, m.inbox.ID)
	if id != "" {
		p += "/" + id
	}
	return p
}

func (m *Mailtrap) list(ctx context.Context) ([]mailtrapMessage, error) {
	if _, err := m.Discover(ctx); err != nil {
		return nil, err
	}
	var res []mailtrapMessage
	if err := m.api.getJSON(ctx, m.api.resolve(m.messagesPath(""), nil), &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Messages implements Inspector.
func (m *Mailtrap) Messages(ctx context.Context) ([]string, error) {
	res, err := m.list(ctx)
	if err != nil {
		return nil, err
	}
	if len(res) > m.conf.MaxMessages {
		res = res[:m.conf.MaxMessages]
	}
	ids := make([]string, len(res))
	for i := range res {
		ids[i] = strconv.FormatInt(res[i].ID, 10)
	}
	return ids, nil
}

// Message implements Inspector. Recipients only ever holds the first
// recipient, and Cc, Bcc and ReplyTo are always nil.
func (m *Mailtrap) Message(ctx context.Context, id string) (message.Inbound, error) {
	if _, err := m.Discover(ctx); err != nil {
		return message.Inbound{}, err
	}

	var res mailtrapMessage
	if err := m.api.getJSON(ctx, m.api.resolve(m.messagesPath(id), nil), &res); err != nil {
		return message.Inbound{}, err
	}
	body, err := m.api.do(ctx, http.MethodGet, m.api.resolve(m.messagesPath(id)+"/body.txt", nil))
	if err != nil {
		return message.Inbound{}, err
	}

	in := message.Inbound{
		ID:       strconv.FormatInt(res.ID, 10),
		Sender:   message.Profile{Name: res.FromName, Address: res.FromEmail},
		Subject:  res.Subject,
		BodyText: string(body),
	}
	if res.ToEmail != "" {
		in.Recipients = []message.Profile{{Name: res.ToName, Address: res.ToEmail}}
	}
	return in, nil
}

// Empty implements Inspector. The API has no bulk delete, so each message is
// deleted on its own.
func (m *Mailtrap) Empty(ctx context.Context) error {
	res, err := m.list(ctx)
	if err != nil {
		return err
	}
	for _, r := range res {
		u := m.api.resolve(m.messagesPath(strconv.FormatInt(r.ID, 10)), nil)
		if _, err := m.api.do(ctx, http.MethodDelete, u); err != nil {
			return err
		}
	}
	log.Debug().Int("deleted", len(res)).Msg("emptied the Mailtrap inbox")
	return nil
}

// Fields implements FieldReporter. The API only reports the first recipient.
func (m *Mailtrap) Fields() []message.Field {
	return []message.Field{
		message.FieldSender,
		message.FieldFirstRecipient,
		message.FieldSubject,
		message.FieldBody,
	}
}
