package mailbox

import (
	"fmt"
	"time"
)

// Supported values for Settings.Provider
const (
	ProviderMailpit  = "mailpit"
	ProviderMailtrap = "mailtrap"
)

// Settings is the user-facing mailbox configuration. It names a provider and
// carries the options for every provider, so that it can be filled in from
// a config file and the environment before New picks an implementation.
type Settings struct {
	Provider       string
	MailpitURL     string
	MailtrapToken  string
	MailtrapURL    string
	MailtrapAcct   int64
	MailtrapInbox  int64
	MaxMessages    int
	RequestTimeout time.Duration
}

// UnmarshalYAML parses the "mailbox" section of a config file. Durations are
// strings like "10s". Keys that are missing or empty leave s as it was.
func (s *Settings) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v struct {
		Provider string `yaml:"provider"`
		Mailpit  struct {
			URL string `yaml:"url"`
		} `yaml:"mailpit"`
		Mailtrap struct {
			Token     string `yaml:"apiToken"`
			URL       string `yaml:"url"`
			AccountID int64  `yaml:"accountID"`
			InboxID   int64  `yaml:"inboxID"`
		} `yaml:"mailtrap"`
		MaxMessages    int    `yaml:"maxMessages"`
		RequestTimeout string `yaml:"requestTimeout"`
	}
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("can't parse the mailbox config: %v", err)
	}

	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&s.Provider, v.Provider)
	setString(&s.MailpitURL, v.Mailpit.URL)
	setString(&s.MailtrapToken, v.Mailtrap.Token)
	setString(&s.MailtrapURL, v.Mailtrap.URL)
	if v.Mailtrap.AccountID != 0 {
		s.MailtrapAcct = v.Mailtrap.AccountID
	}
	if v.Mailtrap.InboxID != 0 {
		s.MailtrapInbox = v.Mailtrap.InboxID
	}
	if v.MaxMessages != 0 {
		s.MaxMessages = v.MaxMessages
	}

	if v.RequestTimeout != "" {
		d, err := time.ParseDuration(v.RequestTimeout)
		if err != nil {
			return fmt.Errorf("can't parse the mailbox request timeout as a duration: %v", err)
		}
		s.RequestTimeout = d
	}
	return nil
}

// New returns the Inspector for s.Provider. An empty provider means Mailpit.
func New(s Settings) (Inspector, error) {
	c := Config{
		MaxMessages:    s.MaxMessages,
		RequestTimeout: s.RequestTimeout,
	}
	switch s.Provider {
	case ProviderMailpit, "":
		c.BaseURL = s.MailpitURL
		m, err := NewMailpit(c)
		if err != nil {
			return nil, err
		}
		return m, nil
	case ProviderMailtrap:
		c.BaseURL = s.MailtrapURL
		m, err := NewMailtrap(MailtrapConfig{
			Config:    c,
			Token:     s.MailtrapToken,
			AccountID: s.MailtrapAcct,
			InboxID:   s.MailtrapInbox,
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown mailbox provider %q", s.Provider)
	}
}
