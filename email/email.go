package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog/log"

	"github.com/ptgott/relaycheck/fakedata"
	"github.com/ptgott/relaycheck/html"
	"github.com/ptgott/relaycheck/message"
)

const (
	defaultPort        = 25
	defaultDialTimeout = time.Duration(10) * time.Second
	defaultLocalName   = "localhost"
)

// Stages of an SMTP session, for TransportError
const (
	StageDial     = "dial"
	StageStartTLS = "starttls"
	StageHello    = "hello"
	StageAuth     = "auth"
	StageMail     = "mail"
	StageRcpt     = "rcpt"
	StageData     = "data"
	StageQuit     = "quit"
)

// TransportError means an SMTP session failed. Stage says how far it got.
type TransportError struct {
	Stage string
	Addr  string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("SMTP %v failed for %v: %v", e.Stage, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Config represents the SMTP relay options provided by the user. Not meant
// to be used for sending email without validation.
type Config struct {
	Host string
	Port int
	// Credentials are only used if both are set
	Username string
	Password string
	// Upgrade the connection with STARTTLS before authenticating
	StartTLS bool
	// Skip certificate verification during STARTTLS. Meant for relays with
	// self-signed certificates.
	InsecureSkipVerify bool
	// Name sent with EHLO
	LocalName   string
	DialTimeout time.Duration
}

// CheckAndSetDefaults validates c and either returns a copy of c with default
// settings applied or returns an error due to an invalid configuration
func (c *Config) CheckAndSetDefaults() (Config, error) {
	n := *c
	if n.Host == "" {
		return Config{}, errors.New("must supply an SMTP relay host")
	}
	if n.Port == 0 {
		n.Port = defaultPort
	}
	if n.Port < 0 || n.Port > 65535 {
		return Config{}, fmt.Errorf("%v is not a valid SMTP port", n.Port)
	}
	if n.DialTimeout < 0 {
		return Config{}, errors.New("the SMTP dial timeout can't be negative")
	}
	if n.DialTimeout == 0 {
		n.DialTimeout = defaultDialTimeout
	}
	if n.LocalName == "" {
		n.LocalName = defaultLocalName
	}
	return n, nil
}

// UnmarshalYAML parses the "smtp" section of a user-provided config,
// returning any parsing errors. Missing keys leave c as it was, so c can
// carry defaults into the decoder.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	err := unmarshal(&v)

	if err != nil {
		return fmt.Errorf("can't parse the SMTP config: %v", err)
	}

	for k, dst := range map[string]*string{
		"host":      &c.Host,
		"username":  &c.Username,
		"password":  &c.Password,
		"localName": &c.LocalName,
	} {
		if s, ok := v[k]; ok {
			*dst = s
		}
	}

	if p, ok := v["port"]; ok && p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("can't parse the SMTP port as an integer: %v", err)
		}
		c.Port = n
	}

	for k, dst := range map[string]*bool{
		"startTLS":           &c.StartTLS,
		"insecureSkipVerify": &c.InsecureSkipVerify,
	} {
		b, ok := v[k]
		if !ok || b == "" {
			continue
		}
		pb, err := strconv.ParseBool(b)
		if err != nil {
			return fmt.Errorf("can't parse %v as a boolean: %v", k, err)
		}
		*dst = pb
	}

	if d, ok := v["dialTimeout"]; ok && d != "" {
		pd, err := time.ParseDuration(d)
		if err != nil {
			return fmt.Errorf(
				"can't parse the SMTP dial timeout as a duration: %v",
				err,
			)
		}
		c.DialTimeout = pd
	}

	return nil
}

// AuthEnabled reports whether the relay should be sent credentials.
func (c Config) AuthEnabled() bool {
	return c.Username != "" && c.Password != ""
}

// Address returns the relay's host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Batch describes a set of emails to generate and send. Identities are shared
// by every email in a batch.
type Batch struct {
	Messages   int
	Recipients int
	Cc         int
	Bcc        int
	ReplyTo    int
	// Add an HTML alternative part
	HTML bool
}

// CheckAndSetDefaults validates b and either returns a copy of b with default
// settings applied or returns an error due to an invalid batch. A zero Batch
// becomes a single email to a single recipient.
func (b *Batch) CheckAndSetDefaults() (Batch, error) {
	n := *b
	if n.Messages < 0 || n.Recipients < 0 || n.Cc < 0 || n.Bcc < 0 || n.ReplyTo < 0 {
		return Batch{}, errors.New("batch counts can't be negative")
	}
	if n.Messages == 0 {
		n.Messages = 1
	}
	if n.Recipients == 0 {
		n.Recipients = 1
	}
	return n, nil
}

// Sender generates emails and delivers them to an SMTP relay. Create one with
// NewSender.
type Sender struct {
	conf Config
	gen  *fakedata.Generator
}

// NewSender validates c and returns a Sender that draws its content from gen.
func NewSender(c Config, gen *fakedata.Generator) (*Sender, error) {
	cc, err := c.CheckAndSetDefaults()
	if err != nil {
		return nil, err
	}
	if gen == nil {
		return nil, errors.New("the sender needs a fake data generator")
	}
	if (cc.Username == "") != (cc.Password == "") {
		log.Warn().Msg("only one of the SMTP username and password is set, so the relay won't get credentials")
	}
	return &Sender{conf: cc, gen: gen}, nil
}

// Compose builds the emails for b without sending them. Subject, body and
// marker differ for every email.
func (s *Sender) Compose(b Batch) ([]message.Outbound, error) {
	bb, err := b.CheckAndSetDefaults()
	if err != nil {
		return nil, err
	}

	sender := s.gen.Profile()
	recipients := s.gen.Profiles(bb.Recipients)
	cc := s.gen.Profiles(bb.Cc)
	bcc := s.gen.Profiles(bb.Bcc)
	replyTo := s.gen.Profiles(bb.ReplyTo)

	out := make([]message.Outbound, bb.Messages)
	for i := range out {
		marker := message.NewMarker()
		o := message.Outbound{
			Sender:     sender,
			Recipients: recipients,
			Cc:         cc,
			Bcc:        bcc,
			ReplyTo:    replyTo,
			Subject:    s.gen.Subject(),
			BodyText:   s.gen.BodyText(marker),
			Marker:     marker,
		}
		if bb.HTML {
			h, err := html.GenerateBody(html.BodyContent{
				Subject:    o.Subject,
				Marker:     marker,
				Paragraphs: []string{s.gen.Paragraph()},
			})
			if err != nil {
				return nil, err
			}
			o.BodyHTML = h
		}
		out[i] = o
	}
	return out, nil
}

// Send composes b and delivers each email over its own SMTP session, in
// order. The first failure stops the batch; the emails sent before it are
// returned along with the error.
func (s *Sender) Send(ctx context.Context, b Batch) ([]message.Outbound, error) {
	out, err := s.Compose(b)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.Deliver(ctx, out[i]); err != nil {
			return out[:i], err
		}
	}
	log.Info().
		Int("count", len(out)).
		Str("relay", s.conf.Address()).
		Msg("sent test emails")
	return out, nil
}

// Deliver sends a single email. A nil error means the relay accepted the
// message.
func (s *Sender) Deliver(ctx context.Context, o message.Outbound) error {
	addr := s.conf.Address()
	fail := func(stage string, err error) error {
		return &TransportError{Stage: stage, Addr: addr, Err: err}
	}

	d := net.Dialer{Timeout: s.conf.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail(StageDial, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			conn.Close()
			return fail(StageDial, err)
		}
	}

	var c *smtp.Client
	if s.conf.StartTLS {
		// NewClientStartTLS sends its own EHLO, so LocalName isn't used on
		// this path. A relay without STARTTLS fails here too.
		c, err = smtp.NewClientStartTLS(conn, &tls.Config{
			ServerName:         s.conf.Host,
			InsecureSkipVerify: s.conf.InsecureSkipVerify,
		})
		if err != nil {
			conn.Close()
			return fail(StageStartTLS, err)
		}
	} else {
		c = smtp.NewClient(conn)
		if err := c.Hello(s.conf.LocalName); err != nil {
			c.Close()
			return fail(StageHello, err)
		}
	}
	defer c.Close()

	if s.conf.AuthEnabled() {
		if err := c.Auth(sasl.NewPlainClient("", s.conf.Username, s.conf.Password)); err != nil {
			return fail(StageAuth, err)
		}
	}

	if err := c.Mail(o.Sender.Address, nil); err != nil {
		return fail(StageMail, err)
	}
	for _, r := range o.EnvelopeRecipients() {
		if err := c.Rcpt(r, nil); err != nil {
			return fail(StageRcpt, fmt.Errorf("%v: %w", r, err))
		}
	}

	w, err := c.Data()
	if err != nil {
		return fail(StageData, err)
	}
	if _, err := o.WriteTo(w); err != nil {
		w.Close()
		return fail(StageData, err)
	}
	if err := w.Close(); err != nil {
		return fail(StageData, err)
	}

	if err := c.Quit(); err != nil {
		return fail(StageQuit, err)
	}

	log.Debug().
		Str("marker", o.Marker).
		Str("subject", o.Subject).
		Int("recipients", len(o.EnvelopeRecipients())).
		Msg("delivered a test email")
	return nil
}
