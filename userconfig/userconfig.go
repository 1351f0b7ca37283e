package userconfig

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/subosito/gotenv"
	yaml "gopkg.in/yaml.v2"

	"github.com/ptgott/relaycheck/email"
	"github.com/ptgott/relaycheck/mailbox"
	"github.com/ptgott/relaycheck/waitfor"
)

// Environment variables read by ApplyEnv
const (
	EnvSMTPAddress           = "SMTP_ADDRESS"
	EnvSMTPPort              = "SMTP_PORT"
	EnvSMTPUsername          = "SMTP_USERNAME"
	EnvSMTPPassword          = "SMTP_PASSWORD"
	EnvSMTPStartTLS          = "SMTP_STARTTLS"
	EnvSMTPTLSSkipVerify     = "SMTP_TLS_SKIP_VERIFY"
	EnvMailboxProvider       = "MAILBOX_PROVIDER"
	EnvMailpitAPIPort        = "MAILPIT_API_PORT"
	EnvMailpitAPIURL         = "MAILPIT_API_URL"
	EnvMailtrapAPIToken      = "MAILTRAP_API_TOKEN"
	EnvMailtrapAPIURL        = "MAILTRAP_API_URL"
	EnvMailboxRequestTimeout = "MAILBOX_REQUEST_TIMEOUT"
	EnvMaxNumMessages        = "MAX_NUM_MESSAGES"
	EnvWaitTimeout           = "WAIT_TIMEOUT"
	EnvWaitPollInterval      = "WAIT_POLL_INTERVAL"
)

// DotEnvFile is loaded by LoadDotEnv when no other path is given.
const DotEnvFile = ".env.test"

const (
	defaultSMTPHost       = "localhost"
	defaultSMTPPort       = 25
	defaultMailpitAPIPort = 8025
	defaultMaxMessages    = 50
	// Delivery through a real relay can take a while, so this is longer
	// than the waitfor default.
	defaultWaitTimeout    = time.Duration(20) * time.Second
	defaultPollInterval   = time.Duration(1) * time.Second
	defaultRequestTimeout = time.Duration(10) * time.Second
)

// MissingError means a required setting has no value.
type MissingError struct {
	Field  string
	EnvVar string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing required setting %v (set %v)", e.Field, e.EnvVar)
}

// InvalidError means a setting has a value we can't use.
type InvalidError struct {
	Field string
	Value string
	Err   error
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid value %q for %v: %v", e.Value, e.Field, e.Err)
}

func (e *InvalidError) Unwrap() error {
	return e.Err
}

// Config represents all current config options that the application can use.
// Build one with Load, or start from Defaults.
type Config struct {
	SMTP    email.Config     `yaml:"smtp"`
	Mailbox mailbox.Settings `yaml:"mailbox"`
	Wait    waitfor.Config   `yaml:"wait"`
}

// Defaults returns the settings that apply when neither the config file nor
// the environment says otherwise.
func Defaults() Config {
	return Config{
		SMTP: email.Config{
			Host: defaultSMTPHost,
			Port: defaultSMTPPort,
		},
		Mailbox: mailbox.Settings{
			Provider:       mailbox.ProviderMailpit,
			MailpitURL:     mailpitURL(defaultMailpitAPIPort),
			MaxMessages:    defaultMaxMessages,
			RequestTimeout: defaultRequestTimeout,
		},
		Wait: waitfor.Config{
			Timeout:      defaultWaitTimeout,
			PollInterval: defaultPollInterval,
		},
	}
}

func mailpitURL(port int) string {
	return fmt.Sprintf("http://localhost:%v/", port)
}

// Parse reads a YAML config document on top of Defaults. Sections and keys
// that the document leaves out keep their defaults.
func Parse(r io.Reader) (*Config, error) {
	c := Defaults()
	err := yaml.NewDecoder(r).Decode(&c)
	if err != nil && !errors.Is(err, io.EOF) {
		return &Config{}, fmt.Errorf("can't read the config file as YAML: %v", err)
	}
	return &c, nil
}

// LookupFunc has the signature of os.LookupEnv so tests can swap in a map.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides c with every environment variable that lookup finds.
// Values that can't be parsed come back as *InvalidError, all of them
// joined.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key, field string, dst *int) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, &InvalidError{Field: field, Value: v, Err: err})
			return
		}
		*dst = n
	}
	boolean := func(key, field string, dst *bool) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, &InvalidError{Field: field, Value: v, Err: err})
			return
		}
		*dst = b
	}
	duration := func(key, field string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, &InvalidError{Field: field, Value: v, Err: err})
			return
		}
		*dst = d
	}

	str(EnvSMTPAddress, &c.SMTP.Host)
	integer(EnvSMTPPort, "smtp.port", &c.SMTP.Port)
	str(EnvSMTPUsername, &c.SMTP.Username)
	str(EnvSMTPPassword, &c.SMTP.Password)
	boolean(EnvSMTPStartTLS, "smtp.startTLS", &c.SMTP.StartTLS)
	boolean(EnvSMTPTLSSkipVerify, "smtp.insecureSkipVerify", &c.SMTP.InsecureSkipVerify)

	str(EnvMailboxProvider, &c.Mailbox.Provider)
	// An explicit URL wins over a port.
	if _, ok := lookup(EnvMailpitAPIURL); ok {
		str(EnvMailpitAPIURL, &c.Mailbox.MailpitURL)
	} else {
		var port int
		integer(EnvMailpitAPIPort, "mailbox.mailpit.port", &port)
		if port != 0 {
			c.Mailbox.MailpitURL = mailpitURL(port)
		}
	}
	str(EnvMailtrapAPIToken, &c.Mailbox.MailtrapToken)
	str(EnvMailtrapAPIURL, &c.Mailbox.MailtrapURL)
	duration(EnvMailboxRequestTimeout, "mailbox.requestTimeout", &c.Mailbox.RequestTimeout)
	integer(EnvMaxNumMessages, "mailbox.maxMessages", &c.Mailbox.MaxMessages)

	duration(EnvWaitTimeout, "wait.timeout", &c.Wait.Timeout)
	duration(EnvWaitPollInterval, "wait.pollInterval", &c.Wait.PollInterval)

	return errors.Join(errs...)
}

// CheckAndSetDefaults validates c and either returns a copy of c with default
// settings applied or returns every problem it found: a *MissingError per
// missing required setting and an *InvalidError per unusable one.
func (c *Config) CheckAndSetDefaults() (Config, error) {
	var errs []error
	n := *c

	if n.SMTP.Host == "" {
		errs = append(errs, &MissingError{Field: "smtp.host", EnvVar: EnvSMTPAddress})
	} else {
		s, err := n.SMTP.CheckAndSetDefaults()
		if err != nil {
			errs = append(errs, &InvalidError{
				Field: "smtp",
				Value: n.SMTP.Address(),
				Err:   err,
			})
		}
		n.SMTP = s
	}
	if (n.SMTP.Username == "") != (n.SMTP.Password == "") {
		log.Warn().Msgf(
			"only one of %v and %v is set, so no credentials will be sent",
			EnvSMTPUsername,
			EnvSMTPPassword,
		)
	}

	switch n.Mailbox.Provider {
	case "":
		n.Mailbox.Provider = mailbox.ProviderMailpit
		fallthrough
	case mailbox.ProviderMailpit:
		if n.Mailbox.MailpitURL == "" {
			errs = append(errs, &MissingError{Field: "mailbox.mailpit.url", EnvVar: EnvMailpitAPIURL})
		}
	case mailbox.ProviderMailtrap:
		if n.Mailbox.MailtrapToken == "" {
			errs = append(errs, &MissingError{Field: "mailbox.mailtrap.apiToken", EnvVar: EnvMailtrapAPIToken})
		}
	default:
		errs = append(errs, &InvalidError{
			Field: "mailbox.provider",
			Value: n.Mailbox.Provider,
			Err: fmt.Errorf(
				"must be %q or %q",
				mailbox.ProviderMailpit,
				mailbox.ProviderMailtrap,
			),
		})
	}
	if len(errs) == 0 {
		// Catches bad URLs and limits early, before anything is sent.
		if _, err := mailbox.New(n.Mailbox); err != nil {
			errs = append(errs, &InvalidError{Field: "mailbox", Value: n.Mailbox.Provider, Err: err})
		}
	}

	w, err := n.Wait.CheckAndSetDefaults()
	if err != nil {
		errs = append(errs, &InvalidError{
			Field: "wait",
			Value: fmt.Sprintf("%v/%v", n.Wait.Timeout, n.Wait.PollInterval),
			Err:   err,
		})
	}
	n.Wait = w

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return n, nil
}

// LoadDotEnv loads variables from a dotenv file without overriding ones that
// are already set. A missing file isn't an error. An empty path means
// DotEnvFile.
func LoadDotEnv(path string) error {
	if path == "" {
		path = DotEnvFile
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("path", path).Msg("no dotenv file to load")
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("can't load the dotenv file %v: %v", path, err)
	}
	log.Debug().Str("path", path).Msg("loaded the dotenv file")
	return nil
}

// Load builds a validated Config from Defaults, then the YAML file at path
// (skipped if path is empty), then the environment.
func Load(path string, lookup LookupFunc) (Config, error) {
	c := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("can't open the config file: %v", err)
		}
		defer f.Close()
		p, err := Parse(f)
		if err != nil {
			return Config{}, err
		}
		c = *p
	}
	if err := c.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	return c.CheckAndSetDefaults()
}

// WriteRelayAuth writes the auth files read by relays that take their
// credentials from disk: client-auth.txt holds "client plain <user> <pass>"
// and server-auth.txt is empty. dir is created if needed.
func WriteRelayAuth(dir, username, password string) error {
	if username == "" || password == "" {
		return errors.New("must supply a username and password for the relay auth file")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("can't create the relay config directory: %v", err)
	}

	client := filepath.Join(dir, "client-auth.txt")
	line := fmt.Sprintf("client plain %v %v", username, password)
	if err := os.WriteFile(client, []byte(line), 0o600); err != nil {
		return fmt.Errorf("can't write %v: %v", client, err)
	}

	server := filepath.Join(dir, "server-auth.txt")
	if err := os.WriteFile(server, []byte{}, 0o600); err != nil {
		return fmt.Errorf("can't write %v: %v", server, err)
	}
	return nil
}
