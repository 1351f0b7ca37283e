package userconfig

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptgott/relaycheck/mailbox"
)

// envMap returns a LookupFunc backed by m.
func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestParse(t *testing.T) {
	testCases := []struct {
		description   string
		conf          string
		shouldBeError bool
		check         func(t *testing.T, c *Config)
	}{
		{
			description: "valid case",
			conf: `---
smtp:
    host: smtp.example.com
    port: 587
    username: relayuser
    password: relaypass
    startTLS: true
mailbox:
    provider: mailtrap
    mailtrap:
        apiToken: abc123
        accountID: 7
wait:
    timeout: 30s
    pollInterval: 2s
`,
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "smtp.example.com", c.SMTP.Host)
				assert.Equal(t, 587, c.SMTP.Port)
				assert.True(t, c.SMTP.StartTLS)
				assert.Equal(t, mailbox.ProviderMailtrap, c.Mailbox.Provider)
				assert.Equal(t, "abc123", c.Mailbox.MailtrapToken)
				assert.Equal(t, int64(7), c.Mailbox.MailtrapAcct)
				assert.Equal(t, 30*time.Second, c.Wait.Timeout)
				assert.Equal(t, 2*time.Second, c.Wait.PollInterval)
				// Untouched by the document
				assert.Equal(t, 50, c.Mailbox.MaxMessages)
			},
		},
		{
			description: "empty document keeps the defaults",
			conf:        ``,
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, Defaults(), *c)
			},
		},
		{
			description: "partial smtp section",
			conf: `smtp:
    port: 2525
`,
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "localhost", c.SMTP.Host)
				assert.Equal(t, 2525, c.SMTP.Port)
			},
		},
		{
			description:   "not yaml",
			shouldBeError: true,
			conf:          `this is not yaml`,
		},
		{
			description:   "bad port",
			shouldBeError: true,
			conf: `smtp:
    port: many
`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			c, err := Parse(bytes.NewBufferString(tc.conf))
			if (err != nil) != tc.shouldBeError {
				t.Fatalf(
					"%v: unexpected error status--wanted %v but got %v with error %v",
					tc.description,
					tc.shouldBeError,
					err != nil,
					err,
				)
			}
			if !tc.shouldBeError {
				tc.check(t, c)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Run("overrides", func(t *testing.T) {
		c := Defaults()
		err := c.ApplyEnv(envMap(map[string]string{
			EnvSMTPAddress:           "relay.internal",
			EnvSMTPPort:              "2525",
			EnvSMTPUsername:          "u",
			EnvSMTPPassword:          "p",
			EnvSMTPStartTLS:          "true",
			EnvSMTPTLSSkipVerify:     "1",
			EnvMailpitAPIPort:        "18025",
			EnvMailboxRequestTimeout: "3s",
			EnvMaxNumMessages:        "10",
			EnvWaitTimeout:           "5s",
			EnvWaitPollInterval:      "500ms",
		}))
		require.NoError(t, err)
		assert.Equal(t, "relay.internal", c.SMTP.Host)
		assert.Equal(t, 2525, c.SMTP.Port)
		assert.True(t, c.SMTP.AuthEnabled())
		assert.True(t, c.SMTP.StartTLS)
		assert.True(t, c.SMTP.InsecureSkipVerify)
		assert.Equal(t, "http://localhost:18025/", c.Mailbox.MailpitURL)
		assert.Equal(t, 3*time.Second, c.Mailbox.RequestTimeout)
		assert.Equal(t, 10, c.Mailbox.MaxMessages)
		assert.Equal(t, 5*time.Second, c.Wait.Timeout)
		assert.Equal(t, 500*time.Millisecond, c.Wait.PollInterval)
	})

	t.Run("url wins over port", func(t *testing.T) {
		c := Defaults()
		err := c.ApplyEnv(envMap(map[string]string{
			EnvMailpitAPIPort: "18025",
			EnvMailpitAPIURL:  "http://mailpit:8025/",
		}))
		require.NoError(t, err)
		assert.Equal(t, "http://mailpit:8025/", c.Mailbox.MailpitURL)
	})

	t.Run("nothing set", func(t *testing.T) {
		c := Defaults()
		require.NoError(t, c.ApplyEnv(envMap(nil)))
		assert.Equal(t, Defaults(), c)
	})

	t.Run("every bad value is reported", func(t *testing.T) {
		c := Defaults()
		err := c.ApplyEnv(envMap(map[string]string{
			EnvSMTPPort:     "twenty-five",
			EnvSMTPStartTLS: "sometimes",
			EnvWaitTimeout:  "a while",
		}))
		require.Error(t, err)
		var fields []string
		for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
			var ie *InvalidError
			require.True(t, errors.As(e, &ie))
			fields = append(fields, ie.Field)
		}
		assert.Equal(t, []string{"smtp.port", "smtp.startTLS", "wait.timeout"}, fields)
	})
}

func TestCheckAndSetDefaults(t *testing.T) {
	testCases := []struct {
		description   string
		modify        func(c *Config)
		shouldBeError bool
		missing       []string
		invalid       []string
	}{
		{
			description: "defaults are valid",
			modify:      func(c *Config) {},
		},
		{
			description: "mailtrap with a token",
			modify: func(c *Config) {
				c.Mailbox.Provider = mailbox.ProviderMailtrap
				c.Mailbox.MailtrapToken = "abc"
			},
		},
		{
			description: "no host",
			modify: func(c *Config) {
				c.SMTP.Host = ""
			},
			shouldBeError: true,
			missing:       []string{"smtp.host"},
		},
		{
			description: "mailtrap without a token",
			modify: func(c *Config) {
				c.Mailbox.Provider = mailbox.ProviderMailtrap
			},
			shouldBeError: true,
			missing:       []string{"mailbox.mailtrap.apiToken"},
		},
		{
			description: "unknown provider",
			modify: func(c *Config) {
				c.Mailbox.Provider = "imap"
			},
			shouldBeError: true,
			invalid:       []string{"mailbox.provider"},
		},
		{
			description: "bad mailpit url",
			modify: func(c *Config) {
				c.Mailbox.MailpitURL = "ftp://localhost"
			},
			shouldBeError: true,
			invalid:       []string{"mailbox"},
		},
		{
			description: "several problems at once",
			modify: func(c *Config) {
				c.SMTP.Host = ""
				c.Mailbox.MailpitURL = ""
				c.Wait.PollInterval = time.Minute
			},
			shouldBeError: true,
			missing:       []string{"smtp.host", "mailbox.mailpit.url"},
			invalid:       []string{"wait"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			c := Defaults()
			tc.modify(&c)
			_, err := c.CheckAndSetDefaults()
			if (err != nil) != tc.shouldBeError {
				t.Fatalf(
					"unexpected error status: wanted %v but got %v with error %v",
					tc.shouldBeError,
					err != nil,
					err,
				)
			}
			if !tc.shouldBeError {
				return
			}
			var missing, invalid []string
			for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
				var me *MissingError
				var ie *InvalidError
				switch {
				case errors.As(e, &me):
					missing = append(missing, me.Field)
				case errors.As(e, &ie):
					invalid = append(invalid, ie.Field)
				}
			}
			assert.Equal(t, tc.missing, missing)
			assert.Equal(t, tc.invalid, invalid)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(`smtp:
    host: from-file
mailbox:
    maxMessages: 5
`), 0o644)
	require.NoError(t, err)

	c, err := Load(path, envMap(map[string]string{
		EnvSMTPAddress: "from-env",
	}))
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.SMTP.Host, "the environment wins over the file")
	assert.Equal(t, 5, c.Mailbox.MaxMessages)
	assert.Equal(t, "localhost", c.SMTP.LocalName, "email defaults are applied")

	_, err = Load(filepath.Join(dir, "nope.yaml"), envMap(nil))
	assert.Error(t, err)

	c, err = Load("", envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, "localhost", c.SMTP.Host)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))

	path := filepath.Join(dir, ".env.test")
	require.NoError(t, os.WriteFile(path, []byte("RELAYCHECK_DOTENV_TEST=loaded\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("RELAYCHECK_DOTENV_TEST") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("RELAYCHECK_DOTENV_TEST"))
}

func TestWriteRelayAuth(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "relay")
	require.NoError(t, WriteRelayAuth(dir, "user", "pass"))

	b, err := os.ReadFile(filepath.Join(dir, "client-auth.txt"))
	require.NoError(t, err)
	assert.Equal(t, "client plain user pass", string(b))

	b, err = os.ReadFile(filepath.Join(dir, "server-auth.txt"))
	require.NoError(t, err)
	assert.Empty(t, b)

	assert.Error(t, WriteRelayAuth(dir, "", "pass"))
}
