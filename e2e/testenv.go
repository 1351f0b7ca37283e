package e2e

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ptgott/relaycheck/mailbox"
	"github.com/ptgott/relaycheck/smtptest"
	"github.com/ptgott/relaycheck/userconfig"
)

// testEnvironmentConfig exposes options that should be available and
// perhaps changeable when spinning up a test environment. While they
// may not vary between tests, they shouldn't be buried inside
// functions.
type testEnvironmentConfig struct {
	provider string        // which fake mailbox API the app reads from
	auth     bool          // make the relay require credentials
	tls      bool          // offer STARTTLS and have the app use it
	delay    time.Duration // how long delivery takes
	timeout  string        // wait.timeout in the app config
	poll     string        // wait.pollInterval in the app config
}

// testEnvironment manages all dependencies required to simulate a "real"
// environment and run the e2e tests. Callers should create this via
// startTestEnvironment. Everything it starts is shut down by t.Cleanup.
type testEnvironment struct {
	*smtptest.Env
	configPath string
	// Environment variables the app would see
	vars map[string]string
}

// startTestEnvironment spins up a relay and the fake mailbox APIs, then
// writes an app config pointing at them.
func startTestEnvironment(t *testing.T, c testEnvironmentConfig) *testEnvironment {
	t.Helper()

	env := smtptest.NewEnv(t, smtptest.EnvOptions{
		Auth:  c.auth,
		TLS:   c.tls,
		Delay: c.delay,
	})

	if c.provider == "" {
		c.provider = mailbox.ProviderMailpit
	}
	if c.timeout == "" {
		c.timeout = "5s"
	}
	if c.poll == "" {
		c.poll = "100ms"
	}

	te := &testEnvironment{
		Env:        env,
		configPath: filepath.Join(t.TempDir(), "config.yaml"),
		vars: map[string]string{
			userconfig.EnvMailtrapAPIToken: smtptest.TestAPIToken,
		},
	}

	err := createAppConfig(te.configPath, appConfigOptions{
		RelayHost:    env.Relay.Host(),
		RelayPort:    env.Relay.Port(),
		Username:     env.Username,
		Password:     env.Password,
		StartTLS:     c.tls,
		Provider:     c.provider,
		MailpitURL:   env.Mailpit.URL(),
		MailtrapURL:  env.Mailtrap.URL(),
		Timeout:      c.timeout,
		PollInterval: c.poll,
	})
	if err != nil {
		t.Fatalf("can't create the app config: %v", err)
	}
	return te
}

// lookup lets userconfig read te.vars instead of the process environment.
func (te *testEnvironment) lookup(key string) (string, bool) {
	v, ok := te.vars[key]
	return v, ok
}

// loadConfig reads the app config the way the CLI does.
func (te *testEnvironment) loadConfig(t *testing.T) userconfig.Config {
	t.Helper()
	c, err := userconfig.Load(te.configPath, te.lookup)
	if err != nil {
		t.Fatalf("can't load the app config: %v", err)
	}
	return c
}
