package e2e

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptgott/relaycheck/check"
	"github.com/ptgott/relaycheck/email"
	"github.com/ptgott/relaycheck/fakedata"
	"github.com/ptgott/relaycheck/mailbox"
	"github.com/ptgott/relaycheck/message"
	"github.com/ptgott/relaycheck/userconfig"
	"github.com/ptgott/relaycheck/verify"
	"github.com/ptgott/relaycheck/waitfor"
)

// newRunner builds a check.Runner from c the same way the run command does.
func newRunner(t *testing.T, c userconfig.Config, seed int64) *check.Runner {
	t.Helper()
	sender, err := email.NewSender(c.SMTP, fakedata.NewGenerator(seed))
	require.NoError(t, err)
	inspector, err := mailbox.New(c.Mailbox)
	require.NoError(t, err)
	return &check.Runner{
		Sender:      sender,
		Inspector:   inspector,
		Wait:        c.Wait,
		MaxMessages: c.Mailbox.MaxMessages,
		Metrics:     check.NewMetrics(),
	}
}

// Run the whole suite from a config file, the way the CLI would, against
// each kind of mailbox.
func TestScenarios(t *testing.T) {
	testCases := []struct {
		description string
		conf        testEnvironmentConfig
	}{
		{
			description: "mailpit",
			conf:        testEnvironmentConfig{provider: mailbox.ProviderMailpit},
		},
		{
			description: "mailpit with starttls and auth",
			conf: testEnvironmentConfig{
				provider: mailbox.ProviderMailpit,
				auth:     true,
				tls:      true,
			},
		},
		{
			description: "mailpit with slow delivery",
			conf: testEnvironmentConfig{
				provider: mailbox.ProviderMailpit,
				delay:    time.Duration(500) * time.Millisecond,
			},
		},
		{
			description: "mailtrap",
			conf: testEnvironmentConfig{
				provider: mailbox.ProviderMailtrap,
				auth:     true,
				delay:    time.Duration(200) * time.Millisecond,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			te := startTestEnvironment(t, tc.conf)
			c := te.loadConfig(t)
			assert.Equal(t, tc.conf.provider, c.Mailbox.Provider)
			assert.Equal(t, tc.conf.tls, c.SMTP.StartTLS)

			gen := fakedata.NewGenerator(5)
			r := newRunner(t, c, 5)
			results := r.Run(context.Background(), check.Suite(func() int {
				return gen.Count(10)
			}))

			require.Len(t, results, 3)
			for _, res := range results {
				assert.NoError(t, res.Err, res.Name)
			}
			assert.Equal(t, 0, te.Store.Len())
		})
	}
}

// A single email with a known subject goes through the relay and comes back
// with every field intact.
func TestConcreteScenario(t *testing.T) {
	te := startTestEnvironment(t, testEnvironmentConfig{})
	c := te.loadConfig(t)
	r := newRunner(t, c, 9)
	ctx := context.Background()
	require.NoError(t, r.Setup(ctx))
	t.Cleanup(func() { r.Teardown(ctx) })

	sender := r.Sender.(*email.Sender)
	out, err := sender.Compose(email.Batch{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	o := out[0]
	o.Subject = "[Test] - Example sentence"
	require.NoError(t, sender.Deliver(ctx, o))

	n, err := r.WaitForCount(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ids, err := r.Inspector.Messages(ctx)
	require.NoError(t, err)
	pairs, err := verify.Correlate(ctx, []message.Outbound{o}, ids, r.Inspector.Message, nil)
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	got := pairs[0].Received
	assert.Equal(t, "[Test] - Example sentence", got.Subject)
	assert.Equal(t, o.Sender, got.Sender)
	assert.Equal(t, o.Recipients, got.Recipients)
	assert.Nil(t, got.Cc)
	assert.Nil(t, got.Bcc)
	assert.Nil(t, got.ReplyTo)
	assert.True(t, got.ContainsMarker(o.Marker))
}

// Nothing is sent, so waiting for a message has to give up on time.
func TestDeliveryTimeout(t *testing.T) {
	te := startTestEnvironment(t, testEnvironmentConfig{timeout: "1s", poll: "1s"})
	c := te.loadConfig(t)
	inspector, err := mailbox.New(c.Mailbox)
	require.NoError(t, err)

	w, err := waitfor.New("1 message to be received", c.Wait)
	require.NoError(t, err)
	found, err := waitfor.Until(context.Background(), w, func(ctx context.Context) (bool, error) {
		ids, err := inspector.Messages(ctx)
		return len(ids) == 1, err
	})
	assert.False(t, found)
	var timeoutErr *waitfor.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.ErrorIs(t, err, waitfor.ErrTimeout)
	assert.LessOrEqual(t, w.Elapsed(), 2*time.Second)
}

// Without a Mailtrap token in the environment the config doesn't load.
func TestMissingMailtrapToken(t *testing.T) {
	te := startTestEnvironment(t, testEnvironmentConfig{provider: mailbox.ProviderMailtrap})
	delete(te.vars, userconfig.EnvMailtrapAPIToken)

	_, err := userconfig.Load(te.configPath, te.lookup)
	var me *userconfig.MissingError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, userconfig.EnvMailtrapAPIToken, me.EnvVar)
}
