package smtptest

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptgott/relaycheck/message"
)

func testOutbound() message.Outbound {
	return message.Outbound{
		Sender:     message.Profile{Name: "Ada Lovelace", Address: "ada@example.com"},
		Recipients: []message.Profile{{Name: "Charles Babbage", Address: "charles@example.com"}},
		Cc:         []message.Profile{{Name: "Mary Somerville", Address: "mary@example.com"}},
		Bcc:        []message.Profile{{Address: "hidden@example.com"}},
		Subject:    "[Test] - Example sentence",
		BodyText:   "This is a test e-mail message with random string 3fae2c1e-6b1d-4c38-9d53-2b2f0c1e8a77 to check.\n",
		Marker:     "3fae2c1e-6b1d-4c38-9d53-2b2f0c1e8a77",
	}
}

// send delivers o to addr with a bare go-smtp client.
func send(t *testing.T, addr string, o message.Outbound, auth sasl.Client, tlsc *tls.Config) error {
	t.Helper()
	var c *smtp.Client
	var err error
	if tlsc != nil {
		c, err = smtp.DialStartTLS(addr, tlsc)
	} else {
		c, err = smtp.Dial(addr)
	}
	require.NoError(t, err)
	defer c.Close()

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(o.Sender.Address, nil); err != nil {
		return err
	}
	for _, r := range o.EnvelopeRecipients() {
		if err := c.Rcpt(r, nil); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := o.WriteTo(w); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func TestRelayStoresMessages(t *testing.T) {
	testCases := []struct {
		description   string
		opts          EnvOptions
		auth          sasl.Client
		useTLS        bool
		shouldBeError bool
	}{
		{
			description: "no auth",
		},
		{
			description: "auth",
			opts:        EnvOptions{Auth: true},
			auth:        sasl.NewPlainClient("", TestUsername, TestPassword),
		},
		{
			description:   "auth required but not given",
			opts:          EnvOptions{Auth: true},
			shouldBeError: true,
		},
		{
			description:   "wrong password",
			opts:          EnvOptions{Auth: true},
			auth:          sasl.NewPlainClient("", TestUsername, "nope"),
			shouldBeError: true,
		},
		{
			description: "starttls and auth",
			opts:        EnvOptions{Auth: true, TLS: true},
			auth:        sasl.NewPlainClient("", TestUsername, TestPassword),
			useTLS:      true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			env := NewEnv(t, tc.opts)
			var tlsc *tls.Config
			if tc.useTLS {
				tlsc = &tls.Config{InsecureSkipVerify: true} // self-signed
			}

			start := time.Now().UnixNano()
			err := send(t, env.Relay.Address(), testOutbound(), tc.auth, tlsc)
			if (err != nil) != tc.shouldBeError {
				t.Fatalf(
					"unexpected error status: wanted %v but got %v with error %v",
					tc.shouldBeError,
					err != nil,
					err,
				)
			}

			raw, err := env.Relay.RetrieveEmails(start)
			require.NoError(t, err)
			if tc.shouldBeError {
				assert.Empty(t, raw)
				return
			}
			require.Len(t, raw, 1)
			assert.Equal(t, []string{testOutbound().Marker}, ExtractMarkers(raw[0]))

			msgs := env.Store.Messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, "ada@example.com", msgs[0].From)
			assert.Equal(t,
				[]string{"charles@example.com", "mary@example.com", "hidden@example.com"},
				msgs[0].To,
			)
		})
	}
}

func TestParseInbound(t *testing.T) {
	o := testOutbound()
	o.ReplyTo = []message.Profile{{Name: "Replies", Address: "replies@example.com"}}
	o.BodyHTML = "<p>" + o.Marker + "</p>"
	raw, err := o.Payload()
	require.NoError(t, err)

	in, err := parseInbound("abc", raw)
	require.NoError(t, err)
	assert.Equal(t, "abc", in.ID)
	assert.Equal(t, o.Sender, in.Sender)
	assert.Equal(t, o.Recipients, in.Recipients)
	assert.Equal(t, o.Cc, in.Cc)
	assert.Equal(t, o.Bcc, in.Bcc)
	assert.Equal(t, o.ReplyTo, in.ReplyTo)
	assert.Equal(t, o.Subject, in.Subject)
	assert.True(t, in.ContainsMarker(o.Marker))
	assert.Contains(t, in.BodyHTML, o.Marker)
}

func TestStoreDelay(t *testing.T) {
	st := NewStore()
	st.SetDelay(time.Hour)
	raw, err := testOutbound().Payload()
	require.NoError(t, err)
	id, err := st.Save("ada@example.com", []string{"charles@example.com"}, raw)
	require.NoError(t, err)

	assert.Equal(t, 1, st.Len())
	assert.Empty(t, st.Messages())
	_, ok := st.Message(id)
	assert.True(t, ok)

	st.SetDelay(0)
	assert.Len(t, st.Messages(), 1)
	assert.Equal(t, 1, st.DeleteAll())
	assert.Equal(t, 0, st.Len())
}

func TestMailpitAPI(t *testing.T) {
	env := NewEnv(t, EnvOptions{})
	for i := 0; i < 3; i++ {
		o := testOutbound()
		o.Subject = fmt.Sprintf("message %v", i)
		require.NoError(t, send(t, env.Relay.Address(), o, nil, nil))
	}

	get := func(path string, out interface{}) int {
		resp, err := http.Get(env.Mailpit.URL() + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		if out != nil && resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
		}
		return resp.StatusCode
	}

	var list mailpitList
	require.Equal(t, http.StatusOK, get("api/v1/messages?limit=2", &list))
	assert.Equal(t, 3, list.Total)
	require.Len(t, list.Messages, 2)
	assert.Equal(t, "message 2", list.Messages[0].Subject, "newest first")

	var m mailpitMessage
	require.Equal(t, http.StatusOK, get("api/v1/message/"+list.Messages[0].ID, &m))
	assert.Equal(t, "ada@example.com", m.From.Address)
	assert.Len(t, m.Cc, 1)
	assert.NotNil(t, m.ReplyTo)
	assert.Empty(t, m.ReplyTo)

	assert.Equal(t, http.StatusNotFound, get("api/v1/message/nope", nil))

	env.Mailpit.FailNext(http.StatusInternalServerError)
	assert.Equal(t, http.StatusInternalServerError, get("api/v1/messages", nil))

	req, err := http.NewRequest(http.MethodDelete, env.Mailpit.URL()+"api/v1/messages", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, env.Store.Len())
}

func TestMailtrapAPIToken(t *testing.T) {
	env := NewEnv(t, EnvOptions{})

	req, err := http.NewRequest(http.MethodGet, strings.TrimSuffix(env.Mailtrap.URL(), "/"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Api-Token", TestAPIToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(b), `"id":1001`)
}

func TestExtractMarkers(t *testing.T) {
	testCases := []struct {
		description string
		body        string
		expected    []string
	}{
		{
			description: "empty",
			body:        "",
			expected:    []string{},
		},
		{
			description: "two markers",
			body:        "a 3fae2c1e-6b1d-4c38-9d53-2b2f0c1e8a77 b 00000000-0000-0000-0000-000000000000",
			expected: []string{
				"3fae2c1e-6b1d-4c38-9d53-2b2f0c1e8a77",
				"00000000-0000-0000-0000-000000000000",
			},
		},
		{
			description: "uppercase isn't a marker",
			body:        "3FAE2C1E-6B1D-4C38-9D53-2B2F0C1E8A77",
			expected:    nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			assert.Equal(t, tc.expected, ExtractMarkers(tc.body))
		})
	}
}
