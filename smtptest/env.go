package smtptest

import (
	"testing"
	"time"
)

const (
	// Credentials the relay requires when EnvOptions.Auth is set
	TestUsername = "relaycheck"
	TestPassword = "relaycheck-password"
	// Token the fake Mailtrap API requires
	TestAPIToken = "relaycheck-api-token"
)

// EnvOptions controls what NewEnv sets up.
type EnvOptions struct {
	// Require AUTH PLAIN with TestUsername and TestPassword
	Auth bool
	// Offer STARTTLS with a throwaway self-signed certificate
	TLS bool
	// How long delivered messages stay invisible to the fake APIs
	Delay time.Duration
}

// Env is a relay plus the fake mailbox APIs that read from its store. Every
// Env gets its own store, so tests using separate Envs can't see each
// other's messages.
type Env struct {
	Store    *Store
	Relay    *InProcessServer
	Mailpit  *MailpitAPI
	Mailtrap *MailtrapAPI
	Username string
	Password string
}

// NewEnv starts an Env and registers its shutdown with t.Cleanup. It fails
// the test if anything can't start.
func NewEnv(t testing.TB, opts EnvOptions) *Env {
	t.Helper()

	st := NewStore()
	st.SetDelay(opts.Delay)

	ro := RelayOptions{}
	if opts.Auth {
		ro.Username = TestUsername
		ro.Password = TestPassword
	}
	if opts.TLS {
		k, c, err := GenerateTLSFiles(t)
		if err != nil {
			t.Fatalf("could not generate TLS files for the test relay: %v", err)
		}
		ro.KeyPath = k
		ro.CertPath = c
	}

	r, err := NewInProcessServer(st, ro)
	if err != nil {
		t.Fatalf("could not create the test relay: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("could not start the test relay: %v", err)
	}
	t.Cleanup(r.Close)

	mp := NewMailpitAPI(st)
	t.Cleanup(mp.Close)

	mt := NewMailtrapAPI(st, MailtrapOptions{
		Token:    TestAPIToken,
		Username: ro.Username,
		Password: ro.Password,
		Host:     r.Host(),
		Port:     r.Port(),
	})
	t.Cleanup(mt.Close)

	return &Env{
		Store:    st,
		Relay:    r,
		Mailpit:  mp,
		Mailtrap: mt,
		Username: ro.Username,
		Password: ro.Password,
	}
}
