package smtptest

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog/log"
)

// doubtful we'll get an email this big, but we need a limit
const defaultMaxMessageBytes int64 = 10 * units.MiB

// RelayOptions configures an InProcessServer.
type RelayOptions struct {
	// If both are set, clients must AUTH PLAIN with them before MAIL.
	Username string
	Password string
	// Paths to a TLS key and cert (see GenerateTLSFiles). If set, the relay
	// offers STARTTLS.
	KeyPath  string
	CertPath string
	// Defaults to 10 MiB
	MaxMessageBytes int64
}

func (o RelayOptions) authRequired() bool {
	return o.Username != "" && o.Password != ""
}

// Backend implements smtp.Backend. It hands out sessions that save to a
// Store.
type Backend struct {
	store *Store
	opts  RelayOptions
}

// NewSession implements smtp.Backend.
func (be *Backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{be: be}, nil
}

// session implements smtp.Session and smtp.AuthSession for a single
// connection.
type session struct {
	be     *Backend
	authed bool
	from   string
	to     []string
}

// AuthMechanisms implements smtp.AuthSession. Returning nothing keeps AUTH out
// of the EHLO response.
func (s *session) AuthMechanisms() []string {
	if !s.be.opts.authRequired() {
		return nil
	}
	return []string{sasl.Plain}
}

// Auth implements smtp.AuthSession.
func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain || !s.be.opts.authRequired() {
		return nil, smtp.ErrAuthUnsupported
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.be.opts.Username || password != s.be.opts.Password {
			return smtp.ErrAuthFailed
		}
		s.authed = true
		return nil
	}), nil
}

// Mail implements smtp.Session.
func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.be.opts.authRequired() && !s.authed {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

// Rcpt implements smtp.Session.
func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

// Data implements smtp.Session. Stores the email in memory for the fake
// mailbox APIs.
func (s *session) Data(r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	id, err := s.be.store.Save(s.from, s.to, buf)
	if err != nil {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      err.Error(),
		}
	}
	log.Debug().
		Str("id", id).
		Str("from", s.from).
		Int("recipients", len(s.to)).
		Msg("the test relay accepted a message")
	return nil
}

// Reset implements smtp.Session.
func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout implements smtp.Session. No-op here.
func (s *session) Logout() error { return nil }

// InProcessServer is an SMTP relay that runs in the same process as the
// test suite and drops every message into a Store. You must initialize this
// via NewInProcessServer.
type InProcessServer struct {
	*smtp.Server
	*Store
	listener net.Listener
}

// NewInProcessServer creates an InProcessServer that saves to st. Call
// Start to begin accepting connections.
func NewInProcessServer(st *Store, opts RelayOptions) (*InProcessServer, error) {
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if (opts.Username == "") != (opts.Password == "") {
		return nil, errors.New("the test relay needs both a username and a password, or neither")
	}

	srv := smtp.NewServer(&Backend{
		store: st,
		opts:  opts,
	})

	srv.Domain = "localhost"
	srv.MaxMessageBytes = opts.MaxMessageBytes
	srv.ReadTimeout = time.Duration(10) * time.Second
	srv.WriteTimeout = time.Duration(10) * time.Second
	// The clients under test authenticate over plaintext unless they're
	// asked to use STARTTLS.
	srv.AllowInsecureAuth = true

	if opts.KeyPath != "" || opts.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("can't load the test relay's TLS key pair: %v", err)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
	}

	return &InProcessServer{
		Server: srv,
		Store:  st,
	}, nil
}

// Start binds a random local port and serves in the background. It returns
// once the port is bound, so Address is usable right away.
func (is *InProcessServer) Start() error {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("can't listen for the test relay: %v", err)
	}
	is.listener = l
	is.Server.Addr = l.Addr().String()

	go func() {
		// Serve also returns an error once Close is called, which is expected.
		if err := is.Server.Serve(l); err != nil {
			log.Debug().Err(err).Msg("the test relay stopped")
		}
	}()
	return nil
}

// Close shuts down the test server. You must initialize a new
// InProcessServer instead of restarting this one.
func (is *InProcessServer) Close() {
	if err := is.Server.Close(); err != nil {
		log.Debug().Err(err).Msg("could not close the test relay")
	}
}

// Address returns the host:port of the test SMTP server.
func (is *InProcessServer) Address() string {
	return is.Server.Addr
}

// Host returns the host part of Address.
func (is *InProcessServer) Host() string {
	h, _, _ := net.SplitHostPort(is.Address())
	return h
}

// Port returns the port part of Address, or 0 before Start.
func (is *InProcessServer) Port() int {
	_, p, err := net.SplitHostPort(is.Address())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
