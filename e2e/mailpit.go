package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ptgott/relaycheck/mailbox"
	"github.com/ptgott/relaycheck/waitfor"
)

// Mailpit contains information used for managing a Mailpit server running as
// a child process.
//
// Implements smtptest.Server.
type Mailpit struct {
	// path to the mailpit executable
	binPath string
	// port of the running Mailpit SMTP endpoint (which is always local)
	smtpPort int
	// port for the Mailpit API endpoint (which is always local)
	apiPort int
	// proc is used for managing the Mailpit process
	proc *os.Process
}

// NewMailpit prepares a Mailpit on two free local ports. Call Start to launch
// it.
func NewMailpit(binPath string) (*Mailpit, error) {
	sp, err := freePort()
	if err != nil {
		return nil, err
	}
	ap, err := freePort()
	if err != nil {
		return nil, err
	}
	return &Mailpit{binPath: binPath, smtpPort: sp, apiPort: ap}, nil
}

// freePort asks the kernel for an unused port. Something else could grab it
// before Mailpit does, but that's unlikely enough for tests.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("can't find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Start runs the Mailpit executable and waits until its API answers. The
// SMTP endpoint accepts any credentials, with or without TLS.
func (mp *Mailpit) Start() error {
	if mp.apiPort == 0 || mp.smtpPort == 0 {
		return errors.New("must specify an API and SMTP port for Mailpit")
	}

	_, err := os.Lstat(mp.binPath)

	if err != nil {
		return fmt.Errorf("can't find the Mailpit executable: %v", err)
	}

	c := exec.Command(
		mp.binPath,
		"--smtp", mp.Address(),
		"--listen", net.JoinHostPort("127.0.0.1", strconv.Itoa(mp.apiPort)),
		"--smtp-auth-accept-any",
		"--smtp-auth-allow-insecure",
	)
	err = c.Start()

	if err != nil {
		return fmt.Errorf("could not start Mailpit: %v", err)
	}

	mp.proc = c.Process

	return mp.waitReady()
}

// waitReady polls the messages API until Mailpit serves it.
func (mp *Mailpit) waitReady() error {
	insp, err := mailbox.NewMailpit(mailbox.Config{
		BaseURL:        mp.APIURL(),
		RequestTimeout: time.Second,
	})
	if err != nil {
		return err
	}
	w, err := waitfor.New("Mailpit to start", waitfor.Config{
		Timeout:      time.Duration(10) * time.Second,
		PollInterval: time.Duration(200) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	_, err = waitfor.Until(context.Background(), w, func(ctx context.Context) (bool, error) {
		_, err := insp.Messages(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Mailpit isn't ready yet")
		}
		return err == nil, nil
	})
	return err
}

// Close attempts to gracefully terminate the Mailpit process and, failing
// that, kill it abruptly.
func (mp *Mailpit) Close() {
	// If the process isn't running, don't worry about attempting to exit it
	if mp.proc == nil {
		return
	}

	err := mp.proc.Signal(os.Interrupt)
	if err != nil {
		err = mp.proc.Kill()
		if err != nil {
			// we don't want to return an error here--panic so the user can
			// chase down the process manually.
			panic(fmt.Sprintf("could not terminate process %v: %v", mp.proc.Pid, err))
		}
	}
	mp.proc.Wait()
	mp.proc = nil
}

// mailpitSummary is the part of a message listing that RetrieveEmails needs.
// https://mailpit.axllent.org/docs/api-v1/view.html#get-/api/v1/messages
type mailpitSummary struct {
	Messages []struct {
		ID      string    `json:"ID"`
		Created time.Time `json:"Created"`
	} `json:"messages"`
}

// RetrieveEmails returns the raw source of the messages Mailpit received after
// epoch nanoseconds t, oldest first.
func (mp *Mailpit) RetrieveEmails(t int64) ([]string, error) {
	b, err := mp.get("api/v1/messages")
	if err != nil {
		return []string{}, err
	}
	var m mailpitSummary
	if err := json.Unmarshal(b, &m); err != nil {
		return []string{}, fmt.Errorf(
			"can't read the API response as JSON: %v", err,
		)
	}

	s := []string{}
	// Mailpit lists newest first
	for i := len(m.Messages) - 1; i >= 0; i-- {
		if m.Messages[i].Created.UnixNano() <= t {
			continue
		}
		raw, err := mp.get("api/v1/message/" + m.Messages[i].ID + "/raw")
		if err != nil {
			return []string{}, err
		}
		s = append(s, string(raw))
	}
	return s, nil
}

func (mp *Mailpit) get(path string) ([]byte, error) {
	resp, err := http.Get(mp.APIURL() + path)
	if err != nil {
		return nil, fmt.Errorf(
			"can't retrieve emails from the local Mailpit server: %v", err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf(
			"got non-200 status code of %v from the Mailpit API",
			resp.Status,
		)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf(
			"can't read emails from the local Mailpit server: %v", err,
		)
	}
	if len(b) == 0 {
		return nil, errors.New(
			"got an empty response body from the Mailpit server",
		)
	}
	return b, nil
}

// Address retrieves the address of the SMTP server
func (mp *Mailpit) Address() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(mp.smtpPort))
}

// SMTPPort returns the port of the SMTP endpoint.
func (mp *Mailpit) SMTPPort() int {
	return mp.smtpPort
}

// APIURL returns the base URL of the HTTP API, with a trailing slash.
func (mp *Mailpit) APIURL() string {
	return fmt.Sprintf("http://127.0.0.1:%v/", mp.apiPort)
}
