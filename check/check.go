package check

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ptgott/relaycheck/email"
	"github.com/ptgott/relaycheck/mailbox"
	"github.com/ptgott/relaycheck/message"
	"github.com/ptgott/relaycheck/verify"
	"github.com/ptgott/relaycheck/waitfor"
)

// Sender delivers a batch of generated emails. *email.Sender implements it.
type Sender interface {
	Send(ctx context.Context, b email.Batch) ([]message.Outbound, error)
}

// Runner drives scenarios against one relay and one mailbox. The mailbox is
// shared state, so a Runner runs one scenario at a time.
type Runner struct {
	Sender    Sender
	Inspector mailbox.Inspector
	// How long to wait for delivery. The Runner always waits silently and
	// checks the count itself.
	Wait waitfor.Config
	// Fields to compare. Nil means whatever the Inspector can observe.
	Fields []message.Field
	// Upper bound on emails per scenario. The mailbox API won't list more
	// than this. Zero means no bound.
	MaxMessages int
	// Optional
	Metrics *Metrics
}

// Scenario is one named check. Run is called between Setup and Teardown.
type Scenario struct {
	Name string
	Run  func(ctx context.Context, r *Runner) error
}

// Result is the outcome of a single Scenario.
type Result struct {
	Name     string
	Duration time.Duration
	Err      error
}

// Failed reports whether any Result has an error.
func Failed(results []Result) bool {
	for _, r := range results {
		if r.Err != nil {
			return true
		}
	}
	return false
}

func (r *Runner) fields() []message.Field {
	if len(r.Fields) > 0 {
		return r.Fields
	}
	return mailbox.Fields(r.Inspector)
}

// Setup empties the mailbox and makes sure it stays empty.
func (r *Runner) Setup(ctx context.Context) error {
	if err := r.Inspector.Empty(ctx); err != nil {
		return fmt.Errorf("could not empty the mailbox before the scenario: %w", err)
	}
	return r.expectCount(ctx, 0)
}

// Teardown empties the mailbox so later runs start clean.
func (r *Runner) Teardown(ctx context.Context) error {
	if err := r.Inspector.Empty(ctx); err != nil {
		return fmt.Errorf("could not empty the mailbox after the scenario: %w", err)
	}
	return nil
}

func (r *Runner) expectCount(ctx context.Context, n int) error {
	ids, err := r.Inspector.Messages(ctx)
	if err != nil {
		return fmt.Errorf("could not list messages: %w", err)
	}
	return verify.Count(n, len(ids))
}

// WaitForCount lists the mailbox until it holds at least n messages or the
// wait runs out, and returns the last count it saw. Running out of time isn't
// an error here: the caller compares the count.
func (r *Runner) WaitForCount(ctx context.Context, n int) (int, error) {
	c := r.Wait
	c.SilentTimeout = true
	w, err := waitfor.New(fmt.Sprintf("%v messages to be received", n), c)
	if err != nil {
		return 0, err
	}

	var last int
	_, err = waitfor.Until(ctx, w, func(ctx context.Context) (bool, error) {
		ids, err := r.Inspector.Messages(ctx)
		if err != nil {
			return false, fmt.Errorf("could not list messages: %w", err)
		}
		last = len(ids)
		return last >= n, nil
	})
	r.Metrics.addPolls(w.Polls() + 1)

	log.Debug().
		Int("expected", n).
		Int("found", last).
		Int("polls", w.Polls()).
		Dur("elapsed", w.Elapsed()).
		Msg("done waiting for delivery")
	return last, err
}

func (r *Runner) send(ctx context.Context, b email.Batch) ([]message.Outbound, error) {
	if r.MaxMessages > 0 && b.Messages > r.MaxMessages {
		return nil, fmt.Errorf(
			"can't send %v emails: the mailbox only lists %v",
			b.Messages,
			r.MaxMessages,
		)
	}
	sent, err := r.Sender.Send(ctx, b)
	r.Metrics.addSent(len(sent))
	if err != nil {
		return sent, fmt.Errorf("could not send test emails: %w", err)
	}
	return sent, nil
}

// deliverAndCheck sends b, waits for every email to arrive and compares each
// one with what was sent.
func (r *Runner) deliverAndCheck(ctx context.Context, b email.Batch) error {
	sent, err := r.send(ctx, b)
	if err != nil {
		return err
	}
	if _, err := r.WaitForCount(ctx, len(sent)); err != nil {
		return err
	}
	ids, err := r.Inspector.Messages(ctx)
	if err != nil {
		return fmt.Errorf("could not list messages: %w", err)
	}
	pairs, err := verify.Correlate(ctx, sent, ids, r.Inspector.Message, r.fields())
	if err != nil {
		return err
	}
	log.Debug().Int("count", len(pairs)).Msg("verified delivered emails")
	return nil
}

// EmptyMailbox sends n emails, makes sure all n arrive and then that
// emptying the mailbox, twice, leaves it empty.
func EmptyMailbox(n int) Scenario {
	return Scenario{
		Name: "empty mailbox",
		Run: func(ctx context.Context, r *Runner) error {
			sent, err := r.send(ctx, email.Batch{Messages: n})
			if err != nil {
				return err
			}
			got, err := r.WaitForCount(ctx, len(sent))
			if err != nil {
				return err
			}
			if err := verify.Count(len(sent), got); err != nil {
				return err
			}
			for i := 0; i < 2; i++ {
				if err := r.Inspector.Empty(ctx); err != nil {
					return fmt.Errorf("could not empty the mailbox: %w", err)
				}
				if err := r.expectCount(ctx, 0); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// SimpleFields sends a single email to a single recipient and checks every
// field of what arrives.
func SimpleFields() Scenario {
	return Scenario{
		Name: "simple text email fields",
		Run: func(ctx context.Context, r *Runner) error {
			return r.deliverAndCheck(ctx, email.Batch{})
		},
	}
}

// MultipleEmails sends n emails that share a sender, two recipients and one
// each of cc, bcc and reply-to, then checks every one.
func MultipleEmails(n int) Scenario {
	return Scenario{
		Name: "text email fields for multiple emails",
		Run: func(ctx context.Context, r *Runner) error {
			return r.deliverAndCheck(ctx, email.Batch{
				Messages:   n,
				Recipients: 2,
				Cc:         1,
				Bcc:        1,
				ReplyTo:    1,
			})
		},
	}
}

// Suite returns the standard scenarios. count picks how many emails the
// scenarios that send a batch use.
func Suite(count func() int) []Scenario {
	return []Scenario{
		EmptyMailbox(count()),
		SimpleFields(),
		MultipleEmails(count()),
	}
}

// Run runs each scenario in order, each between Setup and Teardown. A failed
// scenario doesn't stop the ones after it.
func (r *Runner) Run(ctx context.Context, scenarios []Scenario) []Result {
	log.Info().
		Int("count", len(scenarios)).
		Msg("launching scenarios")

	results := make([]Result, 0, len(scenarios))
	for _, s := range scenarios {
		start := time.Now()
		err := r.Setup(ctx)
		if err == nil {
			err = s.Run(ctx, r)
		}
		if terr := r.Teardown(ctx); terr != nil {
			err = errors.Join(err, terr)
		}

		res := Result{Name: s.Name, Duration: time.Since(start), Err: err}
		r.Metrics.observe(res)
		results = append(results, res)

		if err != nil {
			log.Error().
				Err(err).
				Str("scenario", s.Name).
				Dur("duration", res.Duration).
				Msg("scenario failed")
			continue
		}
		log.Info().
			Str("scenario", s.Name).
			Dur("duration", res.Duration).
			Msg("scenario passed")
	}
	return results
}
