// Package fakedata generates synthetic identities and text for test emails.
package fakedata

import (
	"fmt"
	"strings"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/ptgott/relaycheck/message"
)

// SubjectPrefix starts every generated subject line so test emails are easy
// to spot in a shared mailbox.
const SubjectPrefix = "[Test] - "

// Generator wraps a gofakeit.Faker. A Generator isn't goroutine safe.
type Generator struct {
	faker *gofakeit.Faker
}

// NewGenerator returns a Generator seeded with seed. A seed of 0 uses a
// random seed.
func NewGenerator(seed int64) *Generator {
	return &Generator{
		faker: gofakeit.New(seed),
	}
}

// Profile returns a random identity. The address is built from the name so
// the pair looks plausible in a mail client.
func (g *Generator) Profile() message.Profile {
	first := g.faker.FirstName()
	last := g.faker.LastName()
	local := strings.ToLower(fmt.Sprintf(
		"%v.%v%v",
		sanitize(first),
		sanitize(last),
		g.faker.Number(1, 999),
	))
	return message.Profile{
		Name:    first + " " + last,
		Address: local + "@" + g.faker.DomainName(),
	}
}

// Profiles returns n random identities, or nil if n is zero.
func (g *Generator) Profiles(n int) []message.Profile {
	if n <= 0 {
		return nil
	}
	p := make([]message.Profile, n)
	for i := range p {
		p[i] = g.Profile()
	}
	return p
}

// Subject returns a subject line with a four-word sentence after
// SubjectPrefix.
func (g *Generator) Subject() string {
	return SubjectPrefix + g.faker.Sentence(4)
}

// BodyText returns a plain text body that mentions marker on its first line,
// followed by a paragraph of filler.
func (g *Generator) BodyText(marker string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This is a test e-mail message with random string %v to check.\n\n", marker)
	b.WriteString(g.faker.Paragraph(1, 4, 12, "\n"))
	return b.String()
}

// Paragraph returns a single paragraph of filler text.
func (g *Generator) Paragraph() string {
	return g.faker.Paragraph(1, 3, 10, " ")
}

// Count returns a number between 1 and max inclusive. It returns 1 if max is
// less than 1.
func (g *Generator) Count(max int) int {
	if max <= 1 {
		return 1
	}
	return g.faker.Number(1, max)
}

// sanitize keeps the characters of s that are safe in the local part of an
// address.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}
