package fakedata

import (
	"net/mail"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile(t *testing.T) {
	g := NewGenerator(42)
	for i := 0; i < 50; i++ {
		p := g.Profile()
		require.NotEmpty(t, p.Name)
		a, err := mail.ParseAddress(p.Address)
		require.NoError(t, err, "generated an unparseable address: %v", p.Address)
		assert.Equal(t, p.Address, a.Address)
	}
}

func TestProfiles(t *testing.T) {
	g := NewGenerator(1)
	assert.Nil(t, g.Profiles(0))
	assert.Len(t, g.Profiles(3), 3)
}

func TestSubjectAndBody(t *testing.T) {
	g := NewGenerator(7)
	assert.True(t, strings.HasPrefix(g.Subject(), SubjectPrefix))

	marker := "3fae2c1e-6b1d-4c38-9d53-2b2f0c1e8a77"
	b := g.BodyText(marker)
	assert.Contains(t, b, marker)
	assert.True(t, strings.HasPrefix(b, "This is a test e-mail message"))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "OBrien", sanitize("O'Brien"))
	assert.Equal(t, "user", sanitize("'-"))
}

func TestCount(t *testing.T) {
	g := NewGenerator(3)
	assert.Equal(t, 1, g.Count(0))
	assert.Equal(t, 1, g.Count(1))
	for i := 0; i < 100; i++ {
		n := g.Count(50)
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 50)
	}
}
