package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"Single sign-on (SSO)", []string{"single", "sign", "on", "sso"}},
		{"SAML 2.0.", []string{"saml", "2", "0"}},
		{"7-day grace", []string{"7", "day", "grace"}},
		{"café naïve", []string{"caf", "na", "ve"}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Tokenize(tt.in), tt.in)
	}
}

func TestContentDropsStopwords(t *testing.T) {
	got := Content("What is the default SSO session timeout?")
	assert.Equal(t, []string{"what", "default", "sso", "session", "timeout"}, got)
	assert.Empty(t, Content("the a an is of"))
}

func TestSetOverlap(t *testing.T) {
	a := ContentSet("default session timeout")
	b := ContentSet("The default SSO session timeout is 8 hours")
	assert.Equal(t, 3, a.Overlap(b))
	assert.Equal(t, 3, b.Overlap(a))
	assert.Equal(t, 0, a.Overlap(Set{}))
}
