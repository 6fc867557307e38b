package gateerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := RuleViolation("field %q is not allowed", "secret").WithTable("users")
	wrapped := fmt.Errorf("compile: %w", err)

	assert.True(t, errors.Is(wrapped, ErrRuleViolation))
	assert.False(t, errors.Is(wrapped, ErrJoinResolution))
	assert.True(t, IsRuleViolation(wrapped))
	assert.Equal(t, KindRuleViolation, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorRendersSortedContext(t *testing.T) {
	err := RuleViolation("field not allowed").
		WithTable("users").
		WithCommand("select").
		WithField("secret")

	assert.Equal(t,
		"[rule_violation] field not allowed\n  command: select\n  field: secret\n  table: users",
		err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("column \"x\" does not exist")
	err := Wrap(KindRuleViolation, cause, "forcedFilter probe failed")

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "cause: column \"x\" does not exist")
}

func TestSuggestSimilar(t *testing.T) {
	tests := []struct {
		input   string
		options []string
		want    string
	}{
		{"emial", []string{"id", "email", "name"}, "did you mean 'email'?"},
		{"zzzzzzzz", []string{"id", "email"}, ""},
		{"email", []string{"email"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, SuggestSimilar(tt.input, tt.options))
		})
	}
}
