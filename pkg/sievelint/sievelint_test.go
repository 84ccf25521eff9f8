package sievelint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fileintoScript = `require "fileinto";
if header :contains "subject" "invoice" {
    fileinto "Billing";
}
`

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(fileintoScript, []string{"fileinto", "vacation"}))
	assert.NoError(t, Validate("keep;\r\n", nil))
}

func TestValidateSyntaxError(t *testing.T) {
	err := Validate(`if header :contains "subject" "x" { keep;`, []string{"fileinto"})
	require.Error(t, err)

	var lintErr *Error
	require.True(t, errors.As(err, &lintErr))
	assert.True(t, lintErr.Conclusive())
	assert.Contains(t, err.Error(), "local validation failed")
}

func TestValidateExtensionNotAdvertised(t *testing.T) {
	err := Validate(fileintoScript, []string{"vacation"})
	require.Error(t, err)

	var lintErr *Error
	require.True(t, errors.As(err, &lintErr))
	assert.True(t, lintErr.Conclusive())
}

func TestValidateUncheckedExtensions(t *testing.T) {
	err := Validate(`require "body"; keep;`, []string{"fileinto", "body", "include"})
	require.Error(t, err)

	var lintErr *Error
	require.True(t, errors.As(err, &lintErr))
	assert.False(t, lintErr.Conclusive())
	assert.Equal(t, []string{"body", "include"}, lintErr.Unchecked)
}

func TestSplit(t *testing.T) {
	enabled, unchecked := Split([]string{"FileInto", "body", "vacation", "comparator-i;octet"})
	assert.Equal(t, []string{"fileinto", "vacation", "comparator-i;octet"}, enabled)
	assert.Equal(t, []string{"body"}, unchecked)

	enabled, unchecked = Split(nil)
	assert.NotNil(t, enabled)
	assert.Empty(t, enabled)
	assert.Nil(t, unchecked)
}
