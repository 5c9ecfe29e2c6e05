package nvme

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithDefaultsFillsRetryLimitAndLogger(t *testing.T) {
	opts := TransportOptions{}.withDefaults()
	require.Equal(t, DefaultRetryLimit, opts.RetryLimit)
	require.NotNil(t, opts.Logger)
}

func TestWithDefaultsPreservesExplicitValues(t *testing.T) {
	opts := TransportOptions{RetryLimit: 9}.withDefaults()
	require.Equal(t, 9, opts.RetryLimit)
}
