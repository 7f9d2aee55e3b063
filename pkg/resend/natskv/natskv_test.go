package natskv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyEncoding(t *testing.T) {
	tests := []string{
		"",
		"plain",
		"alice@example.org>postmaster@example.org",
		"3f1c9a7e-0000-4000-8000-000000000001:bob@example.org",
		"with spaces and ünïcode",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			enc := encodePart(s)
			assert.Regexp(t, `^[-_=a-zA-Z0-9]+$`, enc)
			assert.NotContains(t, enc, ".")

			dec, err := decodePart(enc)
			require.NoError(t, err)
			assert.Equal(t, s, dec)
		})
	}
}

func TestKey_SeparatesChannels(t *testing.T) {
	a := key("ch-a", "m1")
	b := key("ch-b", "m1")
	assert.NotEqual(t, a, b)
	assert.Equal(t, encodePart("ch-a")+"."+encodePart("m1"), a)
}
