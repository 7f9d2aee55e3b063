package id

import (
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUID_Format(t *testing.T) {
	uuidRegex := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	for i := 0; i < 50; i++ {
		assert.Regexp(t, uuidRegex, UUID())
	}
}

func TestEnvelopeAndSession_AreUUIDs(t *testing.T) {
	assert.True(t, IsUUID(Envelope()))
	assert.True(t, IsUUID(Session()))
}

func TestShort_Format(t *testing.T) {
	s := Short()
	require.Len(t, s, 16)
	assert.Regexp(t, `^[0-9a-f]{16}$`, s)
	assert.Len(t, Instance(), 16)
}

func TestIsUUID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"canonical", "3f2504e0-4f89-41d3-9a0c-0305e82c3301", true},
		{"empty", "", false},
		{"blank", "   ", false},
		{"garbage", "not-a-uuid", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUUID(tt.in))
		})
	}
}

func TestUUID_ConcurrentUniqueness(t *testing.T) {
	const workers, perWorker = 8, 250

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				v := Envelope()
				mu.Lock()
				seen[v] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}
