package main

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRecoverStream(t *testing.T) {
	tests := []struct {
		name      string
		exhausted bool
		autoRetry bool
		retried   bool
		logged    bool
	}{
		{"connected", false, true, false, false},
		{"exhausted without opt in", true, false, false, true},
		{"exhausted with auto retry", true, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			calls := 0
			got := recoverStream(tt.exhausted, tt.autoRetry, func() { calls++ }, zerolog.New(&buf))

			assert.Equal(t, tt.retried, got)
			if tt.retried {
				assert.Equal(t, 1, calls)
			} else {
				assert.Zero(t, calls)
			}
			assert.Equal(t, tt.logged, buf.Len() > 0)
		})
	}
}
