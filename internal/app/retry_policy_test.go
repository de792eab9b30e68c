package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/yourusername/teledm-go/internal/domain"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		attempt     int
		kind        domain.ErrorKind
		retryAfter  time.Duration
		maxAttempts int
		want        Decision
	}{
		{"first transient", 1, domain.KindTransient, 0, 3, Decision{ActionRetry, 5 * time.Second}},
		{"last allowed", 3, domain.KindTransient, 0, 3, Decision{ActionRetry, 5 * time.Second}},
		{"exhausted", 4, domain.KindTransient, 0, 3, Decision{Action: ActionGiveUp}},
		{"unlimited", 1000, domain.KindTransient, 0, 0, Decision{ActionRetry, 5 * time.Second}},
		{"rate limit hint wins", 1, domain.KindTransient, 30 * time.Second, 3, Decision{ActionRetry, 30 * time.Second}},
		{"short hint ignored", 1, domain.KindTransient, time.Second, 3, Decision{ActionRetry, 5 * time.Second}},
		{"permanent", 1, domain.KindPermanent, 0, 3, Decision{Action: ActionGiveUp}},
		{"cancelled", 1, domain.KindCancelled, 0, 3, Decision{Action: ActionCancel}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.attempt, tt.kind, tt.retryAfter, tt.maxAttempts, 5*time.Second)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecide_ZeroDelay(t *testing.T) {
	got := Decide(1, domain.KindTransient, 0, 5, 0)
	assert.Equal(t, ActionRetry, got.Action)
	assert.Equal(t, time.Duration(0), got.Delay)
}
