package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_CONNECTION_STRING", "postgres://localhost/credits")
	t.Setenv("STRIPE_PRICE_PRO", "price_pro")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, int64(600), cfg.AllocationPro)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, "pgmq", cfg.RefundFlagSink)
	assert.Equal(t, map[string]string{"price_pro": "pro"}, cfg.PriceIDs())
	assert.True(t, cfg.IsDevelopment())

	err = cfg.ValidateServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET, STRIPE_SECRET_KEY, STRIPE_WEBHOOK_SECRET")
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing database", map[string]string{"DB_CONNECTION_STRING": ""}},
		{"unknown sink", map[string]string{"REFUND_FLAG_SINK": "kafka"}},
		{"pubsub without project", map[string]string{"REFUND_FLAG_SINK": "pubsub"}},
		{"batch too small", map[string]string{"BATCH_SIZE": "1"}},
		{"negative free tier", map[string]string{"FREE_GENERATIONS": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DB_CONNECTION_STRING", "postgres://localhost/credits")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
