package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/buncis/solid-queue/internal/config"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

func TestBuildKey(t *testing.T) {
	at := time.Date(2026, 3, 7, 14, 37, 59, 0, time.UTC)

	tests := []struct {
		window time.Duration
		want   string
	}{
		{time.Minute, "sq:default:succeeded:202603071437"},
		{5 * time.Minute, "sq:default:succeeded:202603071435"},
		{time.Hour, "sq:default:succeeded:2026030714"},
		{0, "sq:default:succeeded:202603071437"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, buildKey("default", "succeeded", at, tt.window), "window %s", tt.window)
	}
}

func TestBuildKeyUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	at := time.Date(2026, 3, 7, 16, 37, 0, 0, loc)
	assert.Equal(t, "sq:mail:failed:202603071437", buildKey("mail", "failed", at, time.Minute))
}

func TestFromConfigDisabled(t *testing.T) {
	assert.Nil(t, FromConfig(config.RedisConfig{}, logx.Nop()))

	s := FromConfig(config.RedisConfig{Addr: "127.0.0.1:0", TTL: config.Duration(time.Hour)}, logx.Nop())
	if assert.NotNil(t, s) {
		assert.Equal(t, time.Hour, s.ttl)
		assert.NoError(t, s.Close())
	}
}
