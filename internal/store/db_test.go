package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolDefaults(t *testing.T) {
	got := Pool{}.withDefaults()
	assert.Equal(t, Pool{MaxOpenConns: 20, MaxIdleConns: 10, ConnMaxLifetime: 30 * time.Minute, ConnMaxIdleTime: 5 * time.Minute}, got)

	got = Pool{MaxOpenConns: 4, MaxIdleConns: 8, ConnMaxLifetime: time.Minute}.withDefaults()
	assert.Equal(t, 4, got.MaxOpenConns)
	assert.Equal(t, 4, got.MaxIdleConns, "idle connections never exceed the open limit")
	assert.Equal(t, time.Minute, got.ConnMaxLifetime)
}
