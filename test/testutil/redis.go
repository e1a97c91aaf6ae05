package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// StartMiniRedis starts an in-process Redis server that is stopped when the test ends.
func StartMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	return miniredis.RunT(t)
}
