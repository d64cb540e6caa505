package meridian

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Engine background goroutines are owned by pebble and drain on
		// Close; the options below cover its lazily started helpers.
		goleak.IgnoreTopFunction("github.com/cockroachdb/pebble/internal/cache.(*tableCacheShard).releaseLoop"),
	)
}
