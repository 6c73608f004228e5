package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("ACCESSGATE_TEST_MODE", "1")
		if os.Getenv("PG_DSN") == "" && os.Getenv("BOOTSTRAP_FILE") == "" {
			_ = os.Setenv("BOOTSTRAP_FILE", "deploy/bootstrap.yml")
		}
		if os.Getenv("STATE_BACKEND") == "" {
			_ = os.Setenv("STATE_BACKEND", "memory")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
