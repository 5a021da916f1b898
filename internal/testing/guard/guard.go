// Package guard flips FISHTRADE_TEST_MODE on for any test binary importing it,
// so packages that start runtime side effects stay inert under go test.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("FISHTRADE_TEST_MODE") == "" {
			_ = os.Setenv("FISHTRADE_TEST_MODE", "1")
		}
	})
}
