package testbed

import (
	"sync"
	"time"

	"github.com/goombaio/namegenerator"
)

var (
	namegenOnce sync.Once
	namegen     namegenerator.Generator
)

// RandomName returns a short human-readable token, used for sandbox
// directories, generated hostnames, and ad-hoc deployment names.
func RandomName() string {
	namegenOnce.Do(func() {
		namegen = namegenerator.NewNameGenerator(time.Now().UTC().UnixNano())
	})
	return namegen.Generate()
}
