//go:build !linux

package gonfq

import (
	"fmt"

	"github.com/mazdakn/uqueue/pkg/driver"
)

// Open returns an error on non-Linux systems.
func Open(cfg Config) (driver.Driver, error) {
	return nil, fmt.Errorf("go-nfqueue is only supported on Linux")
}
