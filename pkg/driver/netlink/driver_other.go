//go:build !linux

package netlink

import (
	"fmt"

	"github.com/mazdakn/uqueue/pkg/driver"
)

// Open returns an error on non-Linux systems.
func Open(cfg Config) (driver.Driver, error) {
	return nil, fmt.Errorf("netfilter queues are only supported on Linux")
}
