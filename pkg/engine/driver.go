package engine

import (
	"github.com/mazdakn/uqueue/pkg/config"
	"github.com/mazdakn/uqueue/pkg/driver"
	"github.com/mazdakn/uqueue/pkg/driver/gonfq"
	"github.com/mazdakn/uqueue/pkg/driver/netlink"
	"github.com/sirupsen/logrus"
)

// OpenDriver opens the kernel transport named in conf.
func OpenDriver(conf config.Queue) (driver.Driver, error) {
	switch conf.Driver {
	case config.DriverGoNFQ:
		flags, err := driver.ParseQueueFlags(conf.Flags)
		if err != nil {
			return nil, err
		}
		drv, err := gonfq.Open(gonfq.Config{
			MaxPacketLen: conf.CopyRange,
			MaxQueueLen:  conf.MaxLen,
			Flags:        uint32(flags),
			ReadTimeout:  conf.ReadTimeout,
			Logger:       logrus.WithField("component", "gonfq"),
		})
		if err != nil {
			return nil, err
		}
		return drv, nil
	}

	drv, err := netlink.Open(netlink.Config{
		ReadTimeout: conf.ReadTimeout,
		ReadBuffer:  conf.ReadBuffer,
		Logger:      logrus.WithField("component", "netlink"),
	})
	if err != nil {
		return nil, err
	}
	return drv, nil
}
