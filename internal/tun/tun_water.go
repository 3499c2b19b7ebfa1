//go:build linux || darwin

package tun

import (
	"sync"

	"github.com/songgao/water"
)

type waterDevice struct {
	iface *water.Interface
	mtu   int

	closeOnce sync.Once
	closed    chan struct{}
}

func openWater(cfg Config) (*waterDevice, error) {
	iface, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: waterParams(cfg),
	})
	if err != nil {
		return nil, err
	}
	return &waterDevice{
		iface:  iface,
		mtu:    cfg.MTU,
		closed: make(chan struct{}),
	}, nil
}

func (d *waterDevice) Read(buf []byte) (int, error) {
	n, err := d.iface.Read(buf)
	if err != nil {
		select {
		case <-d.closed:
			return 0, ErrDeviceClosed
		default:
		}
	}
	return n, err
}

func (d *waterDevice) Write(buf []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, ErrDeviceClosed
	default:
	}
	return d.iface.Write(buf)
}

func (d *waterDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.iface.Close()
	})
	return err
}

func (d *waterDevice) Name() string {
	return d.iface.Name()
}

func (d *waterDevice) MTU() int {
	return d.mtu
}

var _ Device = (*waterDevice)(nil)
