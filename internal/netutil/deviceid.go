package netutil

import (
	"os"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
)

var deviceNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("tun2r.device"))

// DeviceID returns a stable identifier for this machine. It is derived from
// the OS host id, or the hostname when no host id is available.
func DeviceID() (string, error) {
	id, err := host.HostID()
	if err != nil || id == "" {
		if id, err = os.Hostname(); err != nil {
			return "", err
		}
	}
	return uuid.NewSHA1(deviceNamespace, []byte(id)).String(), nil
}
