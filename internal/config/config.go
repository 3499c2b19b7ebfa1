package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Mode selects how traffic is steered into the tunnel.
type Mode string

const (
	// ModeTunSwitch routes only the traffic of allowlisted processes when
	// GameExes is set, and everything otherwise.
	ModeTunSwitch Mode = "tun_switch"
	// ModeTunGlobal always routes all IPv4 traffic.
	ModeTunGlobal Mode = "tun_global"
)

func (m Mode) Valid() bool {
	return m == ModeTunSwitch || m == ModeTunGlobal
}

// LogLevel is the verbosity requested by the config.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

var (
	ErrMissingServer = errors.New("config: Server is required")
	ErrMissingToken  = errors.New("config: Token is required")
	ErrInvalidServer = errors.New("config: Server must be host:port")
	ErrUnknownMode   = errors.New("config: unknown Mode")
	ErrUnknownLevel  = errors.New("config: unknown LogLevel")
)

// TunnelConfig is the decoded session configuration. Field names follow
// the JSON document issued by the config portal.
type TunnelConfig struct {
	Mode     Mode     `json:"Mode"`
	Server   string   `json:"Server"`
	Token    string   `json:"Token"`
	LogLevel LogLevel `json:"LogLevel,omitempty"`
	GameExes []string `json:"GameExes,omitempty"`
	GameID   string   `json:"GameID,omitempty"`
}

// Normalize fills defaults and checks invariants.
func (c *TunnelConfig) Normalize() error {
	c.Server = strings.TrimSpace(c.Server)
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(string(c.LogLevel))))

	if c.Mode == "" {
		c.Mode = ModeTunSwitch
	}
	if c.LogLevel == "" {
		c.LogLevel = LogInfo
	}

	if c.Server == "" {
		return ErrMissingServer
	}
	if c.Token == "" {
		return ErrMissingToken
	}
	host, port, err := net.SplitHostPort(c.Server)
	if err != nil || host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidServer, c.Server)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("%w: bad port %q", ErrInvalidServer, port)
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}
	if !c.LogLevel.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownLevel, c.LogLevel)
	}

	exes := c.GameExes[:0]
	for _, exe := range c.GameExes {
		if exe = strings.TrimSpace(exe); exe != "" {
			exes = append(exes, exe)
		}
	}
	c.GameExes = exes
	return nil
}

// Host returns the server host without the port.
func (c *TunnelConfig) Host() string {
	host, _, _ := net.SplitHostPort(c.Server)
	return host
}

// DialAddress is the relay address to connect to once its host has been
// resolved to ip. It falls back to Server when ip is invalid.
func (c *TunnelConfig) DialAddress(ip netip.Addr) string {
	if !ip.IsValid() {
		return c.Server
	}
	_, port, err := net.SplitHostPort(c.Server)
	if err != nil {
		return c.Server
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return c.Server
	}
	return netip.AddrPortFrom(ip, uint16(n)).String()
}

// ProcessScoped reports whether routing is limited to the allowlist.
func (c *TunnelConfig) ProcessScoped() bool {
	return c.Mode == ModeTunSwitch && len(c.GameExes) > 0
}

// Clone returns a deep copy.
func (c *TunnelConfig) Clone() *TunnelConfig {
	cp := *c
	cp.GameExes = append([]string(nil), c.GameExes...)
	return &cp
}

func (c *TunnelConfig) String() string {
	return fmt.Sprintf("mode=%s server=%s game=%s exes=%d", c.Mode, c.Server, c.GameID, len(c.GameExes))
}
