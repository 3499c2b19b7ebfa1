package config

import "time"

// Network defaults
const (
	DefaultPort   = 9999
	DefaultMTU    = 1500
	MaxPacketSize = 65535
)

// Virtual network addressing
const (
	VirtualGatewayIP = "10.8.0.1"
	VirtualClientIP  = "10.8.0.2"
	VirtualMask      = "255.255.255.0"
	VirtualPrefixLen = 24
	DefaultDNS       = "1.1.1.1"
)

// Timeouts
const (
	ConnectTimeout   = 10 * time.Second
	HandshakeTimeout = 5 * time.Second
	StopTimeout      = 5 * time.Second
	ProbeTimeout     = time.Second
)

// Reconnect retry/backoff
const (
	ReconnectMaxAttempts = 5
	ReconnectBaseDelay   = 300 * time.Millisecond
	ReconnectMaxDelay    = 5 * time.Second
)

// Packet queue between device and transport, per direction.
const (
	QueueSize = 1024
	// DeviceReadRetry paces retries after a failed device read.
	DeviceReadRetry = 10 * time.Millisecond
)

// Liveness probing
const (
	ProbeMinInterval     = 100 * time.Millisecond
	ProbeDefaultInterval = 5 * time.Second
	ProbeLossWindow      = 20
)

// Relay sessions
const (
	MaxSessions     = 256
	SessionTimeout  = 2 * time.Minute
	CleanupInterval = 30 * time.Second
)

// Allowlist route refresh
const (
	RouteRefreshInterval = 5 * time.Second
)

// TUN device names
const (
	TunNameLinux   = "tun2r0"
	TunNameWindows = "Tun2R"
)

// Files and names
const (
	DefaultConfigFile = "encrypted_config.txt"
	RouteJournalFile  = "tun2r-routes.json"
	HelperServiceName = "tun2rwfp"
	ConfigKeyEnv      = "TUN2R_CONFIG_KEY"
)
