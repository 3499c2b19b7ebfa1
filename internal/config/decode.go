package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"tun2r/internal/crypto"
	"tun2r/internal/errcode"
)

// DefaultSecret decrypts blobs when no key is supplied through the
// environment.
const DefaultSecret = "tun2r-portal-config"

// Decoder turns the opaque config blob into a validated TunnelConfig.
type Decoder struct {
	secret []byte
}

func NewDecoder(secret string) *Decoder {
	if secret == "" {
		secret = DefaultSecret
	}
	return &Decoder{secret: []byte(secret)}
}

// Decode accepts a base64 sealed blob, or a cleartext JSON object.
func (d *Decoder) Decode(blob string) (*TunnelConfig, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, errcode.New(errcode.KindNullConfig, "decode config", nil)
	}

	if strings.HasPrefix(blob, "{") {
		return parse([]byte(blob))
	}

	raw, err := decodeBase64(blob)
	if err != nil {
		return nil, errcode.New(errcode.KindConfigParse, "decode config", err)
	}

	plain, err := crypto.OpenBlob(raw, d.secret)
	if err != nil {
		return nil, errcode.New(errcode.KindConfigLoad, "decrypt config", err)
	}
	return parse(plain)
}

// LoadFile reads a sealed blob from disk. An empty path means
// DefaultConfigFile in the working directory.
func (d *Decoder) LoadFile(path string) (*TunnelConfig, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errcode.New(errcode.KindConfigLoad, "read config file", err)
	}
	return d.Decode(string(data))
}

// Seal produces a blob Decode accepts.
func Seal(cfg *TunnelConfig, secret string) (string, error) {
	if secret == "" {
		secret = DefaultSecret
	}
	plain, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.SealBlob(plain, []byte(secret))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func parse(data []byte) (*TunnelConfig, error) {
	var cfg TunnelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errcode.New(errcode.KindConfigParse, "parse config", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, errcode.New(errcode.KindConfigLoad, "validate config", err)
	}
	return &cfg, nil
}

var errNotBase64 = errors.New("config: blob is not base64")

func decodeBase64(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, errNotBase64
}
