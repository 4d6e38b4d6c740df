package config

// Gateway auth error codes. These appear verbatim in API responses so
// clients can render pairing and auth hints.
const (
	ErrCodeAuthRequired           = "AUTH_REQUIRED"
	ErrCodeAuthTokenMissing       = "AUTH_TOKEN_MISSING"
	ErrCodeAuthUnauthorized       = "AUTH_UNAUTHORIZED"
	ErrCodePairingRequired        = "PAIRING_REQUIRED"
	ErrCodeDeviceIdentityRequired = "DEVICE_IDENTITY_REQUIRED"
)

// GatewayConfig holds the gateway listener settings. The transport
// itself (TLS, tailscale) is provided by external collaborators; the
// core only reads these values.
type GatewayConfig struct {
	Port           int             `yaml:"port" json:"port"`
	Bind           string          `yaml:"bind" json:"bind"`
	CustomBindHost string          `yaml:"customBindHost" json:"customBindHost"`
	TLS            GatewayTLS      `yaml:"tls" json:"tls"`
	Tailscale      TailscaleConfig `yaml:"tailscale" json:"tailscale"`
	Remote         RemoteGateway   `yaml:"remote" json:"remote"`
	Auth           GatewayAuth     `yaml:"auth" json:"auth"`
}

// GatewayTLS toggles TLS on the gateway listener.
type GatewayTLS struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// TailscaleConfig selects how the gateway binds to a tailnet.
type TailscaleConfig struct {
	Mode string `yaml:"mode" json:"mode"` // off | serve | funnel
}

// RemoteGateway points a thin client at a remote gateway.
type RemoteGateway struct {
	URL string `yaml:"url" json:"url"`
}

// GatewayAuth selects the gateway auth mode.
type GatewayAuth struct {
	Mode     string `yaml:"mode" json:"mode"` // none | token | password
	Token    string `yaml:"token" json:"token"`
	Password string `yaml:"password" json:"password"`
}
