package session

import (
	"context"

	"github.com/teleguard/teleguard/pkg/cryptocore"
	"github.com/teleguard/teleguard/pkg/errdefs"
)

// ConnectionMethod names the physical link a device is reached over.
type ConnectionMethod string

const (
	MethodWiFi      ConnectionMethod = "wifi"
	MethodBluetooth ConnectionMethod = "bluetooth"
	MethodUSB       ConnectionMethod = "usb"
	MethodEthernet  ConnectionMethod = "ethernet"
)

// Credentials holds the material for exactly one authentication
// method.
type Credentials struct {
	Method      AuthMethod
	Certificate string
	APIKey      string
	Username    string
	Password    string
}

// Config describes one connection attempt, supplied by configuration
// or the UI.
type Config struct {
	DeviceID         string
	Type             DeviceType
	ConnectionMethod ConnectionMethod
	Address          string
	Port             int
	Credentials      Credentials
	Encrypt          bool
}

func (c *Config) validate() error {
	if c.DeviceID == "" {
		return &errdefs.ValidationError{Field: "device id", Reason: "must not be empty"}
	}
	if c.Address == "" {
		return &errdefs.ValidationError{Field: "address", Reason: "must not be empty"}
	}
	switch c.ConnectionMethod {
	case MethodWiFi, MethodBluetooth, MethodUSB, MethodEthernet:
	default:
		return &errdefs.ValidationError{Field: "connection method", Reason: "unknown method " + string(c.ConnectionMethod)}
	}
	return nil
}

// AuthRequest is what a transport receives to authenticate one
// session. Passwords never cross the transport in the clear; they are
// sealed before the request is built.
type AuthRequest struct {
	DeviceID           string
	SessionID          string
	Method             AuthMethod
	Certificate        string
	APIKey             string
	BearerToken        string
	Username           string
	PasswordCiphertext *cryptocore.Envelope
}

// Transport abstracts the device link so handshake, authentication,
// and execution are injectable. Production transports speak to real
// hardware; tests inject fakes to force each failure branch
// deterministically.
type Transport interface {
	// Dial establishes the link. Failures are retryable.
	Dial(ctx context.Context, address string, port int) error
	// ValidateCertificate runs the handshake certificate check required
	// above basic security level.
	ValidateCertificate(ctx context.Context, deviceID string) error
	// Authenticate performs the selected method against the device.
	Authenticate(ctx context.Context, req AuthRequest) error
	// Heartbeat probes device liveness.
	Heartbeat(ctx context.Context, sessionID string) error
	// Execute delivers one signed command payload for execution.
	Execute(ctx context.Context, payload []byte) error
	Close() error
}

// TransportFactory builds a transport for one connection attempt.
type TransportFactory func(cfg Config) Transport
