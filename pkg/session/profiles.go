package session

import (
	"time"

	"github.com/teleguard/teleguard/pkg/errdefs"
)

type DeviceType string

const (
	DeviceUnitreeG1      DeviceType = "unitree_g1"
	DeviceBostonDynamics DeviceType = "boston_dynamics"
	DeviceTeslaBot       DeviceType = "tesla_bot"
	DeviceCustom         DeviceType = "custom"
)

type SecurityLevel string

const (
	LevelBasic    SecurityLevel = "basic"
	LevelEnhanced SecurityLevel = "enhanced"
	LevelMilitary SecurityLevel = "military"
)

type AuthMethod string

const (
	AuthCertificate      AuthMethod = "certificate"
	AuthAPIKey           AuthMethod = "api-key"
	AuthUsernamePassword AuthMethod = "username-password"
)

// DeviceProfile maps a device type to its security requirements and
// operating parameters. Higher-payload devices heartbeat faster.
type DeviceProfile struct {
	Type              DeviceType
	SecurityLevel     SecurityLevel
	AuthMethods       []AuthMethod
	HeartbeatInterval time.Duration
	MaxQueueSize      int
	JointCount        int
}

var profiles = map[DeviceType]DeviceProfile{
	DeviceUnitreeG1: {
		Type:              DeviceUnitreeG1,
		SecurityLevel:     LevelEnhanced,
		AuthMethods:       []AuthMethod{AuthCertificate, AuthAPIKey},
		HeartbeatInterval: 2 * time.Second,
		MaxQueueSize:      64,
		JointCount:        23,
	},
	DeviceBostonDynamics: {
		Type:              DeviceBostonDynamics,
		SecurityLevel:     LevelMilitary,
		AuthMethods:       []AuthMethod{AuthCertificate},
		HeartbeatInterval: time.Second,
		MaxQueueSize:      32,
		JointCount:        28,
	},
	DeviceTeslaBot: {
		Type:              DeviceTeslaBot,
		SecurityLevel:     LevelEnhanced,
		AuthMethods:       []AuthMethod{AuthCertificate, AuthAPIKey},
		HeartbeatInterval: 2 * time.Second,
		MaxQueueSize:      64,
		JointCount:        40,
	},
	DeviceCustom: {
		Type:              DeviceCustom,
		SecurityLevel:     LevelBasic,
		AuthMethods:       []AuthMethod{AuthAPIKey, AuthUsernamePassword},
		HeartbeatInterval: 5 * time.Second,
		MaxQueueSize:      128,
		JointCount:        6,
	},
}

// ProfileFor resolves the profile for a device type.
func ProfileFor(t DeviceType) (DeviceProfile, error) {
	p, ok := profiles[t]
	if !ok {
		return DeviceProfile{}, &errdefs.ValidationError{Field: "device type", Reason: "unknown type " + string(t)}
	}
	return p, nil
}

// Permits reports whether the profile allows the given auth method.
func (p DeviceProfile) Permits(method AuthMethod) bool {
	for _, m := range p.AuthMethods {
		if m == method {
			return true
		}
	}
	return false
}
