package audit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/teleguard/teleguard/pkg/cryptocore"
)

// Metadata is a tagged union: exactly one of Plain or Sealed is set.
// High and critical severity entries are stored sealed under the master
// key; callers must check IsSealed before reading values.
type Metadata struct {
	Plain  map[string]string    `json:"plain,omitempty"`
	Sealed *cryptocore.Envelope `json:"sealed,omitempty"`
}

func (m Metadata) IsSealed() bool { return m.Sealed != nil }

func (m Metadata) IsZero() bool { return len(m.Plain) == 0 && m.Sealed == nil }

// Canonical returns a deterministic serialization used as signature
// input. Plain metadata is rendered as sorted key=value pairs; sealed
// metadata is rendered from its ciphertext, so tampering with either
// form breaks the signature.
func (m Metadata) Canonical() string {
	if m.Sealed != nil {
		return fmt.Sprintf("sealed:%x:%x", m.Sealed.Ciphertext, m.Sealed.MAC)
	}
	if len(m.Plain) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m.Plain))
	for k := range m.Plain {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m.Plain[k])
	}
	return strings.Join(parts, ",")
}

// Value implements driver.Valuer so gorm stores the union as one JSON
// text column.
func (m Metadata) Value() (driver.Value, error) {
	if m.IsZero() {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
	if len(data) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(data, m)
}
