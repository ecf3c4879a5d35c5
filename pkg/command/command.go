// Package command converts external action requests into signed,
// optionally encrypted device commands and executes them in order
// through a single bounded queue.
package command

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teleguard/teleguard/pkg/cryptocore"
	"github.com/teleguard/teleguard/pkg/errdefs"
)

type Type string

const (
	TypeMove     Type = "move"
	TypePick     Type = "pick"
	TypePlace    Type = "place"
	TypeRotate   Type = "rotate"
	TypeStop     Type = "stop"
	TypeNavigate Type = "navigate"
	TypeGrasp    Type = "grasp_object"
	TypeCustom   Type = "custom"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"

	// PriorityEmergency is reserved for the out-of-band stop path and
	// never assigned by Submit.
	PriorityEmergency Priority = "emergency"
)

// Action is what the gesture/action producer hands us: a semantic
// type, free-form parameters, and the classifier's confidence.
type Action struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
	Confidence float64        `json:"confidence"`
}

type actionDef struct {
	command  Type
	duration time.Duration
	required []string
}

// actionTable fixes the semantic-action to device-command mapping,
// the per-type duration estimate, and the parameters each type cannot
// do without.
var actionTable = map[string]actionDef{
	"move":         {TypeMove, 2 * time.Second, nil},
	"pick":         {TypePick, 3 * time.Second, nil},
	"place":        {TypePlace, 3 * time.Second, nil},
	"rotate":       {TypeRotate, 1500 * time.Millisecond, nil},
	"stop":         {TypeStop, 500 * time.Millisecond, nil},
	"navigate":     {TypeNavigate, 10 * time.Second, []string{"destination"}},
	"grasp_object": {TypeGrasp, 4 * time.Second, []string{"object"}},
	"custom":       {TypeCustom, 5 * time.Second, []string{"command"}},
}

func resolve(a Action) (actionDef, error) {
	if a.Confidence < 0 || a.Confidence > 1 {
		return actionDef{}, &errdefs.ValidationError{Field: "confidence", Reason: fmt.Sprintf("%g outside [0, 1]", a.Confidence)}
	}
	def, ok := actionTable[a.Type]
	if !ok {
		return actionDef{}, &errdefs.ValidationError{Field: "action type", Reason: "unknown type " + a.Type}
	}
	for _, field := range def.required {
		if _, ok := a.Parameters[field]; !ok {
			return actionDef{}, &errdefs.ValidationError{Field: field, Reason: "required for " + a.Type + " actions"}
		}
	}
	return def, nil
}

// PriorityFor derives dispatch priority from recognition confidence.
// Emergency is never derived; it is reserved for the stop path.
func PriorityFor(confidence float64) Priority {
	if confidence > 0.8 {
		return PriorityHigh
	}
	return PriorityMedium
}

// Command is one signed instruction bound to the session that issued
// it. Exactly one of Parameters or Sealed carries the payload.
type Command struct {
	ID                string               `json:"id"`
	SessionID         string               `json:"session_id"`
	Type              Type                 `json:"type"`
	Priority          Priority             `json:"priority"`
	Parameters        map[string]any       `json:"parameters,omitempty"`
	Sealed            *cryptocore.Envelope `json:"sealed,omitempty"`
	Nonce             string               `json:"nonce"`
	CreatedAt         time.Time            `json:"created_at"`
	EstimatedDuration time.Duration        `json:"estimated_duration"`
	Signature         string               `json:"signature"`
}

// signingMessage is the canonical byte string the signature covers.
// Any mutation of id, nonce, timestamp, session binding, or payload
// breaks verification.
func (c *Command) signingMessage() []byte {
	return []byte(strings.Join([]string{
		c.ID,
		c.Nonce,
		strconv.FormatInt(c.CreatedAt.UnixNano(), 10),
		c.SessionID,
		c.payloadDigest(),
	}, "|"))
}

// payloadDigest canonicalizes the command body for signing. Map keys
// are serialized in sorted order by encoding/json, so the plaintext
// digest is stable across re-marshals.
func (c *Command) payloadDigest() string {
	h := sha256.New()
	h.Write([]byte(c.Type))
	switch {
	case c.Sealed != nil:
		h.Write(c.Sealed.IV)
		h.Write(c.Sealed.Ciphertext)
		h.Write(c.Sealed.MAC)
	case c.Parameters != nil:
		raw, _ := json.Marshal(c.Parameters)
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Sign stamps the command with an HMAC under the session key.
func (c *Command) Sign(key []byte) {
	c.Signature = cryptocore.SignBase64(c.signingMessage(), key)
}

// Verify checks the signature against the given session key.
func (c *Command) Verify(key []byte) bool {
	if c.Signature == "" {
		return false
	}
	return cryptocore.VerifyBase64(c.signingMessage(), key, c.Signature)
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
