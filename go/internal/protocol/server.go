package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mcdev12/hanoiboard/go/internal/models"
)

// AuthStatus is the payload of an AUTH: notice.
type AuthStatus string

const (
	AuthRequired AuthStatus = "required"
	AuthSuccess  AuthStatus = "success"
	AuthFailure  AuthStatus = "failure"
	AuthNoInput  AuthStatus = "no-input"
	AuthNoOutput AuthStatus = "no-output"
)

// ServerMessage is a message sent to clients. The set of implementations is closed.
type ServerMessage interface {
	encode() (string, error)
}

// Meta carries the active instance metadata.
type Meta struct {
	Meta models.InstanceMeta
}

// Data carries the active instance leaderboards.
type Data struct {
	Data models.HanoiData
}

// Auth tells a client about its input permissions.
type Auth struct {
	Status AuthStatus
}

// AdminOK confirms an admin claim.
type AdminOK struct{}

// AdminOverridden tells the previous admin that another connection took over.
type AdminOverridden struct{}

// ClientInfo describes one connection for the admin console.
type ClientInfo struct {
	ID               string      `json:"id"`
	ConnectTimestamp int64       `json:"connectTimestamp"`
	Role             string      `json:"role"`
	Auth             models.Auth `json:"auth"`
	UserAgent        *string     `json:"userAgent"`
}

// AdminClients is the registry snapshot sent to the admin.
type AdminClients struct {
	Clients []ClientInfo
}

// AdminInstances is the instance list sent to the admin.
type AdminInstances struct {
	List models.InstanceList
}

// AdminServerConfig is the config snapshot sent to the admin.
type AdminServerConfig struct {
	Config models.Config
}

type Pong struct{}

// Broadcast is forwarded verbatim. It covers client signals and relayed messages.
type Broadcast struct {
	Raw string
}

// HighlightSignal announces the record that triggered an update.
type HighlightSignal struct {
	Highlight Highlight
}

// ReloadAll tells every client to reload, sent around instance switches.
type ReloadAll struct{}

func (m Meta) encode() (string, error)              { return withJSON("@meta:", m.Meta) }
func (m Data) encode() (string, error)              { return withJSON("DATA:", m.Data) }
func (m Auth) encode() (string, error)              { return "AUTH:" + string(m.Status), nil }
func (AdminOK) encode() (string, error)             { return "ADMIN:OK", nil }
func (AdminOverridden) encode() (string, error)     { return "ADMIN:OVERRIDDEN", nil }
func (m AdminInstances) encode() (string, error)    { return withJSON("ADMIN:INSTANCES:", m.List) }
func (m AdminServerConfig) encode() (string, error) { return withJSON("ADMIN:SERVERCONFIG:", m.Config) }
func (Pong) encode() (string, error)                { return "pong", nil }
func (m Broadcast) encode() (string, error)         { return m.Raw, nil }
func (m HighlightSignal) encode() (string, error)   { return withJSON("!highlight-", m.Highlight) }
func (ReloadAll) encode() (string, error)           { return "!reload-all", nil }

func (m AdminClients) encode() (string, error) {
	clients := m.Clients
	if clients == nil {
		clients = []ClientInfo{}
	}
	return withJSON("ADMIN:CLIENTS:", clients)
}

// Encode renders a server message as a text frame.
func Encode(msg ServerMessage) ([]byte, error) {
	text, err := msg.encode()
	if err != nil {
		return nil, err
	}
	return []byte(text), nil
}

func withJSON(prefix string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s message: %w", prefix, err)
	}
	return prefix + string(raw), nil
}
