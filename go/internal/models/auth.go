package models

import (
	"encoding/json"
	"fmt"
)

// AuthKind tags the Auth variant of a connection.
type AuthKind string

const (
	AuthNone     AuthKind = "none"
	AuthAdmin    AuthKind = "admin"
	AuthToken    AuthKind = "token"
	AuthElevated AuthKind = "elevated"
)

// Auth is the authorization state of a connection. Token and ExpiresAt are set only for
// AuthToken, Since only for AuthElevated. Use the constructors.
type Auth struct {
	Kind      AuthKind
	Token     string
	ExpiresAt int64
	Since     int64
}

func NoAuth() Auth {
	return Auth{Kind: AuthNone}
}

func AdminAuth() Auth {
	return Auth{Kind: AuthAdmin}
}

func TokenAuth(token string, expiresAt int64) Auth {
	return Auth{Kind: AuthToken, Token: token, ExpiresAt: expiresAt}
}

func ElevatedAuth(sinceMs int64) Auth {
	return Auth{Kind: AuthElevated, Since: sinceMs}
}

// Expired reports whether a token auth is no longer valid at nowMs.
func (a Auth) Expired(nowMs int64) bool {
	return a.Kind == AuthToken && nowMs >= a.ExpiresAt
}

type authJSON struct {
	Type      AuthKind `json:"type"`
	Token     string   `json:"token,omitempty"`
	ExpireIn  int64    `json:"expireIn,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

func (a Auth) MarshalJSON() ([]byte, error) {
	out := authJSON{Type: a.Kind}
	switch a.Kind {
	case AuthNone, AuthAdmin:
	case AuthToken:
		out.Token = a.Token
		out.ExpireIn = a.ExpiresAt
	case AuthElevated:
		out.Timestamp = a.Since
	default:
		return nil, fmt.Errorf("unknown auth kind %q", a.Kind)
	}
	return json.Marshal(out)
}

func (a *Auth) UnmarshalJSON(raw []byte) error {
	var in authJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	switch in.Type {
	case AuthNone, AuthAdmin:
		*a = Auth{Kind: in.Type}
	case AuthToken:
		*a = TokenAuth(in.Token, in.ExpireIn)
	case AuthElevated:
		*a = ElevatedAuth(in.Timestamp)
	default:
		return fmt.Errorf("unknown auth type %q", in.Type)
	}
	return nil
}
