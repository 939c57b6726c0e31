// Package protocol defines the text messages exchanged over a leaderboard socket. Parse is
// the only place inbound text is interpreted and Encode the only place outbound text is
// produced.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mcdev12/hanoiboard/go/internal/models"
)

const (
	prefixAdmin           = "ADMIN:"
	prefixAdminDisconnect = "ADMIN:clients-disconnect:"
	prefixAdminAllowInput = "ADMIN:clients-allow-input:"
	prefixAuth            = "AUTH:"
	prefixAuthToken       = "AUTH:token:"
	prefixReportRole      = "REPORT-ROLE:"
	prefixTimeLimit       = "@timeLimit:"
	prefixSignal          = "!"
	prefixUpdate          = "UPDATE:"

	msgPing       = "ping"
	msgRefresh    = "refresh"
	msgRefreshAll = "refresh-all"
)

// ClientMessage is a message received from a client. The set of implementations is closed.
type ClientMessage interface {
	isClientMessage()
}

// Gated is implemented by client messages that mutate or read state on behalf of an input
// client and must pass the authorization gate.
type Gated interface {
	ClientMessage
	gated()
}

// AdminClaim asks for the admin role with the shared secret.
type AdminClaim struct {
	Secret string
}

// AdminDisconnect asks to force-close another connection.
type AdminDisconnect struct {
	ClientID string
}

// AdminAllowInput asks to elevate another connection.
type AdminAllowInput struct {
	ClientID string
}

type Ping struct{}

// AuthToken authenticates with an access token.
type AuthToken struct {
	Token string
}

// AuthOther is any other AUTH: message. It is accepted and ignored.
type AuthOther struct {
	Raw string
}

// ReportRole sets the display role of the sender.
type ReportRole struct {
	Role string
}

// SetTimeLimit changes the time limit of one leaderboard. Err is set when the payload is
// malformed; the message is still gated first.
type SetTimeLimit struct {
	Leaderboard models.LeaderboardID
	Limit       models.TimeLimit
	Err         error
}

// Signal is an opaque client-defined message broadcast verbatim, including the leading "!".
type Signal struct {
	Raw string
}

// Highlight marks the record that triggered an update.
type Highlight struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Update replaces the leaderboards of the active instance. Err is set when the payload is
// malformed; the message is still gated first.
type Update struct {
	Leaderboards models.HanoiData
	Highlight    *Highlight
	Err          error
}

// Refresh asks for the current data for the sender only.
type Refresh struct{}

// RefreshAll re-broadcasts the current data.
type RefreshAll struct{}

// Unknown is anything the parser does not recognize.
type Unknown struct {
	Raw string
}

func (AdminClaim) isClientMessage()      {}
func (AdminDisconnect) isClientMessage() {}
func (AdminAllowInput) isClientMessage() {}
func (Ping) isClientMessage()            {}
func (AuthToken) isClientMessage()       {}
func (AuthOther) isClientMessage()       {}
func (ReportRole) isClientMessage()      {}
func (SetTimeLimit) isClientMessage()    {}
func (Signal) isClientMessage()          {}
func (Update) isClientMessage()          {}
func (Refresh) isClientMessage()         {}
func (RefreshAll) isClientMessage()      {}
func (Unknown) isClientMessage()         {}

func (SetTimeLimit) gated() {}
func (Signal) gated()       {}
func (Update) gated()       {}
func (Refresh) gated()      {}
func (RefreshAll) gated()   {}

// Parse turns one inbound text frame into a ClientMessage. It never fails: unrecognized
// text becomes Unknown and malformed payloads of known messages carry Err.
func Parse(text string) ClientMessage {
	switch text {
	case msgPing:
		return Ping{}
	case msgRefresh:
		return Refresh{}
	case msgRefreshAll:
		return RefreshAll{}
	}

	switch {
	case strings.HasPrefix(text, prefixAdminDisconnect):
		return AdminDisconnect{ClientID: strings.TrimPrefix(text, prefixAdminDisconnect)}
	case strings.HasPrefix(text, prefixAdminAllowInput):
		return AdminAllowInput{ClientID: strings.TrimPrefix(text, prefixAdminAllowInput)}
	case strings.HasPrefix(text, prefixAdmin):
		return AdminClaim{Secret: strings.TrimPrefix(text, prefixAdmin)}
	case strings.HasPrefix(text, prefixAuthToken):
		return AuthToken{Token: strings.TrimPrefix(text, prefixAuthToken)}
	case strings.HasPrefix(text, prefixAuth):
		return AuthOther{Raw: text}
	case strings.HasPrefix(text, prefixReportRole):
		return ReportRole{Role: strings.TrimPrefix(text, prefixReportRole)}
	case strings.HasPrefix(text, prefixTimeLimit):
		return parseTimeLimit(strings.TrimPrefix(text, prefixTimeLimit))
	case strings.HasPrefix(text, prefixSignal):
		return Signal{Raw: text}
	case strings.HasPrefix(text, prefixUpdate):
		return parseUpdate(strings.TrimPrefix(text, prefixUpdate))
	}
	return Unknown{Raw: text}
}

func parseTimeLimit(payload string) SetTimeLimit {
	id, ms, ok := strings.Cut(payload, ":")
	if !ok {
		return SetTimeLimit{Err: errors.New("expected <id>:<ms>")}
	}
	lb := models.LeaderboardID(id)
	if !lb.IsValid() {
		return SetTimeLimit{Err: fmt.Errorf("unknown leaderboard %q", id)}
	}
	value, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return SetTimeLimit{Err: fmt.Errorf("invalid time limit %q: %w", ms, err)}
	}
	return SetTimeLimit{Leaderboard: lb, Limit: models.NormalizeTimeLimit(value)}
}

func parseUpdate(payload string) Update {
	var body struct {
		Leaderboards json.RawMessage `json:"leaderboards"`
		Highlight    json.RawMessage `json:"highlight"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return Update{Err: fmt.Errorf("invalid update payload: %w", err)}
	}
	if len(body.Leaderboards) == 0 || string(body.Leaderboards) == "null" {
		return Update{Err: errors.New("update without leaderboards")}
	}
	data, err := models.ParseHanoiData(body.Leaderboards)
	if err != nil {
		return Update{Err: err}
	}

	update := Update{Leaderboards: data}
	if len(body.Highlight) > 0 && string(body.Highlight) != "null" {
		var h Highlight
		var fields map[string]json.RawMessage
		if json.Unmarshal(body.Highlight, &fields) == nil &&
			fields["id"] != nil && fields["name"] != nil &&
			json.Unmarshal(body.Highlight, &h) == nil {
			update.Highlight = &h
		}
	}
	return update
}
