package protocol

// KindOf returns a short label for a client message, used in logs and metrics.
func KindOf(msg ClientMessage) string {
	switch msg.(type) {
	case AdminClaim:
		return "admin-claim"
	case AdminDisconnect:
		return "admin-disconnect"
	case AdminAllowInput:
		return "admin-allow-input"
	case Ping:
		return "ping"
	case AuthToken:
		return "auth-token"
	case AuthOther:
		return "auth"
	case ReportRole:
		return "report-role"
	case SetTimeLimit:
		return "time-limit"
	case Signal:
		return "signal"
	case Update:
		return "update"
	case Refresh:
		return "refresh"
	case RefreshAll:
		return "refresh-all"
	default:
		return "unknown"
	}
}

// ServerKindOf returns a short label for a server message.
func ServerKindOf(msg ServerMessage) string {
	switch msg.(type) {
	case Meta:
		return "meta"
	case Data:
		return "data"
	case Auth:
		return "auth"
	case AdminOK, AdminOverridden:
		return "admin"
	case AdminClients:
		return "admin-clients"
	case AdminInstances:
		return "admin-instances"
	case AdminServerConfig:
		return "admin-config"
	case Pong:
		return "pong"
	case HighlightSignal:
		return "highlight"
	case ReloadAll:
		return "reload"
	case Broadcast:
		return "signal"
	default:
		return "unknown"
	}
}
