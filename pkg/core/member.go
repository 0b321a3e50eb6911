package core

// Member is a participant of a session as reported by the audience.
// UserID is stable for a user; ClientID identifies one connection.
type Member struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	ClientID string `json:"clientId"`
}
