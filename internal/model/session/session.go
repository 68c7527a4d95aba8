package session

import "time"

// Session binds one conversation (user or group) to a remote chat.
type Session struct {
	UserID    string    `json:"userId"`
	ChatID    string    `json:"chatId"`
	Model     string    `json:"model"` // last confirmed variant id
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
