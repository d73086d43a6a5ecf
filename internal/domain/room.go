package domain

import "time"

type Room struct {
	ID        string    `json:"id"`
	Capacity  int       `json:"capacity"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
