package models

import "time"

// User is an authenticated account. Audits may also be created
// anonymously; only unlocking requires an account.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
