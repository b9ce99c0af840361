package models

import "time"

type User struct {
	ID          string    `json:"id" validate:"required"`
	Username    string    `json:"username" validate:"required"`
	DisplayName string    `json:"displayName" validate:"required"`
	Avatar      string    `json:"avatar,omitempty"`
	IsOnline    bool      `json:"isOnline"`
	LastSeen    time.Time `json:"lastSeen"`
	Bio         string    `json:"bio,omitempty"`
}

// DirectoryEntry is the persisted shape of a user, credentials included.
type DirectoryEntry struct {
	User
	Password  string    `json:"password" validate:"required"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (e *DirectoryEntry) AuthUser() *AuthUser {
	return &AuthUser{
		User:      e.User,
		Email:     e.Email,
		CreatedAt: e.CreatedAt,
	}
}

type AuthUser struct {
	User
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type UserRegister struct {
	Username    string `validate:"required,min=3,max=32,username"`
	Password    string `validate:"required"`
	DisplayName string `validate:"required,max=64"`
}
