package usecases

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied       = errors.New("user is not authorized to this action")
	ErrAuthenticationRequired = fmt.Errorf("%w: Authentication required", ErrPermissionDenied)
	ErrUserIsNotAChatMember   = fmt.Errorf("%w: User is not a chat member", ErrPermissionDenied)
	ErrNotMessageSender       = fmt.Errorf("%w: Only the sender may change a message", ErrPermissionDenied)
	ErrBusinessLogicViolation = errors.New("business logic violation")

	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = errors.New("username is already taken")
	ErrEmptyParticipants  = fmt.Errorf("%w: chat needs participants", ErrBusinessLogicViolation)
	ErrEmptyChat          = errors.New("chat does not exist")
	ErrInvalidTransition  = errors.New("invalid message status transition")
	ErrMessageNotFound    = errors.New("message does not exist")
	ErrUserNotFound       = errors.New("user does not exist")
	ErrInvalidInput       = errors.New("invalid input")
)
