package entity

import "errors"

var (
	ErrInvalidConversationID = errors.New("invalid conversation id")
	ErrInvalidRole           = errors.New("invalid message role")
	ErrInvalidProviderID     = errors.New("invalid provider id")
	ErrInvalidProviderName   = errors.New("invalid provider name")
	ErrInvalidProviderKind   = errors.New("invalid provider kind")
	ErrInvalidPersonaName    = errors.New("invalid persona name")
	ErrInvalidModelRecord    = errors.New("invalid model record")
)
