package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store groups the repositories that share one database handle so a service
// can run several of them inside a single transaction.
type Store struct {
	db            *gorm.DB
	Users         UserRepository
	Conversations ConversationRepository
	Messages      MessageRepository
	UserChats     UserChatRepository
	Requests      ChatRequestRepository
	Preferences   PreferencesRepository
}

// NewStore builds every repository on db.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:            db,
		Users:         NewUserRepository(db),
		Conversations: NewConversationRepository(db),
		Messages:      NewMessageRepository(db),
		UserChats:     NewUserChatRepository(db),
		Requests:      NewChatRequestRepository(db),
		Preferences:   NewPreferencesRepository(db),
	}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn with a Store bound to a single database transaction.
// Returning an error rolls everything back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}
