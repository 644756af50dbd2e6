package database

import "chatterbox/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
// Order matters: referenced tables come before the tables that point at them.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.UserPreferences{},
		&models.ChatRequest{},
		&models.Conversation{},
		&models.ConversationMember{},
		&models.RemovedMember{},
		&models.Message{},
		&models.Attachment{},
		&models.MessageReceipt{},
		&models.MessageDeletion{},
		&models.UserChat{},
	}
}
