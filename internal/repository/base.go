package repository

import (
	"chatterbox/internal/database"
	"chatterbox/internal/models"

	"gorm.io/gorm"
)

func readDB(primary *gorm.DB) *gorm.DB {
	if db := database.GetReadDB(); db != nil {
		return db
	}
	return primary
}

// retryOnUniqueViolation runs op again once when the first attempt lost an
// insert race on a unique index. The second attempt goes down the
// ON CONFLICT path.
func retryOnUniqueViolation(op func() error) error {
	err := op()
	if err != nil && models.IsUniqueViolation(err) {
		err = op()
	}
	return err
}
