// Package testutil provides shared fixtures for backend tests.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"chatterbox/internal/database"
	"chatterbox/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewSQLiteDB opens a migrated in-memory database private to the test.
// A single connection is used so the in-memory schema survives for the
// whole test and transactions see their own writes.
func NewSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=off", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// CreateUsers inserts one user per username and returns them in order.
func CreateUsers(t *testing.T, db *gorm.DB, usernames ...string) []models.User {
	t.Helper()

	users := make([]models.User, 0, len(usernames))
	for _, name := range usernames {
		u := models.User{
			Username: name,
			FullName: strings.ToUpper(name[:1]) + name[1:],
			Email:    name + "@example.com",
			Password: "x",
			Bio:      models.DefaultBio,
		}
		require.NoError(t, db.WithContext(context.Background()).Create(&u).Error)
		users = append(users, u)
	}
	return users
}
