package database

import (
	"testing"

	modelspkg "chatterbox/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestPersistentModels_UsersBeforeDependents(t *testing.T) {
	list := PersistentModels()
	_, firstIsUser := list[0].(*modelspkg.User)
	assert.True(t, firstIsUser, "users must migrate first")

	found := false
	for _, model := range list {
		if _, ok := model.(*modelspkg.UserChat); ok {
			found = true
		}
	}
	assert.True(t, found, "PersistentModels should include UserChat")
}
