package seed

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"chatterbox/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DefaultPassword is the password of every seeded account that does not set one.
const DefaultPassword = "password123"

// Factory builds accounts and message content for seed data.
type Factory struct {
	db    *gorm.DB
	opts  Options
	faker *gofakeit.Faker
	hash  string
}

// NewFactory creates a Factory bound to db. A zero opts.RandSeed seeds the
// generator from the clock.
func NewFactory(db *gorm.DB, opts Options) *Factory {
	return &Factory{db: db, opts: opts, faker: gofakeit.New(opts.RandSeed)}
}

// CreateUser persists a generated account with default preferences.
// Overrides run before the password is hashed, so they may set a plain
// text Password.
func (f *Factory) CreateUser(ctx context.Context, overrides ...func(*models.User)) (*models.User, error) {
	first, last := f.faker.FirstName(), f.faker.LastName()
	handle := strings.ToLower(first + "_" + last)
	if len(handle) > 24 {
		handle = handle[:24]
	}
	user := &models.User{
		Username: fmt.Sprintf("%s%d", handle, f.faker.Number(10, 9999)),
		FullName: first + " " + last,
		Bio:      truncate(f.faker.Sentence(8), 160),
		Avatar:   fmt.Sprintf("https://i.pravatar.cc/150?u=%s", f.faker.UUID()),
	}
	user.Email = user.Username + "@example.com"

	for _, override := range overrides {
		override(user)
	}
	if user.Password == "" {
		user.Password = DefaultPassword
	}
	hashed, err := f.hashPassword(user.Password)
	if err != nil {
		return nil, err
	}
	user.Password = hashed

	err = f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		return tx.Create(models.DefaultPreferences(user.ID)).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", user.Username, err)
	}
	return user, nil
}

// GroupName returns a plausible group title within the name limit.
func (f *Factory) GroupName() string {
	name := f.faker.HipsterWord() + " " + f.faker.Noun()
	return truncate(strings.ToUpper(name[:1])+name[1:], models.MaxGroupNameLength)
}

// MessageText returns a short chat line.
func (f *Factory) MessageText() string {
	if f.faker.Number(0, 3) == 0 {
		return f.faker.Question()
	}
	return f.faker.HipsterSentence(f.faker.Number(3, 14))
}

// Pick returns n distinct indexes below size, in random order.
func (f *Factory) Pick(size, n int) []int {
	if n > size {
		n = size
	}
	idx := make([]int, size)
	for i := range idx {
		idx[i] = i
	}
	f.faker.ShuffleAnySlice(idx)
	return idx[:n]
}

// hashPassword skips bcrypt for the shared default password when
// SkipBcrypt is set, reusing a single hash instead.
func (f *Factory) hashPassword(plain string) (string, error) {
	if f.opts.SkipBcrypt && plain == DefaultPassword {
		if f.hash == "" {
			h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
			if err != nil {
				return "", err
			}
			f.hash = string(h)
		}
		return f.hash, nil
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:max]))
}
