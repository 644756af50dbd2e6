// Package seed provides database seeding utilities for development and testing.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"chatterbox/internal/middleware"
	"chatterbox/internal/models"
	"chatterbox/internal/repository"
	"chatterbox/internal/service"

	"gorm.io/gorm"
)

// Options configure the seeder.
type Options struct {
	NumUsers        int
	NumGroups       int
	DirectsPerUser  int
	MessagesPerChat int
	// SkipBcrypt reuses one cheap hash for every default password.
	SkipBcrypt bool
	// RandSeed makes generated data reproducible when non-zero.
	RandSeed int64
}

// Result summarizes what a seeding run created.
type Result struct {
	Users         map[string]uint
	Conversations []uint
	Messages      int
}

// Seeder writes seed data through the chat service so that previews,
// unread counters and receipts are consistent with real traffic.
type Seeder struct {
	db      *gorm.DB
	opts    Options
	factory *Factory
	chats   *service.ChatService
}

// NewSeeder creates a Seeder for db.
func NewSeeder(db *gorm.DB, opts Options) *Seeder {
	store := repository.NewStore(db)
	return &Seeder{
		db:      db,
		opts:    opts,
		factory: NewFactory(db, opts),
		chats:   service.NewChatService(service.ChatConfig{Store: store}),
	}
}

// ClearAll deletes every chat table row, dependents first.
func (s *Seeder) ClearAll(ctx context.Context) error {
	tables := []interface{}{
		&models.MessageDeletion{},
		&models.MessageReceipt{},
		&models.Attachment{},
		&models.UserChat{},
		&models.Message{},
		&models.RemovedMember{},
		&models.ConversationMember{},
		&models.Conversation{},
		&models.ChatRequest{},
		&models.UserPreferences{},
		&models.User{},
	}
	for _, t := range tables {
		if err := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(t).Error; err != nil {
			return fmt.Errorf("clear %T: %w", t, err)
		}
	}
	middleware.Logger.InfoContext(ctx, "seed data cleared")
	return nil
}

// ApplyScenario replays a scripted scenario.
func (s *Seeder) ApplyScenario(ctx context.Context, sc *Scenario) (*Result, error) {
	res := &Result{Users: make(map[string]uint, len(sc.Users))}

	for _, u := range sc.Users {
		u := u
		user, err := s.factory.CreateUser(ctx, func(m *models.User) {
			m.Username = u.Username
			m.Email = u.Username + "@example.com"
			if u.Email != "" {
				m.Email = u.Email
			}
			if u.FullName != "" {
				m.FullName = u.FullName
			}
			if u.Bio != "" {
				m.Bio = u.Bio
			}
			m.Password = u.Password
		})
		if err != nil {
			return nil, err
		}
		res.Users[u.Username] = user.ID
	}

	for _, c := range sc.Directs {
		detail, _, err := s.chats.CreateDirect(ctx, res.Users[c.Members[0]], res.Users[c.Members[1]])
		if err != nil {
			return nil, fmt.Errorf("direct %v: %w", c.Members, err)
		}
		if err := s.replay(ctx, res, detail.ID, c.Messages, c.ReadBy); err != nil {
			return nil, err
		}
	}

	for _, g := range sc.Groups {
		memberIDs := make([]uint, 0, len(g.Members))
		for _, m := range g.Members {
			memberIDs = append(memberIDs, res.Users[m])
		}
		creatorID := res.Users[g.Creator]
		detail, err := s.chats.CreateGroup(ctx, creatorID, g.Name, memberIDs)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.Name, err)
		}
		if g.Description != "" {
			desc := g.Description
			if _, err := s.chats.UpdateGroupInfo(ctx, detail.ID, creatorID, &desc, nil); err != nil {
				return nil, err
			}
		}
		if err := s.replay(ctx, res, detail.ID, g.Messages, g.ReadBy); err != nil {
			return nil, err
		}
	}

	middleware.Logger.InfoContext(ctx, "scenario seeded",
		slog.Int("users", len(res.Users)),
		slog.Int("conversations", len(res.Conversations)),
		slog.Int("messages", res.Messages),
	)
	return res, nil
}

// SeedRandom generates opts.NumUsers accounts with direct chats and groups
// between them.
func (s *Seeder) SeedRandom(ctx context.Context) (*Result, error) {
	res := &Result{Users: make(map[string]uint, s.opts.NumUsers)}
	users := make([]*models.User, 0, s.opts.NumUsers)
	for i := 0; i < s.opts.NumUsers; i++ {
		u, err := s.factory.CreateUser(ctx)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
		res.Users[u.Username] = u.ID
	}
	if len(users) < models.MinConversationMembers {
		return res, nil
	}

	for i, u := range users {
		for _, j := range s.factory.Pick(len(users), s.opts.DirectsPerUser+1) {
			if j == i {
				continue
			}
			detail, created, err := s.chats.CreateDirect(ctx, u.ID, users[j].ID)
			if err != nil {
				return nil, err
			}
			if !created {
				continue
			}
			if err := s.chatter(ctx, res, detail.ID, []uint{u.ID, users[j].ID}); err != nil {
				return nil, err
			}
		}
	}

	for g := 0; g < s.opts.NumGroups; g++ {
		picks := s.factory.Pick(len(users), 2+g%4)
		ids := make([]uint, 0, len(picks))
		for _, p := range picks {
			ids = append(ids, users[p].ID)
		}
		detail, err := s.chats.CreateGroup(ctx, ids[0], s.factory.GroupName(), ids[1:])
		if err != nil {
			return nil, err
		}
		if err := s.chatter(ctx, res, detail.ID, ids); err != nil {
			return nil, err
		}
	}

	middleware.Logger.InfoContext(ctx, "random data seeded",
		slog.Int("users", len(res.Users)),
		slog.Int("conversations", len(res.Conversations)),
		slog.Int("messages", res.Messages),
	)
	return res, nil
}

func (s *Seeder) replay(ctx context.Context, res *Result, convID uint, msgs []ScenarioMessage, readBy []string) error {
	res.Conversations = append(res.Conversations, convID)
	for _, m := range msgs {
		_, err := s.chats.SendMessage(ctx, service.SendMessageInput{
			ConversationID: convID,
			SenderID:       res.Users[m.From],
			Text:           m.Text,
		})
		if err != nil {
			return fmt.Errorf("conversation %d: %w", convID, err)
		}
		res.Messages++
	}
	for _, r := range readBy {
		if _, err := s.chats.MarkRead(ctx, convID, res.Users[r]); err != nil {
			return err
		}
	}
	return nil
}

// chatter posts generated messages from random members and leaves roughly
// half of the members caught up.
func (s *Seeder) chatter(ctx context.Context, res *Result, convID uint, members []uint) error {
	res.Conversations = append(res.Conversations, convID)
	for i := 0; i < s.opts.MessagesPerChat; i++ {
		sender := members[s.factory.Pick(len(members), 1)[0]]
		_, err := s.chats.SendMessage(ctx, service.SendMessageInput{
			ConversationID: convID,
			SenderID:       sender,
			Text:           s.factory.MessageText(),
		})
		if err != nil {
			return err
		}
		res.Messages++
	}
	for _, idx := range s.factory.Pick(len(members), (len(members)+1)/2) {
		if _, err := s.chats.MarkRead(ctx, convID, members[idx]); err != nil {
			return err
		}
	}
	return nil
}
