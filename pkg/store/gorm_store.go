package store

import (
	"context"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore persists conversations and turns through gorm, normally backed by Postgres.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Store = (*GormStore)(nil)

// OpenPostgresStore connects to Postgres and migrates the branchchat tables.
func OpenPostgresStore(dsn string) (*GormStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres store: empty dsn")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "postgres store: open")
	}
	return NewGormStore(db)
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("gorm store: nil db")
	}
	if err := db.AutoMigrate(&ConversationModel{}, &TurnModel{}); err != nil {
		return nil, errors.Wrap(err, "gorm store: migrate")
	}
	return &GormStore{db: db, now: time.Now}, nil
}

func (s *GormStore) CreateConversation(ctx context.Context, c *conversation.Conversation) (*conversation.Conversation, error) {
	if c == nil {
		c = &conversation.Conversation{}
	}
	clone := c.Clone()
	if clone.ID == "" {
		clone.ID = conversation.NewConversation("").ID
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}
	m := ToConversationModel(clone)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ConversationModel{}).Where("id = ?", m.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return &conversation.ValidationError{Field: "id", Reason: "conversation " + m.ID + " already exists"}
		}
		return tx.Create(m).Error
	})
	if err != nil {
		return nil, err
	}
	return m.ToDomain(), nil
}

func (s *GormStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	return getConversationModel(s.db.WithContext(ctx), id, false)
}

func getConversationModel(db *gorm.DB, id string, lock bool) (*conversation.Conversation, error) {
	var m ConversationModel
	q := db
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, conversation.ConversationNotFound(id)
		}
		return nil, errors.Wrap(err, "failed to find conversation")
	}
	return m.ToDomain(), nil
}

func (s *GormStore) ListConversations(ctx context.Context) ([]*conversation.Conversation, error) {
	var models []*ConversationModel
	if err := s.db.WithContext(ctx).
		Order("created_at desc").
		Order("id asc").
		Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	ret := make([]*conversation.Conversation, len(models))
	for i, m := range models {
		ret[i] = m.ToDomain()
	}
	return ret, nil
}

func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getConversationModel(tx, id, true); err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&TurnModel{}).Error; err != nil {
			return errors.Wrap(err, "failed to delete turns")
		}
		return tx.Where("id = ?", id).Delete(&ConversationModel{}).Error
	})
}

func (s *GormStore) AppendTurn(ctx context.Context, t *conversation.Turn) (*conversation.Turn, error) {
	turn, err := prepareTurn(t, s.now())
	if err != nil {
		return nil, err
	}
	m := ToTurnModel(turn)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the row lock serializes title derivation between concurrent first turns
		conv, err := getConversationModel(tx, turn.ConversationID, true)
		if err != nil {
			return err
		}
		if m.ParentTurnID != nil {
			var parents int64
			err := tx.Model(&TurnModel{}).
				Where("turn_id = ? AND conversation_id = ?", *m.ParentTurnID, m.ConversationID).
				Count(&parents).Error
			if err != nil {
				return err
			}
			if parents == 0 {
				return conversation.TurnNotFound(turn.ParentTurnID)
			}
		}

		deriveTitle := false
		if turn.Role == conversation.RoleUser && conv.HasDerivableTitle() {
			var users int64
			err := tx.Model(&TurnModel{}).
				Where("conversation_id = ? AND role = ?", m.ConversationID, string(conversation.RoleUser)).
				Count(&users).Error
			if err != nil {
				return err
			}
			deriveTitle = users == 0
		}

		if err := tx.Create(m).Error; err != nil {
			return errors.Wrap(err, "failed to create turn")
		}
		if deriveTitle {
			return tx.Model(&ConversationModel{}).
				Where("id = ?", m.ConversationID).
				Update("title", conversation.DeriveTitle(turn.Content)).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.ToDomain()
}

func (s *GormStore) GetTurn(ctx context.Context, id conversation.TurnID) (*conversation.Turn, error) {
	var m TurnModel
	if err := s.db.WithContext(ctx).Where("turn_id = ?", id.String()).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, conversation.TurnNotFound(id)
		}
		return nil, errors.Wrap(err, "failed to find turn")
	}
	return m.ToDomain()
}

func (s *GormStore) ListTurns(ctx context.Context, conversationID string) (conversation.Turns, error) {
	db := s.db.WithContext(ctx)
	if _, err := getConversationModel(db, conversationID, false); err != nil {
		return nil, err
	}
	var models []*TurnModel
	if err := db.Where("conversation_id = ?", conversationID).
		Order("created_at asc").
		Order("seq asc").
		Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list turns")
	}
	ret, err := turnModelsToDomain(models)
	if err != nil {
		return nil, err
	}
	conversation.SortTurns(ret)
	return ret, nil
}

func (s *GormStore) UpdateTurnContent(ctx context.Context, id conversation.TurnID, content string, seal bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m TurnModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("turn_id = ?", id.String()).
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return conversation.TurnNotFound(id)
		}
		if err != nil {
			return err
		}
		if m.Sealed {
			return &conversation.SealedError{TurnID: id}
		}
		return tx.Model(&TurnModel{}).
			Where("seq = ?", m.Seq).
			Updates(map[string]interface{}{"content": content, "sealed": seal}).Error
	})
}

func (s *GormStore) DeleteTurns(ctx context.Context, conversationID string) error {
	db := s.db.WithContext(ctx)
	if _, err := getConversationModel(db, conversationID, false); err != nil {
		return err
	}
	if err := db.Where("conversation_id = ?", conversationID).Delete(&TurnModel{}).Error; err != nil {
		return errors.Wrap(err, "failed to delete turns")
	}
	return nil
}

func (s *GormStore) FindUserTurn(ctx context.Context, conversationID, branchID, content string, since time.Time) (*conversation.Turn, error) {
	db := s.db.WithContext(ctx)
	if _, err := getConversationModel(db, conversationID, false); err != nil {
		return nil, err
	}
	var models []*TurnModel
	err := db.Where("conversation_id = ? AND role = ? AND branch_id = ? AND content = ? AND created_at >= ?",
		conversationID, string(conversation.RoleUser), branchID, content, since.UTC().Truncate(time.Microsecond)).
		Order("created_at desc").
		Order("seq desc").
		Limit(1).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find user turn")
	}
	if len(models) == 0 {
		return nil, nil
	}
	return models[0].ToDomain()
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
