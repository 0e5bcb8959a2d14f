package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabsync/backend/internal/session"
)

type sessionRow struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	DocumentRef string `gorm:"type:varchar(191);index"`
	// ActiveRef mirrors DocumentRef while the session is active and is NULL
	// afterwards, so the unique index admits one active session per document.
	ActiveRef       *string `gorm:"type:varchar(191);uniqueIndex"`
	OwnerID         uint64
	Status          string `gorm:"type:varchar(16)"`
	ContentSnapshot string `gorm:"type:longtext"`
	LastEventID     uint64
	StartedAt       time.Time
	EndedAt         *time.Time
}

func (sessionRow) TableName() string { return "collab_sessions" }

type participantRow struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	SessionID   string `gorm:"type:varchar(36);uniqueIndex:idx_session_user"`
	UserID      uint64 `gorm:"uniqueIndex:idx_session_user"`
	DisplayName string `gorm:"type:varchar(128)"`
	Role        string `gorm:"type:varchar(16)"`
	JoinedAt    time.Time
}

func (participantRow) TableName() string { return "collab_participants" }

type eventRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"type:varchar(36);index"`
	UserID    uint64
	Type      string `gorm:"type:varchar(64)"`
	Payload   []byte `gorm:"type:longblob"`
	CreatedAt time.Time
}

func (eventRow) TableName() string { return "collab_events" }

// OpenMySQL opens a gorm handle for dsn.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// GormStore persists sessions, participants and events in MySQL. Event ids
// come from AUTO_INCREMENT, so they increase within every session.
type GormStore struct {
	db     *gorm.DB
	pub    Publisher
	logger *zap.Logger
}

func NewGormStore(db *gorm.DB, pub Publisher, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, pub: pub, logger: logger}
}

var _ Store = (*GormStore)(nil)

// Migrate creates or updates the three tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&sessionRow{}, &participantRow{}, &eventRow{})
}

func (s *GormStore) ActiveSession(ctx context.Context, documentRef string) (*session.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("active_ref = ?", documentRef).First(&row).Error
	if err != nil {
		return nil, notFound(err, "no active session for "+documentRef)
	}
	return s.load(s.db.WithContext(ctx), row)
}

func (s *GormStore) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", sessionID).Error; err != nil {
		return nil, notFound(err, sessionID)
	}
	return s.load(s.db.WithContext(ctx), row)
}

func (s *GormStore) CreateSession(ctx context.Context, documentRef string, owner Actor, content string) (*session.Session, error) {
	if documentRef == "" {
		return nil, fmt.Errorf("%w: empty document ref", ErrInvalid)
	}
	now := time.Now().UTC()
	ref := documentRef
	row := sessionRow{
		ID:              uuid.NewString(),
		DocumentRef:     documentRef,
		ActiveRef:       &ref,
		OwnerID:         owner.UserID,
		Status:          string(session.StatusActive),
		ContentSnapshot: content,
		StartedAt:       now,
	}
	p := participantRow{
		ID:          uuid.NewString(),
		SessionID:   row.ID,
		UserID:      owner.UserID,
		DisplayName: owner.DisplayName,
		Role:        string(session.RoleEditor),
		JoinedAt:    now,
	}

	var (
		out *session.Session
		evt session.Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("%w: document %s already has an active session", ErrConflict, documentRef)
			}
			return err
		}
		if err := tx.Create(&p).Error; err != nil {
			return err
		}
		var err error
		evt, err = insertEvent(tx, row.ID, owner.UserID, session.EventParticipantJoined,
			mustPayload(session.ParticipantJoined{Participant: participantFromRow(p)}), now)
		if err != nil {
			return err
		}
		row.LastEventID = evt.ID
		if err := tx.Model(&sessionRow{}).Where("id = ?", row.ID).Update("last_event_id", evt.ID).Error; err != nil {
			return err
		}
		out, err = s.load(tx, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, evt)
	return out, nil
}

func (s *GormStore) JoinSession(ctx context.Context, sessionID string, actor Actor, role session.Role) (*session.Session, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalid, role)
	}
	var (
		out    *session.Session
		evt    session.Event
		joined bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		if row.Status != string(session.StatusActive) {
			return fmt.Errorf("%w: session %s has ended", ErrConflict, sessionID)
		}
		now := time.Now().UTC()
		p := participantRow{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			UserID:      actor.UserID,
			DisplayName: actor.DisplayName,
			Role:        string(role),
			JoinedAt:    now,
		}
		if err := tx.Create(&p).Error; err != nil {
			if !isDuplicate(err) {
				return err
			}
			// already a participant: joining again is a no-op
		} else {
			joined = true
			evt, err = insertEvent(tx, sessionID, actor.UserID, session.EventParticipantJoined,
				mustPayload(session.ParticipantJoined{Participant: participantFromRow(p)}), now)
			if err != nil {
				return err
			}
		}
		out, err = s.load(tx, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	if joined {
		s.publish(ctx, evt)
	}
	return out, nil
}

func (s *GormStore) Heartbeat(ctx context.Context, sessionID string, userID uint64) error {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	return checkMember(sess, userID)
}

func (s *GormStore) Events(ctx context.Context, sessionID string, afterID uint64, limit int) ([]session.Event, error) {
	db := s.db.WithContext(ctx)
	var n int64
	if err := db.Model(&sessionRow{}).Where("id = ?", sessionID).Count(&n).Error; err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	q := db.Where("session_id = ? AND id > ?", sessionID, afterID).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []eventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]session.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, eventFromRow(r))
	}
	return out, nil
}

func (s *GormStore) AppendEvent(ctx context.Context, sessionID string, userID uint64, typ session.EventType, payload json.RawMessage) (session.Event, error) {
	var evt session.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		sess, err := s.load(tx, row)
		if err != nil {
			return err
		}
		content, err := checkAppend(sess, userID, typ, payload)
		if err != nil {
			return err
		}
		evt, err = insertEvent(tx, sessionID, userID, typ, payload, time.Now().UTC())
		if err != nil {
			return err
		}
		return tx.Model(&sessionRow{}).Where("id = ?", sessionID).Updates(map[string]any{
			"content_snapshot": content,
			"last_event_id":    evt.ID,
		}).Error
	})
	if err != nil {
		return session.Event{}, err
	}
	s.publish(ctx, evt)
	return evt, nil
}

func (s *GormStore) EndSession(ctx context.Context, sessionID string, userID uint64) (*session.Session, error) {
	var (
		out   *session.Session
		evt   session.Event
		ended bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		if row.OwnerID != userID {
			return fmt.Errorf("%w: only the owner can end session %s", ErrForbidden, sessionID)
		}
		if row.Status == string(session.StatusActive) {
			now := time.Now().UTC()
			evt, err = insertEvent(tx, sessionID, userID, session.EventSessionEnded,
				mustPayload(session.SessionEnded{EndedAt: now}), now)
			if err != nil {
				return err
			}
			if err := tx.Model(&sessionRow{}).Where("id = ?", sessionID).Updates(map[string]any{
				"status":     string(session.StatusEnded),
				"ended_at":   now,
				"active_ref": nil,
			}).Error; err != nil {
				return err
			}
			row.Status = string(session.StatusEnded)
			row.EndedAt = &now
			row.ActiveRef = nil
			ended = true
		}
		out, err = s.load(tx, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ended {
		s.publish(ctx, evt)
	}
	return out, nil
}

func (s *GormStore) DeleteSession(ctx context.Context, sessionID string, userID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		if row.OwnerID != userID {
			return fmt.Errorf("%w: only the owner can delete session %s", ErrForbidden, sessionID)
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&eventRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&participantRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&sessionRow{}, "id = ?", sessionID).Error
	})
}

func (s *GormStore) load(db *gorm.DB, row sessionRow) (*session.Session, error) {
	var parts []participantRow
	if err := db.Where("session_id = ?", row.ID).Order("joined_at, id").Find(&parts).Error; err != nil {
		return nil, err
	}
	out := &session.Session{
		ID:              row.ID,
		DocumentRef:     row.DocumentRef,
		OwnerID:         row.OwnerID,
		Status:          session.Status(row.Status),
		Participants:    make([]session.Participant, 0, len(parts)),
		ContentSnapshot: row.ContentSnapshot,
		LastEventID:     row.LastEventID,
		StartedAt:       row.StartedAt,
		EndedAt:         row.EndedAt,
	}
	for _, p := range parts {
		out.Participants = append(out.Participants, participantFromRow(p))
	}
	return out, nil
}

func (s *GormStore) publish(ctx context.Context, evt session.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, evt); err != nil {
		s.logger.Warn("event_publish_failed",
			zap.String("session_id", evt.SessionID),
			zap.Uint64("event_id", evt.ID),
			zap.Error(err))
	}
}

func lockSession(tx *gorm.DB, sessionID string) (sessionRow, error) {
	var row sessionRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", sessionID).Error
	if err != nil {
		return row, notFound(err, sessionID)
	}
	return row, nil
}

func insertEvent(tx *gorm.DB, sessionID string, userID uint64, typ session.EventType, payload json.RawMessage, at time.Time) (session.Event, error) {
	r := eventRow{SessionID: sessionID, UserID: userID, Type: string(typ), Payload: payload, CreatedAt: at}
	if err := tx.Create(&r).Error; err != nil {
		return session.Event{}, err
	}
	return eventFromRow(r), nil
}

func participantFromRow(p participantRow) session.Participant {
	return session.Participant{
		ID:          p.ID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Role:        session.Role(p.Role),
		JoinedAt:    p.JoinedAt,
	}
}

func eventFromRow(r eventRow) session.Event {
	return session.Event{
		ID:        r.ID,
		SessionID: r.SessionID,
		UserID:    r.UserID,
		Type:      session.EventType(r.Type),
		Payload:   json.RawMessage(r.Payload),
		CreatedAt: r.CreatedAt,
	}
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

// isDuplicate reports a MySQL unique key violation (error 1062).
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
