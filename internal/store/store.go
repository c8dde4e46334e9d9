// Package store is the workstation's durable log: per-session messages with
// store-assigned sequence numbers, and the subscription rows that survive a
// workstation restart.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tiflis-relay-lite/internal/model"
)

// SupervisorChannel is the sentinel session key for the shared supervisor
// channel (wire messages address it with a null session id).
const SupervisorChannel = "__supervisor__"

var ErrMessageNotFound = errors.New("store: message not found")

// MessageRecord is one row of a session's append-only log. The composite
// unique index makes a duplicated sequence a constraint violation rather
// than silent corruption.
type MessageRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	SessionID string `gorm:"size:64;uniqueIndex:idx_session_seq,priority:1;index:idx_session_created"`
	Seq       int64  `gorm:"uniqueIndex:idx_session_seq,priority:2"`
	Role      string `gorm:"size:16"`
	Content   string `gorm:"type:text"`
	Complete  bool
	CreatedAt int64 `gorm:"index:idx_session_created"`
}

type SubscriptionRecord struct {
	DeviceID  string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"primaryKey;size:64;index"`
	CreatedAt int64
}

type Store struct {
	db *gorm.DB

	// seqMu guards the per-session counters; rows are inserted while it is
	// held so two appends can never race for the same sequence.
	seqMu sync.Mutex
	seqs  map[string]int64
}

// Open opens (or creates) the store at dsn. Use ":memory:" in tests.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&MessageRecord{}, &SubscriptionRecord{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db, seqs: make(map[string]int64)}, nil
}

// Key maps a wire-level session id (possibly null/empty for the supervisor
// channel) to a store key.
func Key(sessionID string) string {
	if sessionID == "" {
		return SupervisorChannel
	}
	return sessionID
}

func (s *Store) nextSeqLocked(sessionID string) (int64, error) {
	cur, ok := s.seqs[sessionID]
	if !ok {
		var max int64
		err := s.db.Model(&MessageRecord{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&max).Error
		if err != nil {
			return 0, err
		}
		cur = max
	}
	return cur + 1, nil
}

// Append writes a finished (or one-shot) message and assigns its sequence.
// Missing id/timestamp fields are filled in.
func (s *Store) Append(sessionID string, msg model.Message) (model.Message, error) {
	return s.insert(sessionID, msg, msg.Complete)
}

// OpenStreaming creates the session's open streaming message. Its id is the
// streamingMessageId carried by every chunk; on finalize the same id becomes
// immutable history.
func (s *Store) OpenStreaming(sessionID string, role model.Role, blocks []model.ContentBlock) (model.Message, error) {
	return s.insert(sessionID, model.Message{Role: role, Blocks: blocks}, false)
}

func (s *Store) insert(sessionID string, msg model.Message, complete bool) (model.Message, error) {
	key := Key(sessionID)

	content, err := encodeBlocks(msg.Blocks)
	if err != nil {
		return model.Message{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	seq, err := s.nextSeqLocked(key)
	if err != nil {
		return model.Message{}, err
	}
	rec := MessageRecord{
		ID:        msg.ID,
		SessionID: key,
		Seq:       seq,
		Role:      string(msg.Role),
		Content:   content,
		Complete:  complete,
		CreatedAt: msg.CreatedAt,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return model.Message{}, fmt.Errorf("store: append: %w", err)
	}
	s.seqs[key] = seq

	msg.SessionID = sessionID
	msg.Seq = seq
	msg.Complete = complete
	return msg, nil
}

// UpdateStreaming replaces the open message's content wholesale. Sequence
// and id stay fixed, so reconnecting devices always converge on the latest
// superset.
func (s *Store) UpdateStreaming(sessionID, messageID string, blocks []model.ContentBlock) error {
	content, err := encodeBlocks(blocks)
	if err != nil {
		return err
	}
	res := s.db.Model(&MessageRecord{}).
		Where("session_id = ? AND id = ? AND complete = ?", Key(sessionID), messageID, false).
		Update("content", content)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// FinalizeStreaming flips the open message to complete, making it immutable
// history.
func (s *Store) FinalizeStreaming(sessionID, messageID string, blocks []model.ContentBlock) (model.Message, error) {
	content, err := encodeBlocks(blocks)
	if err != nil {
		return model.Message{}, err
	}
	key := Key(sessionID)
	res := s.db.Model(&MessageRecord{}).
		Where("session_id = ? AND id = ?", key, messageID).
		Updates(map[string]any{"content": content, "complete": true})
	if res.Error != nil {
		return model.Message{}, res.Error
	}
	if res.RowsAffected == 0 {
		return model.Message{}, ErrMessageNotFound
	}

	var rec MessageRecord
	if err := s.db.Where("session_id = ? AND id = ?", key, messageID).First(&rec).Error; err != nil {
		return model.Message{}, err
	}
	return recordToMessage(rec, sessionID)
}

// GetPage returns up to limit messages older than beforeSeq (the newest
// page when beforeSeq is 0), ascending by sequence, plus whether older rows
// remain and the oldest sequence in the page.
func (s *Store) GetPage(sessionID string, beforeSeq int64, limit int) ([]model.Message, bool, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.Where("session_id = ?", Key(sessionID))
	if beforeSeq > 0 {
		q = q.Where("seq < ?", beforeSeq)
	}

	var recs []MessageRecord
	if err := q.Order("seq DESC").Limit(limit + 1).Find(&recs).Error; err != nil {
		return nil, false, 0, err
	}
	hasMore := len(recs) > limit
	if hasMore {
		recs = recs[:limit]
	}

	// Reverse to ascending.
	msgs := make([]model.Message, len(recs))
	for i, rec := range recs {
		msg, err := recordToMessage(rec, sessionID)
		if err != nil {
			return nil, false, 0, err
		}
		msgs[len(recs)-1-i] = msg
	}

	var oldest int64
	if len(msgs) > 0 {
		oldest = msgs[0].Seq
	}
	return msgs, hasMore, oldest, nil
}

// GetSince returns up to limit messages created at or after the timestamp,
// ascending by sequence, plus whether more remain past the limit.
func (s *Store) GetSince(sessionID string, sinceMillis int64, limit int) ([]model.Message, bool, error) {
	if limit <= 0 {
		limit = 500
	}
	var recs []MessageRecord
	err := s.db.Where("session_id = ? AND created_at >= ?", Key(sessionID), sinceMillis).
		Order("seq ASC").Limit(limit + 1).Find(&recs).Error
	if err != nil {
		return nil, false, err
	}
	hasMore := len(recs) > limit
	if hasMore {
		recs = recs[:limit]
	}

	msgs := make([]model.Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := recordToMessage(rec, sessionID)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, hasMore, nil
}

// GetAfter returns up to limit messages with sequence strictly greater
// than afterSeq, ascending. Timestamps can collide within a millisecond;
// sequences cannot, so chunked replay continues from here.
func (s *Store) GetAfter(sessionID string, afterSeq int64, limit int) ([]model.Message, bool, error) {
	if limit <= 0 {
		limit = 500
	}
	var recs []MessageRecord
	err := s.db.Where("session_id = ? AND seq > ?", Key(sessionID), afterSeq).
		Order("seq ASC").Limit(limit + 1).Find(&recs).Error
	if err != nil {
		return nil, false, err
	}
	hasMore := len(recs) > limit
	if hasMore {
		recs = recs[:limit]
	}

	msgs := make([]model.Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := recordToMessage(rec, sessionID)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, hasMore, nil
}

// DeleteSession purges a terminated session's log and subscription rows.
func (s *Store) DeleteSession(sessionID string) error {
	key := Key(sessionID)
	if err := s.db.Where("session_id = ?", key).Delete(&MessageRecord{}).Error; err != nil {
		return err
	}
	if err := s.db.Where("session_id = ?", key).Delete(&SubscriptionRecord{}).Error; err != nil {
		return err
	}
	s.seqMu.Lock()
	delete(s.seqs, key)
	s.seqMu.Unlock()
	return nil
}

// AddSubscription persists a (device, session) pair. Returns false when the
// row already existed (idempotent re-subscribe).
func (s *Store) AddSubscription(deviceID, sessionID string) (bool, error) {
	rec := SubscriptionRecord{DeviceID: deviceID, SessionID: sessionID, CreatedAt: time.Now().UnixMilli()}
	res := s.db.Where(SubscriptionRecord{DeviceID: deviceID, SessionID: sessionID}).FirstOrCreate(&rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) RemoveSubscription(deviceID, sessionID string) error {
	return s.db.Where("device_id = ? AND session_id = ?", deviceID, sessionID).
		Delete(&SubscriptionRecord{}).Error
}

func (s *Store) RemoveSessionSubscriptions(sessionID string) error {
	return s.db.Where("session_id = ?", sessionID).Delete(&SubscriptionRecord{}).Error
}

// ListSubscriptions returns the session ids a device is durably subscribed
// to, oldest first.
func (s *Store) ListSubscriptions(deviceID string) ([]string, error) {
	var recs []SubscriptionRecord
	if err := s.db.Where("device_id = ?", deviceID).Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.SessionID)
	}
	return ids, nil
}

func encodeBlocks(blocks []model.ContentBlock) (string, error) {
	if len(blocks) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return "", fmt.Errorf("store: encode blocks: %w", err)
	}
	return string(data), nil
}

func recordToMessage(rec MessageRecord, sessionID string) (model.Message, error) {
	var blocks []model.ContentBlock
	if rec.Content != "" && rec.Content != "[]" {
		if err := json.Unmarshal([]byte(rec.Content), &blocks); err != nil {
			return model.Message{}, fmt.Errorf("store: decode blocks for %s: %w", rec.ID, err)
		}
	}
	return model.Message{
		ID:        rec.ID,
		SessionID: sessionID,
		Seq:       rec.Seq,
		Role:      model.Role(rec.Role),
		Blocks:    blocks,
		Complete:  rec.Complete,
		CreatedAt: rec.CreatedAt,
	}, nil
}
