package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"librarydesk/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageService 是私信的持久化层：只追加，按参与者查询。
type MessageService struct {
	db *gorm.DB

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db, now: time.Now}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID       string    `json:"id"`
	Sender   string    `json:"sender"`
	Receiver string    `json:"receiver"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

func toDTO(m models.Message) MessageDTO {
	return MessageDTO{
		ID:       m.ID.String(),
		Sender:   models.User{ID: m.SenderID}.IDString(),
		Receiver: models.User{ID: m.ReceiverID}.IDString(),
		Content:  m.Content,
		SentAt:   m.SentAt,
	}
}

// stamp 分配发送时间，保证同一个 store 内单调不减（精度与 Postgres 一致）。
func (s *MessageService) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UTC().Truncate(time.Microsecond)
	if ts.Before(s.last) {
		ts = s.last
	}
	s.last = ts
	return ts
}

// Append 写入一条消息记录，content 会先去掉首尾空白。
func (s *MessageService) Append(ctx context.Context, sender, receiver, content string) (*models.Message, error) {
	sid, err := ParseUserID(sender)
	if err != nil {
		return nil, err
	}
	rid, err := ParseUserID(receiver)
	if err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	msg := models.Message{SenderID: sid, ReceiverID: rid, Content: content, SentAt: s.stamp()}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// MessageQuery 描述历史查询：两个参与者都给出时取双向会话，只给一个时取与其相关的全部消息。
type MessageQuery struct {
	UserA  string
	UserB  string
	Before time.Time
	Limit  int
}

// Query 按 sent_at 升序返回最多 Limit 条早于 Before 的消息。
func (s *MessageService) Query(ctx context.Context, q MessageQuery) ([]MessageDTO, error) {
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 50
	}

	tx := s.db.WithContext(ctx).Model(&models.Message{})
	a, b := strings.TrimSpace(q.UserA), strings.TrimSpace(q.UserB)
	if a == "" {
		a, b = b, ""
	}
	switch {
	case a != "" && b != "":
		aid, err := ParseUserID(a)
		if err != nil {
			return nil, err
		}
		bid, err := ParseUserID(b)
		if err != nil {
			return nil, err
		}
		tx = tx.Where("((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))", aid, bid, bid, aid)
	case a != "":
		aid, err := ParseUserID(a)
		if err != nil {
			return nil, err
		}
		tx = tx.Where("(sender_id = ? OR receiver_id = ?)", aid, aid)
	}
	if !q.Before.IsZero() {
		tx = tx.Where("sent_at < ?", q.Before)
	}

	var msgs []models.Message
	if err := tx.Order("sent_at desc").Limit(q.Limit).Find(&msgs).Error; err != nil {
		return nil, err
	}

	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toDTO(m))
	}
	return out, nil
}
