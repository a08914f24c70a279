package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 是图书馆系统的账号，读者与馆员共用一张表。
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:255;not null"`
	Email        string `gorm:"uniqueIndex;size:255;not null"`
	PasswordHash string `gorm:"not null"`
	FirstName    string `gorm:"size:255"`
	LastName     string `gorm:"size:255"`
	Role         string `gorm:"size:50"`
	IsActive     bool   `gorm:"not null;default:true"`
	IsStaff      bool   `gorm:"not null;default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IDString 返回协议层使用的用户标识。
func (u User) IDString() string { return strconv.FormatUint(uint64(u.ID), 10) }

// Message 是一条私信记录，创建后不再修改。
type Message struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SenderID   uint      `gorm:"index:idx_msg_pair,priority:1;not null"`
	ReceiverID uint      `gorm:"index:idx_msg_pair,priority:2;index;not null"`
	Content    string    `gorm:"type:text;not null"`
	SentAt     time.Time `gorm:"index;not null"`

	Sender   User `gorm:"foreignKey:SenderID;constraint:OnDelete:CASCADE"`
	Receiver User `gorm:"foreignKey:ReceiverID;constraint:OnDelete:CASCADE"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
