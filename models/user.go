package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 代表拍賣系統中的使用者
// 包含基本的使用者資訊，如使用者名稱與是否為管理員。
// 身份驗證與登入流程由外部系統負責，引擎只消費其核發的身份。
type User struct {
	gorm.Model

	ID       uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	Username string    `gorm:"type:varchar(255);not null"`
	IsAdmin  bool      `gorm:"not null;default:false"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
