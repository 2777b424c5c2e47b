package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentStatus 代表付款審核狀態
type PaymentStatus string

const (
	// PaymentUnpaid 發票已開立，得標者尚未提交付款證明
	PaymentUnpaid PaymentStatus = "unpaid"
	// PaymentPending 得標者已提交付款證明，等待管理員審核
	PaymentPending PaymentStatus = "pending"
	// PaymentVerified 管理員已確認付款，交割文件已發出
	PaymentVerified PaymentStatus = "verified"
	// PaymentRejected 管理員駁回付款證明，得標者可以重新提交
	PaymentRejected PaymentStatus = "rejected"
)

// Payment 代表一場拍賣結標後的付款/發票紀錄
// 每場拍賣最多只有一筆(AuctionID 唯一)，於結標時由引擎建立。
// Amount 固定為結標時的最終價格，建立後不再變更。
type Payment struct {
	gorm.Model

	ID        uuid.UUID     `gorm:"type:uuid;primaryKey;<-:create"`
	AuctionID uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex;<-:create"`
	WinnerID  uuid.UUID     `gorm:"type:uuid;not null;<-:create"`
	Amount    int64         `gorm:"not null;<-:create"`
	Status    PaymentStatus `gorm:"type:varchar(16);not null;default:unpaid"`

	// 由得標者提交的付款資訊
	Method        *string `gorm:"type:varchar(32)"`
	ProofURL      *string `gorm:"type:text"`
	BankName      *string `gorm:"type:varchar(64)"`
	AccountName   *string `gorm:"type:varchar(128)"`
	AccountNumber *string `gorm:"type:varchar(64)"`

	// 由管理員審核時填寫的資訊
	Notes          string     `gorm:"type:text"`
	VerifiedAt     *time.Time
	VerifiedByID   *uuid.UUID `gorm:"type:uuid"`
	ReleaseDocURL  *string    `gorm:"type:text"`
	HandoverDocURL *string    `gorm:"type:text"`

	// 外鍵關聯
	Auction    Auction
	Winner     User  `gorm:"foreignKey:WinnerID"`
	VerifiedBy *User `gorm:"foreignKey:VerifiedByID"`
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = PaymentUnpaid
	}
	return nil
}
