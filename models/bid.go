package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Bid 代表拍賣的出價紀錄
// 出價一經提交即不可變更，同一場拍賣的金額序列依建立時間嚴格遞增。
type Bid struct {
	gorm.Model

	ID        uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	AuctionID uuid.UUID `gorm:"type:uuid;not null;index;<-:create"`
	BidderID  uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	Amount    int64     `gorm:"not null;<-:create"`

	// 外鍵關聯
	Auction Auction
	Bidder  User `gorm:"foreignKey:BidderID"`
}

func (b *Bid) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
