package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuctionStatus 代表拍賣的生命週期狀態
type AuctionStatus string

const (
	// AuctionActive 拍賣進行中，可以接受出價
	AuctionActive AuctionStatus = "active"
	// AuctionEnded 拍賣已截止，得標者(若有人出價)已確定
	AuctionEnded AuctionStatus = "ended"
	// AuctionCancelled 拍賣被管理員取消，所有出價作廢
	AuctionCancelled AuctionStatus = "cancelled"
)

// Auction 代表拍賣系統中的一場拍賣
// 包含商品資訊、起標價、目前價格、最低加價幅度、拍賣時間與結標結果等資訊。
// CurrentPrice 恆等於最高已提交出價金額，無人出價時等於起標價。
// Version 是樂觀鎖計數器，所有對 CurrentPrice / Status 的修改都必須
// 以 CAS(id + version) 的方式提交。
type Auction struct {
	gorm.Model

	ID            uuid.UUID     `gorm:"type:uuid;primaryKey;<-:create"`
	SellerID      uuid.UUID     `gorm:"type:uuid;not null;<-:create"`
	Title         string        `gorm:"type:varchar(255);not null"`
	Description   string        `gorm:"type:text;not null"`
	StartingPrice int64         `gorm:"not null;<-:create"`
	CurrentPrice  int64         `gorm:"not null"`
	MinIncrement  int64         `gorm:"not null;<-:create"`
	Status        AuctionStatus `gorm:"type:varchar(16);not null;default:active;index"`
	StartTime     time.Time     `gorm:"not null"`
	EndTime       time.Time     `gorm:"not null;index"`
	WinnerID      *uuid.UUID    `gorm:"type:uuid"`
	InvoiceNumber *string       `gorm:"type:varchar(64);uniqueIndex"`
	InvoiceURL    *string       `gorm:"type:text"`
	Version       uint          `gorm:"not null;default:0"`

	// 外鍵關聯
	Seller User `gorm:"foreignKey:SellerID"`
	Winner *User
	Bids   []Bid
}

func (a *Auction) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CurrentPrice == 0 {
		a.CurrentPrice = a.StartingPrice
	}
	if a.Status == "" {
		a.Status = AuctionActive
	}
	return nil
}
