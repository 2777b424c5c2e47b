package engine

import (
	"github.com/google/uuid"

	"github.com/Kijeee02/e-auction-web-rev-sub001/models"
)

// Notifier 是引擎對外的事件通知介面
// 所有通知都在交易提交後才發出，屬於 fire-and-forget：實作不可阻塞，
// 通知失敗不影響引擎的正確性(快取/UI 只會晚一點刷新)。
type Notifier interface {
	// BidCommitted 在出價成功提交後發出，用於失效「拍賣詳情」與「出價列表」讀取模型
	BidCommitted(bid models.Bid)
	// AuctionClosed 在拍賣結標後發出
	AuctionClosed(auctionID uuid.UUID, winnerID *uuid.UUID, finalPrice int64)
	// SettlementChanged 在付款狀態轉移後發出
	SettlementChanged(auctionID uuid.UUID, status models.PaymentStatus)
}

// NopNotifier 是不做任何事的 Notifier
type NopNotifier struct{}

func (NopNotifier) BidCommitted(models.Bid)                            {}
func (NopNotifier) AuctionClosed(uuid.UUID, *uuid.UUID, int64)         {}
func (NopNotifier) SettlementChanged(uuid.UUID, models.PaymentStatus)  {}
