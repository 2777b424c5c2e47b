package api

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	redisAdapter "github.com/Kijeee02/e-auction-web-rev-sub001/adapters/redis"
	"github.com/Kijeee02/e-auction-web-rev-sub001/models"
)

// streamNotifier 將引擎的通知轉發到Redis stream
// 通知在交易提交後才會被觸發，送出失敗只記錄日誌，不影響已提交的結果。
type streamNotifier struct {
	db       *gorm.DB
	producer redisAdapter.IProducer[AuctionEvent]
	logger   *slog.Logger
}

func newStreamNotifier(db *gorm.DB, producer redisAdapter.IProducer[AuctionEvent]) *streamNotifier {
	return &streamNotifier{
		db:       db,
		producer: producer,
		logger:   slog.Default().With(slog.String("caller", "StreamNotifier")),
	}
}

func (n *streamNotifier) BidCommitted(bid models.Bid) {
	n.publish(AuctionEvent{
		Kind:      EventBid,
		AuctionID: bid.AuctionID,
		Username:  n.usernameOf(bid.BidderID),
		Amount:    bid.Amount,
		Time:      bid.CreatedAt,
	})
}

func (n *streamNotifier) AuctionClosed(auctionID uuid.UUID, winnerID *uuid.UUID, finalPrice int64) {
	n.publish(AuctionEvent{
		Kind:      EventClosed,
		AuctionID: auctionID,
		WinnerID:  winnerID,
		Amount:    finalPrice,
		Time:      time.Now(),
	})
}

func (n *streamNotifier) SettlementChanged(auctionID uuid.UUID, status models.PaymentStatus) {
	n.publish(AuctionEvent{
		Kind:      EventSettlement,
		AuctionID: auctionID,
		Status:    string(status),
		Time:      time.Now(),
	})
}

func (n *streamNotifier) publish(event AuctionEvent) {
	if err := n.producer.Publish(event); err != nil {
		n.logger.Error("Fail to publish auction event", slog.String("kind", string(event.Kind)), slog.String("auctionID", event.AuctionID.String()), slog.Any("error", err))
	}
}

func (n *streamNotifier) usernameOf(userID uuid.UUID) string {
	user := models.User{ID: userID}
	if result := n.db.First(&user); result.Error != nil {
		n.logger.Warn("Fail to resolve username for event", slog.String("userID", userID.String()), slog.Any("error", result.Error))
		return ""
	}
	return user.Username
}
