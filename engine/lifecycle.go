package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Kijeee02/e-auction-web-rev-sub001/models"
)

// closeMaxRetries 是結標 CAS 失敗後的重試上限
// 結標與出價競爭同一個 version：CAS 失敗代表截止前最後一刻仍有出價提交，
// 重讀後得標者會落在新的最高出價上。
const closeMaxRetries = 3

// CloseDue 執行結標清掃：找出所有已過截止時間但仍為 active 的拍賣並逐場結標
// 每場拍賣獨立處理，結標 A 不會阻塞 B 場的出價。已被其他觸發者搶先結標的
// 拍賣視為良性競態，不回報為錯誤。回傳本次清掃實際結標的場數。
func (e *Engine) CloseDue(ctx context.Context) (int, error) {
	const op = "CloseDue"
	now := e.clock.Now()
	var due []uuid.UUID
	result := e.db.WithContext(ctx).Model(&models.Auction{}).
		Where("status = ? AND end_time <= ?", models.AuctionActive, now).
		Pluck("id", &due)
	if result.Error != nil {
		return 0, fmt.Errorf("[%s] Fail to list due auctions, err=%w", op, result.Error)
	}
	closed := 0
	for _, id := range due {
		if err := e.CloseAuction(ctx, id); err != nil {
			if errors.Is(err, ErrAlreadyClosed) || errors.Is(err, ErrAuctionNotFound) {
				continue
			}
			slog.Error("Fail to close auction", slog.String("op", op), slog.String("auctionID", id.String()), slog.Any("error", err))
			continue
		}
		closed++
	}
	return closed, nil
}

// EnsureClosed 是讀取路徑上的 lazy 結標檢查
// 拍賣已過截止時間但清掃還沒執行時，讀取方觸發結標，保證正確性不依賴
// 清掃間隔。拍賣不存在或尚未到期時不做任何事。
func (e *Engine) EnsureClosed(ctx context.Context, auctionID uuid.UUID) error {
	const op = "EnsureClosed"
	auction := models.Auction{ID: auctionID}
	if result := e.db.WithContext(ctx).First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrAuctionNotFound
		}
		return fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}
	if !closeDue(&auction, e.clock.Now()) {
		return nil
	}
	if err := e.CloseAuction(ctx, auctionID); err != nil && !errors.Is(err, ErrAlreadyClosed) {
		return err
	}
	return nil
}

// CloseAuction 將一場到期拍賣轉為 ended，並確定得標者
// 冪等：同一場拍賣被並行觸發結標時，只有一方的 CAS 會成功，輸的一方
// 收到 ErrAlreadyClosed。得標者確定與發票建立在同一個交易內完成，
// 結標一旦提交就不可能再有出價成功(出價 CAS 會因 status 改變而失敗)。
func (e *Engine) CloseAuction(ctx context.Context, auctionID uuid.UUID) error {
	const op = "CloseAuction"
	var (
		winnerID   *uuid.UUID
		finalPrice int64
		closedNow  bool
	)
	for attempt := 0; attempt < closeMaxRetries; attempt++ {
		closedNow = false
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			auction := models.Auction{ID: auctionID}
			if result := tx.First(&auction); result.Error != nil {
				if errors.Is(result.Error, gorm.ErrRecordNotFound) {
					return ErrAuctionNotFound
				}
				return fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
			}
			if auction.Status != models.AuctionActive {
				return ErrAlreadyClosed
			}
			if e.clock.Now().Before(auction.EndTime) {
				// 尚未到期，不做任何事
				return nil
			}
			// 得標者 = 最高已提交出價的出價者；無人出價則沒有得標者
			winnerID = nil
			var top models.Bid
			result := tx.Where("auction_id = ?", auctionID).
				Order("amount DESC, created_at ASC").
				First(&top)
			if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("[%s] Fail to find highest bid, err=%w", op, result.Error)
			}
			if result.Error == nil {
				winnerID = &top.BidderID
			}
			finalPrice = auction.CurrentPrice
			updates := map[string]any{
				"status":  models.AuctionEnded,
				"version": auction.Version + 1,
			}
			if winnerID != nil {
				updates["winner_id"] = *winnerID
			}
			result = tx.Model(&models.Auction{}).
				Where("id = ? AND version = ? AND status = ?", auctionID, auction.Version, models.AuctionActive).
				Updates(updates)
			if result.Error != nil {
				return fmt.Errorf("[%s] Fail to close auction, err=%w", op, result.Error)
			}
			if result.RowsAffected == 0 {
				return errVersionConflict
			}
			closedNow = true
			if winnerID != nil {
				auction.Status = models.AuctionEnded
				auction.WinnerID = winnerID
				if err := e.generateInvoice(tx, &auction); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, errVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		if closedNow {
			e.notifier.AuctionClosed(auctionID, winnerID, finalPrice)
			if winnerID != nil {
				e.notifier.SettlementChanged(auctionID, models.PaymentUnpaid)
			}
		}
		return nil
	}
	return fmt.Errorf("[%s] Fail to close auction after %d attempts, err=%w", op, closeMaxRetries, errVersionConflict)
}

// CancelAuction 由管理員取消一場進行中的拍賣
// 只允許 active 狀態；不產生得標者與發票，已提交的出價保留為歷史紀錄。
// ended / cancelled 是終態，再次取消回傳 ErrAlreadyClosed。
func (e *Engine) CancelAuction(ctx context.Context, auctionID uuid.UUID) error {
	const op = "CancelAuction"
	for attempt := 0; attempt < closeMaxRetries; attempt++ {
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			auction := models.Auction{ID: auctionID}
			if result := tx.First(&auction); result.Error != nil {
				if errors.Is(result.Error, gorm.ErrRecordNotFound) {
					return ErrAuctionNotFound
				}
				return fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
			}
			if auction.Status != models.AuctionActive {
				return ErrAlreadyClosed
			}
			result := tx.Model(&models.Auction{}).
				Where("id = ? AND version = ? AND status = ?", auctionID, auction.Version, models.AuctionActive).
				Updates(map[string]any{
					"status":  models.AuctionCancelled,
					"version": auction.Version + 1,
				})
			if result.Error != nil {
				return fmt.Errorf("[%s] Fail to cancel auction, err=%w", op, result.Error)
			}
			if result.RowsAffected == 0 {
				// version 被並行出價或結標搶先更新，重讀後再判斷
				return errVersionConflict
			}
			return nil
		})
		if errors.Is(err, errVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		e.notifier.AuctionClosed(auctionID, nil, 0)
		return nil
	}
	return fmt.Errorf("[%s] Fail to cancel auction after %d attempts, err=%w", op, closeMaxRetries, errVersionConflict)
}
