package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Kijeee02/e-auction-web-rev-sub001/models"
)

// PlaceBid 驗證並提交一筆出價
// 整個准入流程在單一交易內完成：重新讀取權威的目前價格(絕不信任呼叫端
// 看到的價格)、檢查准入條件、以 CAS 更新拍賣目前價格並寫入出價紀錄。
// CAS 失敗表示有並行出價先行提交，會以最新價格重新驗證後重試。
//
// 回傳已提交的出價；失敗時回傳型別化錯誤且不產生任何資料變更。
func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidderID uuid.UUID, amount int64) (*models.Bid, error) {
	const op = "PlaceBid"
	var committed *models.Bid
	for attempt := 0; attempt < placeBidMaxRetries; attempt++ {
		bid, err := e.tryPlaceBid(ctx, auctionID, bidderID, amount)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		committed = bid
		break
	}
	if committed == nil {
		return nil, fmt.Errorf("[%s] Fail to commit bid after %d attempts, err=%w", op, placeBidMaxRetries, errVersionConflict)
	}
	// 交易已提交，通知讀取模型失效(fire-and-forget)
	e.notifier.BidCommitted(*committed)
	return committed, nil
}

func (e *Engine) tryPlaceBid(ctx context.Context, auctionID, bidderID uuid.UUID, amount int64) (*models.Bid, error) {
	const op = "tryPlaceBid"
	now := e.clock.Now()
	var committed models.Bid
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auction := models.Auction{ID: auctionID}
		if result := tx.First(&auction); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrAuctionNotFound
			}
			return fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
		}
		if err := admissionGuard(&auction, now); err != nil {
			return err
		}
		if bidderID == auction.SellerID {
			return ErrSelfBidNotAllowed
		}
		// 出價規則：第一筆出價 >= 起標價，之後的出價 >= 目前價格 + 最低加價幅度
		var bidCount int64
		if result := tx.Model(&models.Bid{}).Where("auction_id = ?", auctionID).Count(&bidCount); result.Error != nil {
			return fmt.Errorf("[%s] Fail to count bids, err=%w", op, result.Error)
		}
		required := auction.CurrentPrice + auction.MinIncrement
		if bidCount == 0 {
			required = auction.StartingPrice
		}
		if amount < required {
			return ErrBidTooLow
		}
		// CAS：同一場拍賣的價格更新與結標判定共用 version 序列化
		result := tx.Model(&models.Auction{}).
			Where("id = ? AND version = ? AND status = ?", auctionID, auction.Version, models.AuctionActive).
			Updates(map[string]any{
				"current_price": amount,
				"version":       auction.Version + 1,
			})
		if result.Error != nil {
			return fmt.Errorf("[%s] Fail to update current price, err=%w", op, result.Error)
		}
		if result.RowsAffected == 0 {
			return errVersionConflict
		}
		committed = models.Bid{
			AuctionID: auctionID,
			BidderID:  bidderID,
			Amount:    amount,
		}
		if result := tx.Create(&committed); result.Error != nil {
			return fmt.Errorf("[%s] Fail to create bid, err=%w", op, result.Error)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &committed, nil
}

// GetAuction 返回拍賣詳情
// 讀取前先執行 lazy 結標檢查，保證回傳的狀態不會是「已過期卻仍 active」。
func (e *Engine) GetAuction(ctx context.Context, auctionID uuid.UUID) (*models.Auction, error) {
	const op = "GetAuction"
	if err := e.EnsureClosed(ctx, auctionID); err != nil && !errors.Is(err, ErrAuctionNotFound) {
		return nil, fmt.Errorf("[%s] Fail to run lazy close, err=%w", op, err)
	}
	auction := models.Auction{ID: auctionID}
	if result := e.db.WithContext(ctx).Preload("Winner").First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}
	return &auction, nil
}

// ListBids 返回一場拍賣的出價紀錄(新到舊)
func (e *Engine) ListBids(ctx context.Context, auctionID uuid.UUID) ([]models.Bid, error) {
	const op = "ListBids"
	auction := models.Auction{ID: auctionID}
	if result := e.db.WithContext(ctx).Select("id").First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}
	var bids []models.Bid
	result := e.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).
		Preload("Bidder").
		Find(&bids)
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list bids, err=%w", op, result.Error)
	}
	return bids, nil
}
