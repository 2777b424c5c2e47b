package engine

import (
	"time"

	"github.com/Kijeee02/e-auction-web-rev-sub001/models"
)

// admissionGuard 檢查拍賣是否可以接受出價
// 截止規則只有這一個定義：出價准入與生命週期的 lazy 檢查都使用它，
// 出價時間 >= 截止時間一律拒絕，即使結標清掃還沒執行到這場拍賣。
func admissionGuard(auction *models.Auction, now time.Time) error {
	if auction.Status != models.AuctionActive {
		return ErrAuctionNotActive
	}
	if now.Before(auction.StartTime) {
		return ErrAuctionNotActive
	}
	if !now.Before(auction.EndTime) {
		return ErrAuctionNotActive
	}
	return nil
}

// closeDue 檢查拍賣是否到達結標條件
func closeDue(auction *models.Auction, now time.Time) bool {
	return auction.Status == models.AuctionActive && !now.Before(auction.EndTime)
}
