package engine_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Kijeee02/e-auction-web-rev-sub001/engine"
	"github.com/Kijeee02/e-auction-web-rev-sub001/models"
)

var testDBSeq atomic.Int64

// fakeClock 是測試用的可調時鐘
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier 記錄引擎發出的通知，驗證 fire-and-forget 事件
type recordingNotifier struct {
	mu          sync.Mutex
	bids        []models.Bid
	closed      []uuid.UUID
	settlements []models.PaymentStatus
}

func (n *recordingNotifier) BidCommitted(bid models.Bid) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bids = append(n.bids, bid)
}

func (n *recordingNotifier) AuctionClosed(auctionID uuid.UUID, _ *uuid.UUID, _ int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, auctionID)
}

func (n *recordingNotifier) SettlementChanged(_ uuid.UUID, status models.PaymentStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settlements = append(n.settlements, status)
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:engine_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 單一連線：SQLite 不支援並行寫入，交易一律序列化執行
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Auction{}, &models.Bid{}, &models.Payment{}))
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func setupEngine(t *testing.T) (*engine.Engine, *gorm.DB, *fakeClock, *recordingNotifier) {
	t.Helper()
	db := setupDB(t)
	clock := newFakeClock(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
	notifier := &recordingNotifier{}
	e := engine.New(db, engine.WithClock(clock), engine.WithNotifier(notifier))
	return e, db, clock, notifier
}

func createUser(t *testing.T, db *gorm.DB, username string, isAdmin bool) models.User {
	t.Helper()
	user := models.User{Username: username, IsAdmin: isAdmin}
	require.NoError(t, db.Create(&user).Error)
	return user
}

type auctionParams struct {
	seller        uuid.UUID
	startingPrice int64
	minIncrement  int64
	startsIn      time.Duration
	endsIn        time.Duration
}

func createAuction(t *testing.T, db *gorm.DB, clock *fakeClock, p auctionParams) models.Auction {
	t.Helper()
	now := clock.Now()
	auction := models.Auction{
		SellerID:      p.seller,
		Title:         "test auction",
		Description:   "",
		StartingPrice: p.startingPrice,
		MinIncrement:  p.minIncrement,
		StartTime:     now.Add(p.startsIn),
		EndTime:       now.Add(p.endsIn),
	}
	require.NoError(t, db.Create(&auction).Error)
	return auction
}

func reloadAuction(t *testing.T, db *gorm.DB, id uuid.UUID) models.Auction {
	t.Helper()
	auction := models.Auction{ID: id}
	require.NoError(t, db.First(&auction).Error)
	return auction
}
