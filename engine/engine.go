// Package engine 實作拍賣出價與結算引擎的核心：
// 出價帳本(Price Ledger)、出價准入、拍賣生命週期與付款/發票狀態機。
//
// 同一場拍賣的出價准入、結標判定與發票建立共用同一個序列化域：
// auctions 資料列上的樂觀鎖版本(Version)。所有會修改 CurrentPrice 或
// Status 的操作都在單一交易內以 CAS(id + version) 提交，CAS 失敗表示
// 有並行操作先行提交，呼叫端重新讀取後重試或放棄。
package engine

import (
	"gorm.io/gorm"
)

// placeBidMaxRetries 是出價 CAS 失敗後的重試上限
// 每次重試都會重新讀取最新價格並重新驗證，不會以舊價格盲目重試。
const placeBidMaxRetries = 3

type Engine struct {
	db       *gorm.DB
	clock    Clock
	notifier Notifier
}

type Option func(*Engine)

// WithClock 設置引擎的時間來源
func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithNotifier 設置引擎的事件通知介面
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// New 建立拍賣引擎
func New(db *gorm.DB, opts ...Option) *Engine {
	e := &Engine{
		db:       db,
		clock:    SystemClock(),
		notifier: NopNotifier{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
