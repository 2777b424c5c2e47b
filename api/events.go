package api

import (
	"time"

	"github.com/google/uuid"
)

// EventKind 區分拍賣事件的種類
type EventKind string

const (
	EventBid        EventKind = "bid"
	EventClosed     EventKind = "closed"
	EventSettlement EventKind = "settlement"
)

// AuctionEvent 是寫入Redis stream並透過SSE推送給訂閱者的拍賣事件
// 同一個結構同時作為stream的msgpack負載與SSE的JSON負載。
type AuctionEvent struct {
	Kind      EventKind  `json:"kind" msgpack:"kind"`
	AuctionID uuid.UUID  `json:"auctionID" msgpack:"auctionID"`
	Username  string     `json:"username,omitempty" msgpack:"username"`
	WinnerID  *uuid.UUID `json:"winnerID,omitempty" msgpack:"winnerID"`
	Amount    int64      `json:"amount,omitempty" msgpack:"amount"`
	Status    string     `json:"status,omitempty" msgpack:"status"`
	Time      time.Time  `json:"time" msgpack:"time"`
}
