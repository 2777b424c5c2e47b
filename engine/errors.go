package engine

import "errors"

// 引擎對外的錯誤類型
// 驗證類錯誤(出價太低、自我出價、非法狀態轉移、未授權)屬於預期情況，
// 回傳給呼叫者時不產生任何資料變更，也不以故障方式記錄。
var (
	ErrAuctionNotFound       = errors.New("auction not found")
	ErrAuctionNotActive      = errors.New("auction is not accepting bids")
	ErrBidTooLow             = errors.New("bid amount too low")
	ErrSelfBidNotAllowed     = errors.New("seller cannot bid on own auction")
	ErrAlreadyClosed         = errors.New("auction already closed")
	ErrInvalidStateTransition = errors.New("invalid settlement state transition")
	ErrNotAuthorized         = errors.New("caller is not authorized")
	ErrDuplicateInvoice      = errors.New("invoice already generated for auction")
)

// errVersionConflict 表示樂觀鎖 CAS 失敗，呼叫端應重新讀取後重試
var errVersionConflict = errors.New("auction version conflict")
