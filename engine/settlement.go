package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Kijeee02/e-auction-web-rev-sub001/models"
)

// PaymentSubmission 是得標者提交的付款資訊
// ProofURL 是外部文件儲存回傳的參照，引擎不解讀文件內容。
type PaymentSubmission struct {
	Method        string
	ProofURL      string
	BankName      string
	AccountName   string
	AccountNumber string
}

// generateInvoice 在結標交易內為得標者建立付款/發票紀錄
// 發票金額固定為拍賣的最終價格，發票號碼由 (結標日, 拍賣ID) 決定性產生。
// payments.auction_id 的唯一性約束保證同一場拍賣最多只會有一筆紀錄，
// 即使被並行呼叫，輸的一方會收到 ErrDuplicateInvoice。
func (e *Engine) generateInvoice(tx *gorm.DB, auction *models.Auction) error {
	const op = "generateInvoice"
	if auction.Status != models.AuctionEnded || auction.WinnerID == nil {
		return ErrInvalidStateTransition
	}
	var existing int64
	if result := tx.Model(&models.Payment{}).Where("auction_id = ?", auction.ID).Count(&existing); result.Error != nil {
		return fmt.Errorf("[%s] Fail to check existing payment, err=%w", op, result.Error)
	}
	if existing > 0 {
		return ErrDuplicateInvoice
	}
	invoiceNumber := invoiceNumberFor(auction, e.clock)
	payment := models.Payment{
		AuctionID: auction.ID,
		WinnerID:  *auction.WinnerID,
		Amount:    auction.CurrentPrice,
		Status:    models.PaymentUnpaid,
	}
	if result := tx.Create(&payment); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicateInvoice
		}
		return fmt.Errorf("[%s] Fail to create payment, err=%w", op, result.Error)
	}
	result := tx.Model(&models.Auction{}).
		Where("id = ?", auction.ID).
		Update("invoice_number", invoiceNumber)
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to assign invoice number, err=%w", op, result.Error)
	}
	return nil
}

// invoiceNumberFor 產生發票號碼，例如 INV/20260901/3F2A9C41
// 對同一場拍賣是決定性的唯一值(拍賣ID只會結標一次)。
func invoiceNumberFor(auction *models.Auction, clock Clock) string {
	short := strings.ToUpper(strings.ReplaceAll(auction.ID.String(), "-", ""))[:8]
	return fmt.Sprintf("INV/%s/%s", clock.Now().Format("20060102"), short)
}

// PaymentForAuction 返回一場拍賣的付款/發票紀錄
// 尚未結標或無得標者時回傳 (nil, nil) 表示「沒有紀錄」。
func (e *Engine) PaymentForAuction(ctx context.Context, auctionID uuid.UUID) (*models.Payment, error) {
	const op = "PaymentForAuction"
	auction := models.Auction{ID: auctionID}
	if result := e.db.WithContext(ctx).Select("id").First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}
	var payment models.Payment
	result := e.db.WithContext(ctx).Preload("Winner").Preload("VerifiedBy").
		Where("auction_id = ?", auctionID).First(&payment)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("[%s] Fail to find payment, err=%w", op, result.Error)
	}
	return &payment, nil
}

// SubmitPayment 由得標者提交付款證明：unpaid/rejected → pending
// 只允許紀錄上的得標者呼叫。重新提交(rejected → pending)會清除先前的
// 審核欄位。狀態守衛直接寫進 UPDATE 條件，與管理員審核並行時最多一方生效。
func (e *Engine) SubmitPayment(ctx context.Context, auctionID, callerID uuid.UUID, sub PaymentSubmission) (*models.Payment, error) {
	const op = "SubmitPayment"
	var updated models.Payment
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := paymentInTx(tx, auctionID)
		if err != nil {
			return err
		}
		if payment.WinnerID != callerID {
			return ErrNotAuthorized
		}
		if payment.Status != models.PaymentUnpaid && payment.Status != models.PaymentRejected {
			return ErrInvalidStateTransition
		}
		result := tx.Model(&models.Payment{}).
			Where("id = ? AND status IN ?", payment.ID, []models.PaymentStatus{models.PaymentUnpaid, models.PaymentRejected}).
			Updates(map[string]any{
				"status":           models.PaymentPending,
				"method":           sub.Method,
				"proof_url":        sub.ProofURL,
				"bank_name":        sub.BankName,
				"account_name":     sub.AccountName,
				"account_number":   sub.AccountNumber,
				"notes":            "",
				"verified_at":      nil,
				"verified_by_id":   nil,
				"release_doc_url":  nil,
				"handover_doc_url": nil,
			})
		if result.Error != nil {
			return fmt.Errorf("[%s] Fail to submit payment, err=%w", op, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInvalidStateTransition
		}
		return refresh(tx, payment.ID, &updated)
	})
	if err != nil {
		return nil, err
	}
	e.notifier.SettlementChanged(auctionID, models.PaymentPending)
	return &updated, nil
}

// VerifyPayment 由管理員確認付款：pending → verified
// 記錄審核者、審核時間與放行/交割文件參照。verified 對該次提交是終態，
// 重複 verify 會被拒絕以保留單次審核的稽核軌跡。
func (e *Engine) VerifyPayment(ctx context.Context, auctionID, adminID uuid.UUID, notes, releaseDocURL, handoverDocURL string) (*models.Payment, error) {
	const op = "VerifyPayment"
	var updated models.Payment
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireAdmin(tx, adminID); err != nil {
			return err
		}
		payment, err := paymentInTx(tx, auctionID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentPending {
			return ErrInvalidStateTransition
		}
		now := e.clock.Now()
		result := tx.Model(&models.Payment{}).
			Where("id = ? AND status = ?", payment.ID, models.PaymentPending).
			Updates(map[string]any{
				"status":           models.PaymentVerified,
				"notes":            notes,
				"verified_at":      now,
				"verified_by_id":   adminID,
				"release_doc_url":  releaseDocURL,
				"handover_doc_url": handoverDocURL,
			})
		if result.Error != nil {
			return fmt.Errorf("[%s] Fail to verify payment, err=%w", op, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInvalidStateTransition
		}
		return refresh(tx, payment.ID, &updated)
	})
	if err != nil {
		return nil, err
	}
	e.notifier.SettlementChanged(auctionID, models.PaymentVerified)
	return &updated, nil
}

// RejectPayment 由管理員駁回付款：pending → rejected
// 駁回原因記錄在 Notes，得標者之後可以重新提交(回到 pending)。
func (e *Engine) RejectPayment(ctx context.Context, auctionID, adminID uuid.UUID, reason string) (*models.Payment, error) {
	const op = "RejectPayment"
	var updated models.Payment
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireAdmin(tx, adminID); err != nil {
			return err
		}
		payment, err := paymentInTx(tx, auctionID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentPending {
			return ErrInvalidStateTransition
		}
		result := tx.Model(&models.Payment{}).
			Where("id = ? AND status = ?", payment.ID, models.PaymentPending).
			Updates(map[string]any{
				"status": models.PaymentRejected,
				"notes":  reason,
			})
		if result.Error != nil {
			return fmt.Errorf("[%s] Fail to reject payment, err=%w", op, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInvalidStateTransition
		}
		return refresh(tx, payment.ID, &updated)
	})
	if err != nil {
		return nil, err
	}
	e.notifier.SettlementChanged(auctionID, models.PaymentRejected)
	return &updated, nil
}

func paymentInTx(tx *gorm.DB, auctionID uuid.UUID) (*models.Payment, error) {
	const op = "paymentInTx"
	auction := models.Auction{ID: auctionID}
	if result := tx.Select("id").First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}
	var payment models.Payment
	if result := tx.Where("auction_id = ?", auctionID).First(&payment); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidStateTransition
		}
		return nil, fmt.Errorf("[%s] Fail to find payment, err=%w", op, result.Error)
	}
	return &payment, nil
}

func requireAdmin(tx *gorm.DB, adminID uuid.UUID) error {
	const op = "requireAdmin"
	user := models.User{ID: adminID}
	if result := tx.First(&user); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrNotAuthorized
		}
		return fmt.Errorf("[%s] Fail to find user, err=%w", op, result.Error)
	}
	if !user.IsAdmin {
		return ErrNotAuthorized
	}
	return nil
}

func refresh(tx *gorm.DB, paymentID uuid.UUID, dst *models.Payment) error {
	const op = "refresh"
	dst.ID = paymentID
	if result := tx.First(dst); result.Error != nil {
		return fmt.Errorf("[%s] Fail to reload payment, err=%w", op, result.Error)
	}
	return nil
}
