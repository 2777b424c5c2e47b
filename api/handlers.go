package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	internalS3 "github.com/Kijeee02/e-auction-web-rev-sub001/adapters/s3"
	"github.com/Kijeee02/e-auction-web-rev-sub001/engine"
	"github.com/Kijeee02/e-auction-web-rev-sub001/models"
)

const maxDocumentSize = 5 << 20

func parseUserID(token *JWT) (uuid.UUID, error) {
	return uuid.Parse(token.Subject)
}

type messageResponse struct {
	Message *string `json:"message,omitempty"`
}

// Add a new auction item
// (POST /auction/items)
func (impl *ServerImpl) PostAuctionItem(c *gin.Context) {
	const op = "PostAuctionItem"
	token := impl.authenticate(c)
	if token == nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	sellerID, err := parseUserID(token)
	if err != nil {
		c.Status(http.StatusUnauthorized)
		return
	}

	var body struct {
		Title         string     `json:"title" binding:"required"`
		Description   *string    `json:"description"`
		StartingPrice int64      `json:"startingPrice"`
		MinIncrement  int64      `json:"minIncrement" binding:"required"`
		StartTime     *time.Time `json:"startTime"`
		EndTime       time.Time  `json:"endTime" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, messageResponse{Message: lo.ToPtr(err.Error())})
		return
	}
	// 處理預設值
	if body.Description == nil {
		body.Description = lo.ToPtr("")
	}
	if body.StartTime == nil {
		body.StartTime = lo.ToPtr(time.Now())
	}
	// 檢查拍賣時間和金額是否合法
	if body.StartTime.After(body.EndTime) || body.EndTime.Before(time.Now()) {
		c.JSON(http.StatusBadRequest, messageResponse{Message: lo.ToPtr("Invalid auction time")})
		return
	}
	if body.StartingPrice < 0 || body.MinIncrement <= 0 {
		c.JSON(http.StatusBadRequest, messageResponse{Message: lo.ToPtr("Invalid auction price")})
		return
	}

	// 儲存拍賣物品
	auction := models.Auction{
		SellerID:      sellerID,
		Title:         body.Title,
		Description:   impl.htmlChecker.Sanitize(*body.Description),
		StartingPrice: body.StartingPrice,
		MinIncrement:  body.MinIncrement,
		StartTime:     *body.StartTime,
		EndTime:       body.EndTime,
	}
	if result := impl.db.Create(&auction); result.Error != nil {
		slog.Error("Fail to create auction item", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Location", auction.ID.String())
	c.Status(http.StatusCreated)
}

// List auction items
// (GET /auction/items)
func (impl *ServerImpl) GetAuctionItems(c *gin.Context) {
	const op = "GetAuctionItems"
	now := time.Now()
	// 先補上clock可能遺漏的結標，讓列表看到的狀態是最新的
	if _, err := impl.engine.CloseDue(c.Request.Context()); err != nil {
		slog.Error("Fail to close due auctions", slog.String("op", op), slog.Any("error", err))
	}
	// 建立查詢
	query := impl.db.Model(&models.Auction{})
	//  - title
	if title := c.Query("title"); title != "" {
		query = query.Where("title LIKE ?", "%"+title+"%")
	}
	//  - excludeEnded
	if c.Query("excludeEnded") == "true" {
		query = query.Where("status = ?", models.AuctionActive).Where("end_time > ?", now)
	}
	//  - sort
	sortKey, desc := "end_time", false
	switch c.DefaultQuery("sortKey", "end_time") {
	case "title":
		sortKey = "title"
	case "start_time":
		sortKey = "start_time"
	case "end_time":
		sortKey = "end_time"
	case "current_price":
		sortKey = "current_price"
	case "starting_price":
		sortKey = "starting_price"
	default:
		c.JSON(http.StatusBadRequest, messageResponse{Message: lo.ToPtr("Invalid sort key")})
		return
	}
	if c.Query("sortOrder") == "desc" {
		desc = true
	}
	query = query.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: sortKey}, Desc: desc},
		{Column: clause.Column{Name: "id"}, Desc: false},
	}})
	//  - cursor
	if lastItemID := c.Query("lastItemID"); lastItemID != "" {
		lastID, err := uuid.Parse(lastItemID)
		if err != nil {
			c.JSON(http.StatusBadRequest, messageResponse{Message: lo.ToPtr("Invalid last item id")})
			return
		}
		var cursor string
		if result := impl.db.Model(&models.Auction{}).Select(sortKey).Where("id = ?", lastID).First(&cursor); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusBadRequest, messageResponse{Message: lo.ToPtr("Last item not found")})
				return
			}
			slog.Error("Fail to find last item", slog.String("op", op), slog.Any("error", result.Error))
			c.Status(http.StatusInternalServerError)
			return
		}
		if desc {
			query = query.Where(sortKey+" < ?", cursor)
		} else {
			query = query.Where(sortKey+" > ?", cursor)
		}
		query = query.Or(sortKey+" = ? AND id > ?", cursor, lastID)
	}
	//  - size
	size := 20
	if s := c.Query("size"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed <= 0 || parsed > 100 {
			c.JSON(http.StatusBadRequest, messageResponse{Message: lo.ToPtr("Invalid size")})
			return
		}
		size = parsed
	}
	query = query.Limit(size)

	// 查詢拍賣物品
	var auctions []models.Auction
	if result := query.Find(&auctions); result.Error != nil {
		slog.Error("Fail to list auction items", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	output := make([]gin.H, len(auctions))
	for i, auction := range auctions {
		output[i] = gin.H{
			"id":           auction.ID,
			"title":        auction.Title,
			"currentPrice": auction.CurrentPrice,
			"status":       auction.Status,
			"startTime":    auction.StartTime,
			"endTime":      auction.EndTime,
			"isEnded":      auction.Status != models.AuctionActive || now.After(auction.EndTime),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(auctions),
		"items": output,
	})
}

// Get auction item details
// (GET /auction/items/:itemID)
func (impl *ServerImpl) GetAuctionItem(c *gin.Context) {
	const op = "GetAuctionItem"
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	// GetAuction會先補上可能遺漏的結標
	auction, err := impl.engine.GetAuction(c.Request.Context(), auctionID)
	if errors.Is(err, engine.ErrAuctionNotFound) {
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Fail to find auction item", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	bids, err := impl.engine.ListBids(c.Request.Context(), auctionID)
	if err != nil {
		slog.Error("Fail to list bids", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	bidRecords := make([]gin.H, len(bids))
	for i, bid := range bids {
		bidRecords[i] = gin.H{
			"amount": bid.Amount,
			"bidder": bid.Bidder.Username,
			"time":   bid.CreatedAt,
		}
	}
	var winner *string
	if auction.Winner != nil {
		winner = lo.ToPtr(auction.Winner.Username)
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            auction.ID,
		"title":         auction.Title,
		"description":   auction.Description,
		"status":        auction.Status,
		"startingPrice": auction.StartingPrice,
		"currentPrice":  auction.CurrentPrice,
		"minIncrement":  auction.MinIncrement,
		"startTime":     auction.StartTime,
		"endTime":       auction.EndTime,
		"winner":        winner,
		"invoiceNumber": auction.InvoiceNumber,
		"bidRecords":    bidRecords,
	})
}

// Place a bid on an auction item
// (POST /auction/items/:itemID/bids)
func (impl *ServerImpl) PostAuctionItemBid(c *gin.Context) {
	const op = "PostAuctionItemBid"
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	token := impl.authenticate(c)
	if token == nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	bidderID, err := parseUserID(token)
	if err != nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	var body struct {
		Amount int64 `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, messageResponse{Message: lo.ToPtr(err.Error())})
		return
	}

	// 取得Redis上商品的出價鎖
	// 鎖只是熱門拍賣下降低資料庫衝突重試的屏障，正確性由引擎內的CAS保證。
	lockKey := fmt.Sprintf("%sauction:%s:lock", impl.config.Redis.KeyPrefix, auctionID)
	dMutex := impl.newBidLock(lockKey)
	lockCtx, err := dMutex.Lock(c.Request.Context())
	if err != nil {
		slog.Error("Fail to acquire bid lock", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer func() {
		if _, err := dMutex.Unlock(); err != nil {
			slog.Warn("Fail to release bid lock", slog.String("op", op), slog.Any("error", err))
		}
	}()

	bid, err := impl.engine.PlaceBid(lockCtx, auctionID, bidderID, body.Amount)
	switch {
	case errors.Is(err, engine.ErrAuctionNotFound):
		c.Status(http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrAuctionNotActive):
		c.JSON(http.StatusGone, messageResponse{Message: lo.ToPtr("Auction is not accepting bids")})
		return
	case errors.Is(err, engine.ErrSelfBidNotAllowed):
		c.JSON(http.StatusForbidden, messageResponse{Message: lo.ToPtr("Sellers cannot bid on their own auctions")})
		return
	case errors.Is(err, engine.ErrBidTooLow):
		c.JSON(http.StatusBadRequest, messageResponse{Message: lo.ToPtr("Bid amount is too low")})
		return
	case err != nil:
		slog.Error("Fail to place bid", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	slog.Info("Higher bid occurs", slog.String("user", bidderID.String()), slog.Int64("bid", bid.Amount), slog.String("auctionID", auctionID.String()))
	c.JSON(http.StatusCreated, gin.H{
		"id":     bid.ID,
		"amount": bid.Amount,
		"time":   bid.CreatedAt,
	})
}

// Cancel an auction item
// (POST /auction/items/:itemID/cancel)
func (impl *ServerImpl) PostAuctionItemCancel(c *gin.Context) {
	const op = "PostAuctionItemCancel"
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	token := impl.authenticate(c)
	if token == nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	if !impl.isAdmin(token) {
		c.Status(http.StatusForbidden)
		return
	}
	err = impl.engine.CancelAuction(c.Request.Context(), auctionID)
	switch {
	case errors.Is(err, engine.ErrAuctionNotFound):
		c.Status(http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrAlreadyClosed):
		c.JSON(http.StatusConflict, messageResponse{Message: lo.ToPtr("Auction has already ended")})
		return
	case err != nil:
		slog.Error("Fail to cancel auction", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}

// Track auction item events
// (GET /auction/items/:itemID/events)
func (impl *ServerImpl) GetAuctionItemEvents(c *gin.Context) {
	const op = "GetAuctionItemEvents"
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	// 檢查拍賣物品是否存在
	auction := models.Auction{ID: auctionID}
	if result := impl.db.First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction item", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	// 檢查拍賣物品是否已經開始拍賣(開始前5分鐘開放連線)
	if time.Now().Before(auction.StartTime.Add(-5 * time.Minute)) {
		c.JSON(http.StatusForbidden, messageResponse{Message: lo.ToPtr("Auction has not started")})
		return
	}
	// 結標後的結算事件仍會推送，所以已結束的拍賣只擋掉取消的
	if auction.Status == models.AuctionCancelled {
		c.JSON(http.StatusGone, messageResponse{Message: lo.ToPtr("Auction has been cancelled")})
		return
	}
	// SSE請求合法，開始初始化串流
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	ch, err := impl.sseManager.Subscribe(auctionID.String())
	if err != nil {
		slog.Error("Fail to subscribe to item events", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
LOOP:
	for {
		select {
		case <-w.CloseNotify():
			impl.sseManager.Unsubscribe(auctionID.String(), ch)
			break LOOP
		case event := <-ch:
			c.SSEvent(string(event.Kind), event)
			w.Flush()
		// 30秒沒有事件就發送一個空行，確保瀏覽器和Cloudflare不會斷開連線
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

// Get payment status for an auction item
// (GET /auction/items/:itemID/payment)
func (impl *ServerImpl) GetAuctionItemPayment(c *gin.Context) {
	const op = "GetAuctionItemPayment"
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	token := impl.authenticate(c)
	if token == nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	callerID, err := parseUserID(token)
	if err != nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	payment, err := impl.engine.PaymentForAuction(c.Request.Context(), auctionID)
	if errors.Is(err, engine.ErrAuctionNotFound) {
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Fail to find payment", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	if payment == nil {
		c.JSON(http.StatusNotFound, messageResponse{Message: lo.ToPtr("No payment record for this auction")})
		return
	}
	// 只有得標者和管理員可以查看付款資訊
	if payment.WinnerID != callerID && !impl.isAdmin(token) {
		c.Status(http.StatusForbidden)
		return
	}
	c.JSON(http.StatusOK, paymentView(payment))
}

// Submit payment proof for an auction item
// (POST /auction/items/:itemID/payment)
func (impl *ServerImpl) PostAuctionItemPayment(c *gin.Context) {
	const op = "PostAuctionItemPayment"
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	token := impl.authenticate(c)
	if token == nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	callerID, err := parseUserID(token)
	if err != nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	// 上傳證明檔案前先確認呼叫者確實是得標者且付款狀態允許提交，
	// 否則會留下無主的S3物件。最終檢查仍由引擎在交易內完成。
	payment, err := impl.engine.PaymentForAuction(c.Request.Context(), auctionID)
	if err != nil {
		slog.Error("Fail to find payment", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	if payment == nil {
		c.Status(http.StatusNotFound)
		return
	}
	if payment.WinnerID != callerID {
		c.Status(http.StatusForbidden)
		return
	}
	if payment.Status != models.PaymentUnpaid && payment.Status != models.PaymentRejected {
		c.JSON(http.StatusConflict, messageResponse{Message: lo.ToPtr("Payment is not in a state that allows this operation")})
		return
	}

	proofURL, ok := impl.uploadFormDocument(c, "proof", "proofs")
	if !ok {
		return
	}
	submission := engine.PaymentSubmission{
		Method:        c.PostForm("method"),
		ProofURL:      proofURL,
		BankName:      c.PostForm("bankName"),
		AccountName:   c.PostForm("accountName"),
		AccountNumber: c.PostForm("accountNumber"),
	}
	payment, err = impl.engine.SubmitPayment(c.Request.Context(), auctionID, callerID, submission)
	impl.respondSettlement(c, op, payment, err)
}

// Verify a submitted payment
// (POST /auction/items/:itemID/payment/verify)
func (impl *ServerImpl) PostAuctionItemPaymentVerify(c *gin.Context) {
	const op = "PostAuctionItemPaymentVerify"
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	token := impl.authenticate(c)
	if token == nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	adminID, err := parseUserID(token)
	if err != nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	// 同樣先驗證權限與狀態再上傳文件，避免非管理員請求也寫入S3
	if !impl.isAdmin(token) {
		c.Status(http.StatusForbidden)
		return
	}
	payment, err := impl.engine.PaymentForAuction(c.Request.Context(), auctionID)
	if err != nil {
		slog.Error("Fail to find payment", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	if payment == nil {
		c.Status(http.StatusNotFound)
		return
	}
	if payment.Status != models.PaymentPending {
		c.JSON(http.StatusConflict, messageResponse{Message: lo.ToPtr("Payment is not in a state that allows this operation")})
		return
	}

	releaseDocURL, ok := impl.uploadFormDocument(c, "releaseDoc", "release-docs")
	if !ok {
		return
	}
	handoverDocURL, ok := impl.uploadFormDocument(c, "handoverDoc", "handover-docs")
	if !ok {
		return
	}
	payment, err = impl.engine.VerifyPayment(c.Request.Context(), auctionID, adminID, c.PostForm("notes"), releaseDocURL, handoverDocURL)
	impl.respondSettlement(c, op, payment, err)
}

// Reject a submitted payment
// (POST /auction/items/:itemID/payment/reject)
func (impl *ServerImpl) PostAuctionItemPaymentReject(c *gin.Context) {
	const op = "PostAuctionItemPaymentReject"
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	token := impl.authenticate(c)
	if token == nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	adminID, err := parseUserID(token)
	if err != nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	var body struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, messageResponse{Message: lo.ToPtr(err.Error())})
		return
	}
	payment, err := impl.engine.RejectPayment(c.Request.Context(), auctionID, adminID, body.Reason)
	impl.respondSettlement(c, op, payment, err)
}

// respondSettlement 統一處理結算操作的回應與錯誤對應
func (impl *ServerImpl) respondSettlement(c *gin.Context, op string, payment *models.Payment, err error) {
	switch {
	case errors.Is(err, engine.ErrAuctionNotFound):
		c.Status(http.StatusNotFound)
	case errors.Is(err, engine.ErrNotAuthorized):
		c.Status(http.StatusForbidden)
	case errors.Is(err, engine.ErrInvalidStateTransition):
		c.JSON(http.StatusConflict, messageResponse{Message: lo.ToPtr("Payment is not in a state that allows this operation")})
	case err != nil:
		slog.Error("Fail to update payment", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
	default:
		c.JSON(http.StatusOK, paymentView(payment))
	}
}

func paymentView(payment *models.Payment) gin.H {
	return gin.H{
		"auctionID":      payment.AuctionID,
		"winnerID":       payment.WinnerID,
		"amount":         payment.Amount,
		"status":         payment.Status,
		"method":         payment.Method,
		"proofURL":       payment.ProofURL,
		"bankName":       payment.BankName,
		"accountName":    payment.AccountName,
		"accountNumber":  payment.AccountNumber,
		"notes":          payment.Notes,
		"verifiedAt":     payment.VerifiedAt,
		"releaseDocURL":  payment.ReleaseDocURL,
		"handoverDocURL": payment.HandoverDocURL,
	}
}

// uploadFormDocument 讀取multipart欄位中的文件並上傳到S3
// 限制文件
//  1. 小於5MB
//  2. MIME類型為不包含腳本的圖片或PDF檔案
//
// 失敗時直接寫入錯誤回應並回傳false。
func (impl *ServerImpl) uploadFormDocument(c *gin.Context, field, prefix string) (string, bool) {
	const op = "uploadFormDocument"
	fileHeader, err := c.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, messageResponse{Message: lo.ToPtr(fmt.Sprintf("Missing %s file", field))})
		return "", false
	}
	f, err := fileHeader.Open()
	if err != nil {
		slog.Error("Fail to open uploaded file", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return "", false
	}
	defer f.Close()
	body := internalS3.NewMaxSizeReader(f, maxDocumentSize)
	file, err := io.ReadAll(body)
	if errors.As(err, &internalS3.ErrReachLimitType) {
		c.JSON(http.StatusBadRequest, messageResponse{Message: lo.ToPtr(err.Error())})
		return "", false
	}
	if err != nil {
		slog.Error("Fail to read uploaded file", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return "", false
	}
	mimeType := http.DetectContentType(file)
	secure, ext := internalS3.CheckSecureDocumentAndGetExtension(mimeType)
	if !secure {
		c.JSON(http.StatusBadRequest, messageResponse{Message: lo.ToPtr(fmt.Sprintf("Invalid document type: %s", mimeType))})
		return "", false
	}
	// 透過S3 API儲存文件
	url, err := impl.documents.UploadDocument(c.Request.Context(), prefix+"/"+uuid.New().String()+"."+ext, mimeType, file)
	if err != nil {
		slog.Error("Fail to upload document", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return "", false
	}
	return url, true
}
