package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kijeee02/e-auction-web-rev-sub001/models"
)

func decodeBody(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestPostAuctionItem(t *testing.T) {
	ts := setupServer(t)
	seller := ts.createUser(t, "budi", false)

	endTime := time.Now().Add(2 * time.Hour).Format(time.RFC3339)

	t.Run("未登入時拒絕建立", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/auction/items", `{"title":"x","minIncrement":50000,"endTime":"`+endTime+`"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("建立成功並回傳Location", func(t *testing.T) {
		body := fmt.Sprintf(`{
			"title": "Honda Vario 160",
			"description": "Kondisi mulus <script>alert(1)</script>",
			"startingPrice": 18000000,
			"minIncrement": 100000,
			"endTime": %q
		}`, endTime)
		rec := ts.doJSON(t, http.MethodPost, "/auction/items", body, &seller)
		require.Equal(t, http.StatusCreated, rec.Code)
		require.NotEmpty(t, rec.Header().Get("Location"))

		var auction models.Auction
		require.NoError(t, ts.db.Where("title = ?", "Honda Vario 160").First(&auction).Error)
		assert.Equal(t, seller.ID, auction.SellerID)
		assert.Equal(t, int64(18_000_000), auction.StartingPrice)
		assert.Equal(t, int64(18_000_000), auction.CurrentPrice)
		// 描述中的腳本會被sanitize掉
		assert.NotContains(t, auction.Description, "<script>")
		assert.Contains(t, auction.Description, "Kondisi mulus")
	})

	t.Run("結束時間在過去時拒絕", func(t *testing.T) {
		past := time.Now().Add(-time.Hour).Format(time.RFC3339)
		rec := ts.doJSON(t, http.MethodPost, "/auction/items", `{"title":"x","minIncrement":50000,"endTime":"`+past+`"}`, &seller)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("加價幅度必須為正", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/auction/items", `{"title":"x","minIncrement":0,"endTime":"`+endTime+`"}`, &seller)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPostAuctionItemBid(t *testing.T) {
	ts := setupServer(t)
	seller := ts.createUser(t, "budi", false)
	bidder := ts.createUser(t, "siti", false)
	auction := ts.createAuction(t, seller, nil)
	path := "/auction/items/" + auction.ID.String() + "/bids"

	t.Run("首次出價達起標價即成功", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, path, `{"amount":25000000}`, &bidder)
		require.Equal(t, http.StatusCreated, rec.Code)
		body := decodeBody(t, rec.Body.Bytes())
		assert.EqualValues(t, 25_000_000, body["amount"])
	})

	t.Run("低於最低加價幅度時拒絕", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, path, `{"amount":25030000}`, &bidder)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("賣家不能對自己的拍賣出價", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, path, `{"amount":25050000}`, &seller)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("不存在的拍賣回傳404", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, "/auction/items/3f9f5dd8-0000-0000-0000-000000000000/bids", `{"amount":25050000}`, &bidder)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("已結束的拍賣回傳410", func(t *testing.T) {
		ended := ts.createAuction(t, seller, func(a *models.Auction) {
			a.EndTime = time.Now().Add(-time.Minute)
		})
		rec := ts.doJSON(t, http.MethodPost, "/auction/items/"+ended.ID.String()+"/bids", `{"amount":25050000}`, &bidder)
		assert.Equal(t, http.StatusGone, rec.Code)
	})
}

func TestGetAuctionItemDetail(t *testing.T) {
	ts := setupServer(t)
	seller := ts.createUser(t, "budi", false)
	bidder := ts.createUser(t, "siti", false)
	auction := ts.createAuction(t, seller, nil)
	path := "/auction/items/" + auction.ID.String()

	rec := ts.doJSON(t, http.MethodPost, path+"/bids", `{"amount":25000000}`, &bidder)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.doJSON(t, http.MethodPost, path+"/bids", `{"amount":25050000}`, &bidder)
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("回傳詳情與出價紀錄", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, path, nil, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec.Body.Bytes())
		assert.EqualValues(t, 25_050_000, body["currentPrice"])
		assert.Equal(t, string(models.AuctionActive), body["status"])
		records := body["bidRecords"].([]any)
		require.Len(t, records, 2)
		// 出價紀錄由新到舊排列
		first := records[0].(map[string]any)
		assert.EqualValues(t, 25_050_000, first["amount"])
		assert.Equal(t, "siti", first["bidder"])
	})

	t.Run("不存在的拍賣回傳404", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/auction/items/3f9f5dd8-0000-0000-0000-000000000000", nil, "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGetAuctionItems(t *testing.T) {
	ts := setupServer(t)
	seller := ts.createUser(t, "budi", false)
	active := ts.createAuction(t, seller, func(a *models.Auction) {
		a.Title = "Masih jalan"
	})
	ts.createAuction(t, seller, func(a *models.Auction) {
		a.Title = "Sudah lewat"
		a.EndTime = time.Now().Add(-time.Minute)
	})

	t.Run("列表會補上到期拍賣的結標", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/auction/items?sortKey=title", nil, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec.Body.Bytes())
		assert.EqualValues(t, 2, body["count"])
		byTitle := map[string]map[string]any{}
		for _, raw := range body["items"].([]any) {
			item := raw.(map[string]any)
			byTitle[item["title"].(string)] = item
		}
		assert.Equal(t, false, byTitle["Masih jalan"]["isEnded"])
		assert.Equal(t, true, byTitle["Sudah lewat"]["isEnded"])
		// 到期的拍賣已經由lazy close轉為ended
		assert.Equal(t, string(models.AuctionEnded), byTitle["Sudah lewat"]["status"])
	})

	t.Run("excludeEnded只留下進行中的拍賣", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/auction/items?excludeEnded=true", nil, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec.Body.Bytes())
		items := body["items"].([]any)
		require.Len(t, items, 1)
		assert.Equal(t, active.ID.String(), items[0].(map[string]any)["id"])
	})

	t.Run("不合法的排序鍵回傳400", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/auction/items?sortKey=version", nil, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPostAuctionItemCancel(t *testing.T) {
	ts := setupServer(t)
	seller := ts.createUser(t, "budi", false)
	admin := ts.createUser(t, "admin", true)
	auction := ts.createAuction(t, seller, nil)
	path := "/auction/items/" + auction.ID.String() + "/cancel"

	t.Run("非管理員不能取消", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, path, nil, "", &seller)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("管理員取消成功", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, path, nil, "", &admin)
		require.Equal(t, http.StatusOK, rec.Code)
		var reloaded models.Auction
		require.NoError(t, ts.db.First(&reloaded, "id = ?", auction.ID).Error)
		assert.Equal(t, models.AuctionCancelled, reloaded.Status)
	})

	t.Run("重複取消回傳409", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, path, nil, "", &admin)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

// closeWithWinner 直接寫入一筆出價並觸發結標，回傳已有得標者的拍賣
func (ts *testServer) closeWithWinner(t *testing.T, seller, winner models.User) models.Auction {
	t.Helper()
	auction := ts.createAuction(t, seller, func(a *models.Auction) {
		a.EndTime = time.Now().Add(-time.Minute)
	})
	bid := models.Bid{AuctionID: auction.ID, BidderID: winner.ID, Amount: 25_050_000}
	require.NoError(t, ts.db.Create(&bid).Error)
	require.NoError(t, ts.db.Model(&models.Auction{}).Where("id = ?", auction.ID).Update("current_price", bid.Amount).Error)
	_, err := ts.impl.engine.CloseDue(context.Background())
	require.NoError(t, err)
	return auction
}

func TestPaymentEndpoints(t *testing.T) {
	ts := setupServer(t)
	seller := ts.createUser(t, "budi", false)
	winner := ts.createUser(t, "siti", false)
	other := ts.createUser(t, "joko", false)
	admin := ts.createUser(t, "admin", true)
	auction := ts.closeWithWinner(t, seller, winner)
	path := "/auction/items/" + auction.ID.String() + "/payment"

	t.Run("得標者查詢未付款紀錄", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, path, nil, "", &winner)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec.Body.Bytes())
		assert.Equal(t, string(models.PaymentUnpaid), body["status"])
		assert.EqualValues(t, 25_050_000, body["amount"])
	})

	t.Run("其他使用者不能查詢付款紀錄", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, path, nil, "", &other)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("非得標者不能提交付款證明", func(t *testing.T) {
		body, contentType := multipartBody(t,
			map[string]string{"method": "bank_transfer"},
			map[string][]byte{"proof": pngBytes()},
		)
		rec := ts.do(t, http.MethodPost, path, body, contentType, &other)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		// 權限檢查要先於上傳，不能留下無主檔案
		assert.Empty(t, ts.documents.uploads)
	})

	t.Run("尚未提交付款時不能審核", func(t *testing.T) {
		body, contentType := multipartBody(t, nil, map[string][]byte{
			"releaseDoc":  pdfBytes(),
			"handoverDoc": pdfBytes(),
		})
		rec := ts.do(t, http.MethodPost, path+"/verify", body, contentType, &admin)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Empty(t, ts.documents.uploads)
	})

	t.Run("得標者提交付款證明", func(t *testing.T) {
		body, contentType := multipartBody(t,
			map[string]string{
				"method":        "bank_transfer",
				"bankName":      "BCA",
				"accountName":   "Siti Rahma",
				"accountNumber": "1234567890",
			},
			map[string][]byte{"proof": pngBytes()},
		)
		rec := ts.do(t, http.MethodPost, path, body, contentType, &winner)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody(t, rec.Body.Bytes())
		assert.Equal(t, string(models.PaymentPending), resp["status"])
		assert.Contains(t, resp["proofURL"], "https://files.test/proofs/")
	})

	t.Run("缺少證明文件時拒絕", func(t *testing.T) {
		body, contentType := multipartBody(t, map[string]string{"method": "bank_transfer"}, nil)
		rec := ts.do(t, http.MethodPost, path, body, contentType, &winner)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("非管理員不能審核", func(t *testing.T) {
		uploadsBefore := len(ts.documents.uploads)
		body, contentType := multipartBody(t, nil, map[string][]byte{
			"releaseDoc":  pdfBytes(),
			"handoverDoc": pdfBytes(),
		})
		rec := ts.do(t, http.MethodPost, path+"/verify", body, contentType, &other)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Len(t, ts.documents.uploads, uploadsBefore)
	})

	t.Run("管理員審核通過", func(t *testing.T) {
		body, contentType := multipartBody(t,
			map[string]string{"notes": "transfer confirmed"},
			map[string][]byte{
				"releaseDoc":  pdfBytes(),
				"handoverDoc": pdfBytes(),
			},
		)
		rec := ts.do(t, http.MethodPost, path+"/verify", body, contentType, &admin)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody(t, rec.Body.Bytes())
		assert.Equal(t, string(models.PaymentVerified), resp["status"])
		assert.Contains(t, resp["releaseDocURL"], "https://files.test/release-docs/")
		assert.Contains(t, resp["handoverDocURL"], "https://files.test/handover-docs/")
	})

	t.Run("已通過的付款不能再駁回", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, path+"/reject", `{"reason":"bukti tidak terbaca"}`, &admin)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestRejectPayment(t *testing.T) {
	ts := setupServer(t)
	seller := ts.createUser(t, "budi", false)
	winner := ts.createUser(t, "siti", false)
	admin := ts.createUser(t, "admin", true)
	auction := ts.closeWithWinner(t, seller, winner)
	path := "/auction/items/" + auction.ID.String() + "/payment"

	body, contentType := multipartBody(t,
		map[string]string{"method": "bank_transfer"},
		map[string][]byte{"proof": pngBytes()},
	)
	rec := ts.do(t, http.MethodPost, path, body, contentType, &winner)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("管理員駁回後可以重新提交", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, path+"/reject", `{"reason":"bukti tidak terbaca"}`, &admin)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody(t, rec.Body.Bytes())
		assert.Equal(t, string(models.PaymentRejected), resp["status"])
		assert.Equal(t, "bukti tidak terbaca", resp["notes"])

		body, contentType := multipartBody(t,
			map[string]string{"method": "bank_transfer"},
			map[string][]byte{"proof": pngBytes()},
		)
		resubmit := ts.do(t, http.MethodPost, path, body, contentType, &winner)
		require.Equal(t, http.StatusOK, resubmit.Code)
		assert.Equal(t, string(models.PaymentPending), decodeBody(t, resubmit.Body.Bytes())["status"])
	})

	t.Run("缺少理由時拒絕", func(t *testing.T) {
		rec := ts.doJSON(t, http.MethodPost, path+"/reject", `{}`, &admin)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetPaymentWithoutRecord(t *testing.T) {
	ts := setupServer(t)
	seller := ts.createUser(t, "budi", false)
	user := ts.createUser(t, "siti", false)
	auction := ts.createAuction(t, seller, nil)

	rec := ts.do(t, http.MethodGet, "/auction/items/"+auction.ID.String()+"/payment", nil, "", &user)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
