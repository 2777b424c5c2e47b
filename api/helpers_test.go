package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	redisAdapter "github.com/Kijeee02/e-auction-web-rev-sub001/adapters/redis"
	"github.com/Kijeee02/e-auction-web-rev-sub001/adapters/sse"
	"github.com/Kijeee02/e-auction-web-rev-sub001/engine"
	"github.com/Kijeee02/e-auction-web-rev-sub001/models"
)

var testDBSeq atomic.Int64

// fakeBidLock 是不連Redis的出價鎖替身
type fakeBidLock struct{}

func (fakeBidLock) Lock(ctx context.Context) (context.Context, error) { return ctx, nil }
func (fakeBidLock) Unlock() (bool, error)                             { return true, nil }
func (fakeBidLock) Valid() bool                                       { return true }

// fakeDocumentStore 記錄上傳並回傳固定位址的URL
type fakeDocumentStore struct {
	uploads []string
}

func (f *fakeDocumentStore) UploadDocument(ctx context.Context, path, contentType string, fileContent []byte) (string, error) {
	f.uploads = append(f.uploads, path)
	return "https://files.test/" + path, nil
}

type testServer struct {
	impl      *ServerImpl
	router    *gin.Engine
	db        *gorm.DB
	documents *fakeDocumentStore
	key       ed25519.PrivateKey
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:api_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Auction{}, &models.Bid{}, &models.Payment{}))

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sseManager, err := sse.NewConnectionManager[AuctionEvent]()
	require.NoError(t, err)

	documents := &fakeDocumentStore{}
	impl := &ServerImpl{
		engine:      engine.New(db),
		sseManager:  sseManager,
		documents:   documents,
		htmlChecker: bluemonday.UGCPolicy(),
		newBidLock: func(string) redisAdapter.IAutoRenewMutex {
			return fakeBidLock{}
		},
		db: db,
		config: ServerConfig{
			Auth: AuthConfig{PrivateKey: key, Issuer: "auction-test", Audience: "auction-test"},
			Redis: RedisConfig{
				KeyPrefix: "test:",
			},
		},
	}
	router := gin.New()
	impl.RegisterRoutes(router)
	return &testServer{impl: impl, router: router, db: db, documents: documents, key: key}
}

func (ts *testServer) createUser(t *testing.T, username string, isAdmin bool) models.User {
	t.Helper()
	user := models.User{Username: username, IsAdmin: isAdmin}
	require.NoError(t, ts.db.Create(&user).Error)
	return user
}

func (ts *testServer) createAuction(t *testing.T, seller models.User, mutate func(*models.Auction)) models.Auction {
	t.Helper()
	auction := models.Auction{
		SellerID:      seller.ID,
		Title:         "Toyota Avanza 2019",
		Description:   "Lelang unit bekas dinas",
		StartingPrice: 25_000_000,
		MinIncrement:  50_000,
		StartTime:     time.Now().Add(-time.Hour),
		EndTime:       time.Now().Add(time.Hour),
	}
	if mutate != nil {
		mutate(&auction)
	}
	require.NoError(t, ts.db.Create(&auction).Error)
	return auction
}

func (ts *testServer) tokenFor(t *testing.T, user models.User) string {
	t.Helper()
	token := jwt.NewWithClaims(&jwt.SigningMethodEd25519{}, JWT{
		Username: user.Username,
		IsAdmin:  user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    ts.impl.config.Auth.Issuer,
			Subject:   user.ID.String(),
			ID:        uuid.NewString(),
			Audience:  []string{ts.impl.config.Auth.Audience},
		},
	})
	signed, err := token.SignedString(ts.key)
	require.NoError(t, err)
	return signed
}

// do 發送請求，user為nil時不帶access token
func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string, user *models.User) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != nil {
		req.AddCookie(&http.Cookie{Name: accessTokenCookie, Value: ts.tokenFor(t, *user)})
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) doJSON(t *testing.T, method, path, body string, user *models.User) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, method, path, bytes.NewBufferString(body), "application/json", user)
}

// pngBytes 回傳通過MIME檢查的最小PNG內容
func pngBytes() []byte {
	return []byte("\x89PNG\r\n\x1a\nfakeimagedata")
}

// pdfBytes 回傳通過MIME檢查的最小PDF內容
func pdfBytes() []byte {
	return []byte("%PDF-1.4\nfakedocumentdata")
}

// multipartBody 組出帶文件欄位的multipart請求內容
func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (io.Reader, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}
	for name, content := range files {
		fw, err := writer.CreateFormFile(name, name+".bin")
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf, writer.FormDataContentType()
}
