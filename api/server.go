package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	redisAdapter "github.com/Kijeee02/e-auction-web-rev-sub001/adapters/redis"
	internalS3 "github.com/Kijeee02/e-auction-web-rev-sub001/adapters/s3"
	"github.com/Kijeee02/e-auction-web-rev-sub001/adapters/sse"
	"github.com/Kijeee02/e-auction-web-rev-sub001/engine"
	"github.com/Kijeee02/e-auction-web-rev-sub001/models"
)

// DocumentStore 抽象文件上傳，回傳可公開存取的URL
type DocumentStore interface {
	UploadDocument(ctx context.Context, path, contentType string, fileContent []byte) (string, error)
}

type ServerImpl struct {
	engine      *engine.Engine
	sseManager  sse.IConnectionManager[AuctionEvent]
	documents   DocumentStore
	htmlChecker *bluemonday.Policy
	redisClient *redis.Client
	producer    redisAdapter.IProducer[AuctionEvent]
	consumer    redisAdapter.IConsumer[sse.PublishRequest[AuctionEvent]]
	newBidLock  func(key string) redisAdapter.IAutoRenewMutex
	wg          sync.WaitGroup
	cancelFunc  context.CancelFunc
	db          *gorm.DB

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化S3客戶端
	s3Cfg, err := awsCfg.LoadDefaultConfig(
		context.Background(),
		awsCfg.WithBaseEndpoint(config.S3.Endpoint),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, "")),
		awsCfg.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
	}
	s3Operator, err := internalS3.NewS3Operator(s3.NewFromConfig(s3Cfg), config.S3.Bucket, config.S3.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create S3 operator, err=%w", op, err)
	}

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化事件Producer
	producer, err := redisAdapter.NewProducer[AuctionEvent](redisClient, config.Redis.StreamKeys.AuctionEvents)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create producer, err=%w", op, err)
	}

	// 初始化SSE管理器
	consumer, err := redisAdapter.NewConsumer(
		redisClient,
		config.Redis.StreamKeys.AuctionEvents,
		redisAdapter.WithConsumerParseFunc(func(m map[string]any) (sse.PublishRequest[AuctionEvent], error) {
			event, err := redisAdapter.DefaultParseFromMessage[AuctionEvent](m)
			if err != nil {
				return sse.PublishRequest[AuctionEvent]{}, fmt.Errorf("fail to parse message to sse.PublishRequest[AuctionEvent], err=%w", err)
			}
			return sse.PublishRequest[AuctionEvent]{
				Channel: event.AuctionID.String(),
				Message: event,
			}, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
	}
	sseManager, err := sse.NewConnectionManager[AuctionEvent](
		sse.WithLogger[AuctionEvent](slog.Default()),
		sse.WithSubscriber(consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
	}

	// 初始化引擎，通知透過Redis stream廣播
	auctionEngine := engine.New(db, engine.WithNotifier(newStreamNotifier(db, producer)))

	return &ServerImpl{
		engine:      auctionEngine,
		sseManager:  sseManager,
		documents:   s3Operator,
		htmlChecker: bluemonday.UGCPolicy(),
		redisClient: redisClient,
		producer:    producer,
		consumer:    consumer,
		newBidLock: func(key string) redisAdapter.IAutoRenewMutex {
			return redisAdapter.NewAutoRenewMutex(redisClient, key)
		},
		db:     db,
		config: config,
	}, nil
}

func (impl *ServerImpl) Start() {
	// 啟動producer
	impl.producer.Start()
	// 啟動consumer
	impl.consumer.Start()
	// 啟動sse connection manager
	impl.sseManager.Start()
	// 啟動一個worker用於定期結束到期的拍賣
	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel
	slog.Info("Start auction sweep worker", slog.String("instance", impl.config.ID), slog.Duration("interval", impl.config.Sweep.Interval))
	impl.wg.Add(1)
	go impl.sweepLoop(ctx)
}

// sweepLoop 週期性地結束到期的拍賣
// 多實例部署時透過分散式鎖確保同一時間只有一個實例執行掃描，
// 搶不到鎖的實例直接跳過該輪(讀取路徑的lazy close會補上任何遺漏)。
func (impl *ServerImpl) sweepLoop(ctx context.Context) {
	logger := slog.Default().With(slog.String("caller", "AuctionSweep"))
	defer impl.wg.Done()
	defer slog.Info("Auction sweep worker stopped")

	interval := impl.config.Sweep.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			impl.sweepOnce(ctx, logger, interval)
		}
	}
}

func (impl *ServerImpl) sweepOnce(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	dMutex := redisAdapter.NewAutoRenewMutex(impl.redisClient, impl.config.Sweep.LockKey)
	lockCtx, cancel := context.WithTimeout(ctx, interval/2)
	defer cancel()
	lockCtx, err := dMutex.Lock(lockCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		// 其他實例正在掃描
		return
	}
	if err != nil {
		logger.Error("Fail to acquire sweep lock", slog.Any("error", err))
		return
	}
	defer func() {
		if _, err := dMutex.Unlock(); err != nil {
			logger.Warn("Fail to release sweep lock", slog.Any("error", err))
		}
	}()

	closed, err := impl.engine.CloseDue(lockCtx)
	if err != nil {
		logger.Error("Fail to close due auctions", slog.Any("error", err))
		return
	}
	if closed > 0 {
		logger.Info("Closed due auctions", slog.Int("count", closed))
	}
}

func (impl *ServerImpl) Close() {
	// 關閉worker
	if impl.cancelFunc != nil {
		impl.cancelFunc()
	}
	impl.wg.Wait()
	// 關閉producer
	impl.producer.Close()
	// 關閉consumer
	impl.consumer.Close()
	// 關閉sse connection manager
	impl.sseManager.Done()
}

// RegisterRoutes 將所有HTTP路由掛載到router上
func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	router.POST("/auction/items", impl.PostAuctionItem)
	router.GET("/auction/items", impl.GetAuctionItems)
	router.GET("/auction/items/:itemID", impl.GetAuctionItem)
	router.POST("/auction/items/:itemID/bids", impl.PostAuctionItemBid)
	router.POST("/auction/items/:itemID/cancel", impl.PostAuctionItemCancel)
	router.GET("/auction/items/:itemID/events", impl.GetAuctionItemEvents)
	router.GET("/auction/items/:itemID/payment", impl.GetAuctionItemPayment)
	router.POST("/auction/items/:itemID/payment", impl.PostAuctionItemPayment)
	router.POST("/auction/items/:itemID/payment/verify", impl.PostAuctionItemPaymentVerify)
	router.POST("/auction/items/:itemID/payment/reject", impl.PostAuctionItemPaymentReject)
}

// isAdmin 檢查token對應的使用者是否為管理員
// 權限以資料庫為準，token內的flag只作為前端提示。
func (impl *ServerImpl) isAdmin(token *JWT) bool {
	userID, err := parseUserID(token)
	if err != nil {
		return false
	}
	user := models.User{ID: userID}
	if result := impl.db.First(&user); result.Error != nil {
		return false
	}
	return user.IsAdmin
}
