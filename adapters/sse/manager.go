package sse

import (
	"context"
	"log/slog"
	"sync"
)

type managerOptions[T any] struct {
	logger     *slog.Logger
	subscriber ISubscriber[PublishRequest[T]]
}

type ManagerOption[T any] func(*managerOptions[T])

// WithLogger 設置日誌記錄器
func WithLogger[T any](logger *slog.Logger) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.logger = logger
	}
}

// WithSubscriber 設置跨節點的訊息來源
// 設置後，其他節點發布到 stream 的事件也會廣播給本節點的訂閱者。
func WithSubscriber[T any](sub ISubscriber[PublishRequest[T]]) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.subscriber = sub
	}
}

// connectionManager 管理多個 SSE 頻道的訂閱與廣播
// 每場拍賣一個頻道，頻道在最後一個訂閱者離開後回收。
type connectionManager[T any] struct {
	logger *slog.Logger

	mu     sync.RWMutex
	wg     sync.WaitGroup
	active bool
	cancel context.CancelFunc

	subscriber ISubscriber[PublishRequest[T]]
	channels   map[string]IChannel[T]
}

func NewConnectionManager[T any](opts ...ManagerOption[T]) (IConnectionManager[T], error) {
	options := managerOptions[T]{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &connectionManager[T]{
		logger:     options.logger.With(slog.String("caller", "ConnectionManager")),
		channels:   make(map[string]IChannel[T]),
		subscriber: options.subscriber,
	}, nil
}

// Start 啟動連線管理器，開始處理訊息的接收與廣播。
func (cm *connectionManager[T]) Start() {
	cm.mu.Lock()
	if cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = true
	ctx, cancel := context.WithCancel(context.Background())
	cm.cancel = cancel
	cm.mu.Unlock()

	if cm.subscriber == nil {
		return
	}

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		ch := cm.subscriber.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				cm.broadcast(msg.Channel, msg.Message)
			}
		}
	}()
}

// Done 停止連線管理器的運作，釋放所有資源。
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.cancel()
	cm.mu.Unlock()

	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定頻道，返回用於接收訊息的唯讀通道。
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, context.Canceled
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T]()
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Publish 將資料廣播到指定頻道(僅限本節點的訂閱者)。
func (cm *connectionManager[T]) Publish(channelName string, data T) error {
	cm.mu.RLock()
	if !cm.active {
		cm.mu.RUnlock()
		return context.Canceled
	}
	cm.mu.RUnlock()

	cm.broadcast(channelName, data)
	return nil
}

// Unsubscribe 取消訂閱指定的頻道。
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}

func (cm *connectionManager[T]) broadcast(channelName string, data T) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if channel, ok := cm.channels[channelName]; ok {
		channel.Broadcast(data)
	}
}
