package redis

import (
	"context"
	"errors"
)

var (
	// ErrProducerClosed 在 Producer 尚未啟動或已關閉時回傳
	ErrProducerClosed = errors.New("producer is closed")
)

// IProducer 定義了 stream Producer 的操作介面
type IProducer[T any] interface {
	Start()
	Publish(data T) error
	Close()
}

// IConsumer 定義了 stream Consumer 的操作介面
type IConsumer[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IAutoRenewMutex 定義了 AutoRenewMutex 的操作介面
type IAutoRenewMutex interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
	Valid() bool
}
