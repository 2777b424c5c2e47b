package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrPointerType = errors.New("pointer type is not allowed")
)

// DefaultParseToMessage 將struct序列化為可以寫入 stream 的 map[string]any
// 內容以 msgpack 序列化後做 base64 編碼，放在 data 欄位。
func DefaultParseToMessage[T any](data T) (map[string]any, error) {
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	bytes, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(bytes)

	return map[string]any{
		"data": encoded,
	}, nil
}

// DefaultParseFromMessage 將 stream 讀出的 map[string]any 還原為struct
func DefaultParseFromMessage[T any](message map[string]any) (T, error) {
	var result T

	if reflect.TypeOf(result).Kind() == reflect.Ptr {
		return result, ErrPointerType
	}
	if len(message) == 0 {
		return result, nil
	}

	dataStr, ok := message["data"].(string)
	if !ok {
		return result, fmt.Errorf("data field not found or invalid type")
	}

	bytes, err := base64.StdEncoding.DecodeString(dataStr)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}
	if err := msgpack.Unmarshal(bytes, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}

	return result, nil
}
