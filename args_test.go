package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSigningKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	t.Run("正常解析", func(t *testing.T) {
		key, err := decodeSigningKey(base64.StdEncoding.EncodeToString(priv))
		require.NoError(t, err)
		assert.Equal(t, priv, key)
	})
	t.Run("非法base64要回傳錯誤", func(t *testing.T) {
		_, err := decodeSigningKey("not-base64!!")
		assert.Error(t, err)
	})
	t.Run("長度不符要回傳錯誤", func(t *testing.T) {
		_, err := decodeSigningKey(base64.StdEncoding.EncodeToString([]byte("too short")))
		assert.Error(t, err)
	})
}
