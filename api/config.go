package api

import (
	"crypto"
	"time"
)

type ServerConfig struct {
	// ID 是這個實例的唯一識別，用於分散式鎖與日誌
	ID string

	S3    S3Config
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	Sweep SweepConfig
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
	PublicBaseURL   string
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	AuctionEvents string
}

type AuthConfig struct {
	// PrivateKey 是Ed25519簽章金鑰，驗證時取其公鑰
	PrivateKey crypto.Signer
	Issuer     string
	Audience   string
}

type SweepConfig struct {
	// Interval 是到期拍賣掃描的週期
	Interval time.Duration
	// LockKey 是掃描工作的分散式鎖鍵值，確保多實例下只有一個實例執行掃描
	LockKey string
}
