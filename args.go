package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Kijeee02/e-auction-web-rev-sub001/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("server-id", "", "")

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-bucket", "", "")
	pflag.String("s3-public-base-url", "", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "auction:", "")

	// redis stream keys
	pflag.String("redis-stream-key-for-events", "auction-shared-event-stream", "")

	// auth config
	pflag.String("auth-private-key", "", "base64 encoded ed25519 private key")
	pflag.String("auth-issuer", "", "")
	pflag.String("auth-audience", "", "")

	// sweep config
	pflag.Duration("sweep-interval", 10*time.Second, "")
	pflag.String("sweep-lock-key", "auction:sweep:lock", "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("AUCTION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	args := Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			ID: viper.GetString("server-id"),
			S3: api.S3Config{
				Endpoint:        viper.GetString("s3-endpoint"),
				Bucket:          viper.GetString("s3-bucket"),
				PublicBaseURL:   viper.GetString("s3-public-base-url"),
				AccessKeyID:     viper.GetString("s3-access-key-id"),
				SecretAccessKey: viper.GetString("s3-secret-access-key"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:      viper.GetString("redis-addr"),
				Password:  viper.GetString("redis-password"),
				DB:        viper.GetInt("redis-db"),
				KeyPrefix: viper.GetString("redis-key-prefix"),
				StreamKeys: api.RedisStreamKeys{
					AuctionEvents: viper.GetString("redis-stream-key-for-events"),
				},
			},
			Auth: api.AuthConfig{
				Issuer:   viper.GetString("auth-issuer"),
				Audience: viper.GetString("auth-audience"),
			},
			Sweep: api.SweepConfig{
				Interval: viper.GetDuration("sweep-interval"),
				LockKey:  viper.GetString("sweep-lock-key"),
			},
		},
	}
	if encoded := viper.GetString("auth-private-key"); encoded != "" {
		key, err := decodeSigningKey(encoded)
		if err != nil {
			// 壞掉的金鑰不能靜默忽略，否則只會在Validate看到籠統的missing arguments
			panic(fmt.Sprintf("invalid auth-private-key: %v", err))
		}
		args.ServerConfig.Auth.PrivateKey = key
	}
	return args
}

// decodeSigningKey 解析base64編碼的ed25519私鑰
func decodeSigningKey(encoded string) (ed25519.PrivateKey, error) {
	const op = "decodeSigningKey"
	keyBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to decode base64 key, err=%w", op, err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("[%s] Invalid key size, expected=%d, got=%d", op, ed25519.PrivateKeySize, len(keyBytes))
	}
	return ed25519.PrivateKey(keyBytes), nil
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" &&
		args.ServerConfig.DB.Host != "" &&
		args.ServerConfig.Redis.Addr != "" &&
		args.ServerConfig.Auth.PrivateKey != nil
}
