package config

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	logutil "github.com/wfchen/durable/common/log"
)

type NodeConfig struct {
	NodeId       int
	DataCenterId int
}

type StorageConfig struct {
	Driver             string
	Dsn                string
	MaxConnections     int
	MaxIdleConnections int
	Timeout            time.Duration
}

type EngineConfig struct {
	MaxConcurrency int
	LockShards     int
	ResumeInterval time.Duration
	ResumeLimit    int
}

type OrderConfig struct {
	InitialDelay       time.Duration
	PrePaymentDelay    time.Duration
	PreUpdateDelay     time.Duration
	ApprovalTimeout    time.Duration
	StartRatePerSecond int
	StatusCacheSize    int
}

type InventoryConfig struct {
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDb       int
}

type NotifierConfig struct {
	Driver    string
	AmqpUrl   string
	AmqpQueue string
}

type Config struct {
	Node       NodeConfig
	HttpListen string
	Storage    StorageConfig
	Engine     EngineConfig
	Order      OrderConfig
	Inventory  InventoryConfig
	Notifier   NotifierConfig
	Log        zap.Config
}

var (
	cfg Config
)

func Get() *Config {
	return &cfg
}

func InitConfig(configPath string) error {
	// optional .env for local development, real environments set variables
	// directly
	_ = godotenv.Load()

	dd, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	err = json.Unmarshal(dd, &cfg)
	if err != nil {
		return err
	}

	if cfg.Node.NodeId == 0 || cfg.Node.DataCenterId == 0 {
		dcStr := os.Getenv("DURABLE_DATACENTER_ID")
		ndStr := os.Getenv("DURABLE_NODE_ID")
		if len(dcStr) == 0 || len(ndStr) == 0 {
			return errors.New("environment variable is missing : DURABLE_DATACENTER_ID or DURABLE_NODE_ID")
		}
		dc, err := strconv.ParseInt(dcStr, 10, 32)
		if err != nil {
			return err
		}
		nd, err := strconv.ParseInt(ndStr, 10, 32)
		if err != nil {
			return err
		}
		cfg.Node.DataCenterId = int(dc)
		cfg.Node.NodeId = int(nd)
	}

	if len(cfg.Storage.Dsn) == 0 {
		cfg.Storage.Dsn = os.Getenv("DURABLE_STORAGE_DSN")
	}
	if len(cfg.Inventory.RedisPassword) == 0 {
		cfg.Inventory.RedisPassword = os.Getenv("DURABLE_REDIS_PASSWORD")
	}

	return InitLog(&cfg.Log)
}

func InitLog(cfg *zap.Config) error {
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	cfg.EncoderConfig.LineEnding = zapcore.DefaultLineEnding
	cfg.EncoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	logutil.SetLogger(logger)
	return nil
}
