package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 为空时不校验
}

type DatabaseConfig struct {
	Type         string `mapstructure:"type"` // mysql, sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"db_name"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
}

// RulesConfig 规则文件位置
type RulesConfig struct {
	Dir        string `mapstructure:"dir"`
	Kit        string `mapstructure:"kit"`
	Smali      string `mapstructure:"smali"`
	Wide       string `mapstructure:"wide"`
	Arm        string `mapstructure:"arm"`
	TrackerURL string `mapstructure:"tracker_url"`
}

// ScanConfig 单样本扫描参数
type ScanConfig struct {
	Workers        int  `mapstructure:"workers"`   // 文件级并发
	MaxDepth       int  `mapstructure:"max_depth"` // 目录递归上限
	NoKitException bool `mapstructure:"no_kit_exception"`
	DumpDetails    bool `mapstructure:"dump_details"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // 同时分析的样本数
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// WatcherConfig 收件目录监听
type WatcherConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	InboxDir      string `mapstructure:"inbox_dir"`
	SettleSeconds int    `mapstructure:"settle_seconds"` // 目录静止多久后提交
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr
}

// SettleDelay 目录静止等待时长
func (w WatcherConfig) SettleDelay() time.Duration {
	if w.SettleSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(w.SettleSeconds) * time.Second
}

// Path 返回规则文件完整路径，相对路径基于 Dir
func (r RulesConfig) Path(name string) string {
	if name == "" || filepath.IsAbs(name) || r.Dir == "" {
		return name
	}
	return filepath.Join(r.Dir, name)
}

// SetDefaults 注册默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.sqlite_path", "./data/droidscan.db")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)

	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "droidscan_analysis")
	v.SetDefault("rabbitmq.prefetch", 1)

	v.SetDefault("rules.dir", "./conf")
	v.SetDefault("rules.kit", "kit.conf")
	v.SetDefault("rules.smali", "smali.conf")
	v.SetDefault("rules.wide", "wide.conf")
	v.SetDefault("rules.arm", "arm.conf")
	v.SetDefault("rules.tracker_url", "https://etip.exodus-privacy.eu.org/trackers/export")

	v.SetDefault("scan.workers", 4)
	v.SetDefault("scan.max_depth", 256)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("watcher.inbox_dir", "./inbox")
	v.SetDefault("watcher.settle_seconds", 2)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New 创建带默认值与环境变量覆盖的 viper 实例
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	// 环境变量覆盖（DROIDSCAN_SCAN_WORKERS -> scan.workers）
	v.SetEnvPrefix("DROIDSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 绑定环境变量到嵌套配置路径
	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	return v
}

// Load 读取配置文件；path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return Unmarshal(v)
}

// Unmarshal 将 viper 中的配置解析为 Config
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
