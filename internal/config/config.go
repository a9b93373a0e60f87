package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App        AppConfig
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	AI         AIConfig
	Chat       ChatConfig
	Attachment AttachmentConfig
	Auth       AuthConfig
}

// AppConfig 应用配置
type AppConfig struct {
	Name        string
	Environment string
	Version     string
	Debug       bool
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string
	Port         int
	Mode         string
	ReadTimeout  int
	WriteTimeout int
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MaxOpenConns  int
	MaxIdleConns  int
	MaxLifetime   int // 秒
	SlowThreshold int // 慢查询阈值，毫秒
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// AIConfig AI配置
type AIConfig struct {
	Provider         string
	OpenAI           OpenAIConfig
	Alibaba          AlibabaConfig
	DeepSeek         DeepSeekConfig
	TitleModel       string  // 标题生成使用的模型，为空时使用默认模型
	Temperature      float32 // 0 表示使用模型默认值
	MaxHistoryTokens int     // 发送给模型的历史消息 token 上限，0 表示不限制
}

// OpenAIConfig OpenAI配置
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout int
}

// AlibabaConfig 阿里云配置
type AlibabaConfig struct {
	AccessKeyID     string
	AccessKeySecret string
	Region          string
	Model           string
	Timeout         int
}

// DeepSeekConfig DeepSeek配置
type DeepSeekConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout int
}

// ChatConfig 会话配置
type ChatConfig struct {
	TitleMaxRunes   int    // 乐观标题截取的字符数
	FallbackTitle   string // 提交文本为空时的标题
	SnapshotEnabled bool
	SnapshotBackend string // redis 或 bolt
	SnapshotPath    string // bolt 数据文件路径
	SnapshotTTL     int    // 秒，仅 redis
	EventHistory    int    // 每个会话保留的事件条数
	EventTTL        int    // 秒，仅 redis
}

// AttachmentConfig 附件配置
type AttachmentConfig struct {
	MaxSize     int64 // 字节
	MaxChars    int   // 解析后保留的最大字符数
	AllowedExts []string
}

// AuthConfig 鉴权配置
type AuthConfig struct {
	JWTSecret string // 为空时不校验 Token
}

var globalConfig *Config

// Load 加载配置
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	globalConfig = cfg
	return cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// 环境变量
	v.SetEnvPrefix("NEXT_TUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Watch 监听配置文件变化，重新解析成功后回调
// path 为空时不监听
func Watch(path string, onChange func(*Config)) error {
	if path == "" {
		return nil
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := unmarshal(v)
		if err != nil {
			log.Printf("[Config] Warning: failed to reload %s: %v", e.Name, err)
			return
		}
		log.Printf("[Config] reloaded %s", e.Name)
		globalConfig = cfg
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("config not loaded")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// GetAddr 获取服务器地址
func (c *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAddr 获取 Redis 地址
func (c *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("app.name", "next-tutor")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.debug", true)

	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // 流式响应不设写超时

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "next_tutor")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.maxLifetime", 300)
	v.SetDefault("database.slowThreshold", 200)

	// Redis
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// AI
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.openai.baseUrl", "https://api.openai.com/v1")
	v.SetDefault("ai.openai.model", "gpt-4o-mini")
	v.SetDefault("ai.deepseek.baseUrl", "https://api.deepseek.com/v1")
	v.SetDefault("ai.maxHistoryTokens", 6000)

	// Chat
	v.SetDefault("chat.titleMaxRunes", 15)
	v.SetDefault("chat.fallbackTitle", "新对话")
	v.SetDefault("chat.snapshotEnabled", true)
	v.SetDefault("chat.snapshotBackend", "redis")
	v.SetDefault("chat.snapshotPath", "./data/snapshot.db")
	v.SetDefault("chat.snapshotTTL", 86400)
	v.SetDefault("chat.eventHistory", 500)
	v.SetDefault("chat.eventTTL", 86400)

	// Attachment
	v.SetDefault("attachment.maxSize", 10<<20)
	v.SetDefault("attachment.maxChars", 20000)
	v.SetDefault("attachment.allowedExts", []string{
		".pdf", ".docx", ".html", ".htm", ".txt", ".md",
		".go", ".py", ".java", ".c", ".cpp", ".js", ".ts", ".json",
	})
}
