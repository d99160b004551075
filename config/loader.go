// =============================================================================
// 📦 Knowbase 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("KNOWBASE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 Knowbase 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Database PostgreSQL 配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis 任务队列配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Milvus 向量库配置
	Milvus MilvusConfig `yaml:"milvus" env:"MILVUS"`

	// Storage 对象存储配置
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// MinerU 文档解析服务配置
	MinerU MinerUConfig `yaml:"mineru" env:"MINERU"`

	// Embedding 稠密向量配置
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// Sparse 稀疏向量配置
	Sparse SparseConfig `yaml:"sparse" env:"SPARSE"`

	// Rerank 精排配置
	Rerank RerankConfig `yaml:"rerank" env:"RERANK"`

	// LLM 总结 / 视觉描述 / 语音转写共用的对话模型配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Chunking 切块阈值配置
	Chunking ChunkingConfig `yaml:"chunking" env:"CHUNKING"`

	// Search 检索参数配置
	Search SearchConfig `yaml:"search" env:"SEARCH"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// CORS 允许来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 限流 RPS
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流桶容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// API Key 列表（为空则不校验）
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 是否允许 query 参数携带 API Key
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	// 单次上传大小上限（字节）
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	// TLS 证书路径，与 TLSKeyFile 同时配置则启用 HTTPS
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	// TLS 私钥路径
	TLSKeyFile string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig Redis 配置（后台解析任务队列）
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 是否启用队列（false 时解析同步执行）
	QueueEnabled bool `yaml:"queue_enabled" env:"QUEUE_ENABLED"`
	// 队列名
	QueueName string `yaml:"queue_name" env:"QUEUE_NAME"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 重试间隔
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	// 单任务超时
	JobTimeout time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT"`
}

// MilvusConfig Milvus 向量库配置（REST v2）
type MilvusConfig struct {
	// REST 端点，如 http://localhost:19530
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 认证 Token（user:password 或 API Key）
	Token string `yaml:"token" env:"TOKEN"`
	// 数据库名
	Database string `yaml:"database" env:"DATABASE"`
	// 集合名
	Collection string `yaml:"collection" env:"COLLECTION"`
	// 稠密向量维度
	VectorDimension int `yaml:"vector_dimension" env:"VECTOR_DIMENSION"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 批量写入大小
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// 写入失败重试次数
	UpsertRetries int `yaml:"upsert_retries" env:"UPSERT_RETRIES"`
	// 重试基础退避
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	// 是否在写入后立即 flush（调试用，生产关闭）
	FlushAfterUpsert bool `yaml:"flush_after_upsert" env:"FLUSH_AFTER_UPSERT"`
}

// StorageConfig MinIO 对象存储配置
type StorageConfig struct {
	// 端点，如 localhost:9000
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// Access Key
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	// Secret Key
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	// 是否使用 TLS
	UseSSL bool `yaml:"use_ssl" env:"USE_SSL"`
	// 桶名
	Bucket string `yaml:"bucket" env:"BUCKET"`
	// 预签名 URL 有效期
	PresignExpiry time.Duration `yaml:"presign_expiry" env:"PRESIGN_EXPIRY"`
}

// MinerUConfig MinerU 解析服务配置
type MinerUConfig struct {
	// 外部 API 地址（mineru.net）
	APIBase string `yaml:"api_base" env:"API_BASE"`
	// 外部 API Token（为空则跳过外部 API）
	APIToken string `yaml:"api_token" env:"API_TOKEN"`
	// 解析后端（pipeline / vlm / MinerU-HTML），同时作为外部 API 的 model_version
	Backend string `yaml:"backend" env:"BACKEND"`
	// 轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 轮询总超时
	PollTimeout time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
	// 本地解析服务地址（为空则跳过本地服务）
	LocalBaseURL string `yaml:"local_base_url" env:"LOCAL_BASE_URL"`
	// 本地解析请求超时
	LocalTimeout time.Duration `yaml:"local_timeout" env:"LOCAL_TIMEOUT"`
}

// EmbeddingConfig 稠密向量配置（OpenAI 兼容接口）
type EmbeddingConfig struct {
	// 接口地址
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 模型名
	Model string `yaml:"model" env:"MODEL"`
	// 向量维度
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// 单批文本数
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// 并发上限
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// 每秒请求上限（0 不限）
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// SparseConfig 稀疏向量配置
type SparseConfig struct {
	// 远程稀疏向量 API（为空则使用 TF-IDF 兜底）
	APIURL string `yaml:"api_url" env:"API_URL"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 模型名
	Model string `yaml:"model" env:"MODEL"`
	// TF-IDF 兜底保留的最大维度数
	MaxDims int `yaml:"max_dims" env:"MAX_DIMS"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RerankConfig 精排配置
type RerankConfig struct {
	// 接口地址（Jina 兼容）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API Key（为空则直接走余弦兜底）
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 模型名
	Model string `yaml:"model" env:"MODEL"`
	// Reranker 及格线
	Threshold float64 `yaml:"threshold" env:"THRESHOLD"`
	// 余弦兜底及格线
	CosineFallbackThreshold float64 `yaml:"cosine_fallback_threshold" env:"COSINE_FALLBACK_THRESHOLD"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LLMConfig 对话模型配置（文档总结 / 图片理解 / 语音转写）
type LLMConfig struct {
	// OpenAI 兼容接口地址
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 总结模型
	ChatModel string `yaml:"chat_model" env:"CHAT_MODEL"`
	// 视觉模型（为空则关闭图片描述）
	VisionModel string `yaml:"vision_model" env:"VISION_MODEL"`
	// 语音转写模型
	TranscribeModel string `yaml:"transcribe_model" env:"TRANSCRIBE_MODEL"`
	// 总结输入截断字符数
	SummaryMaxChars int `yaml:"summary_max_chars" env:"SUMMARY_MAX_CHARS"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ChunkingConfig 切块阈值配置
//
// 所有阈值均为可调参数而非固定行为，按语料特征调整。
type ChunkingConfig struct {
	// 父块硬上限（token），超出强制开新父块
	MaxParentTokens int `yaml:"max_parent_tokens" env:"MAX_PARENT_TOKENS"`
	// 父块软阈值（token），跨页/类型切换时允许切分
	SoftParentTokens int `yaml:"soft_parent_tokens" env:"SOFT_PARENT_TOKENS"`
	// 软切分所需的最少子块数
	MinChildrenForSoftSplit int `yaml:"min_children_for_soft_split" env:"MIN_CHILDREN_FOR_SOFT_SPLIT"`
	// 子块上限（token），超出递归细分
	MaxChildTokens int `yaml:"max_child_tokens" env:"MAX_CHILD_TOKENS"`
	// 送入向量化的 token 预算，超出截断
	MaxEmbeddingTokens int `yaml:"max_embedding_tokens" env:"MAX_EMBEDDING_TOKENS"`
}

// SearchConfig 检索参数配置
type SearchConfig struct {
	// 稠密召回条数
	RecallDense int `yaml:"recall_dense" env:"RECALL_DENSE"`
	// 稀疏召回条数
	RecallSparse int `yaml:"recall_sparse" env:"RECALL_SPARSE"`
	// 精确匹配召回条数
	RecallExact int `yaml:"recall_exact" env:"RECALL_EXACT"`
	// RRF 融合后保留条数
	FuseTop int `yaml:"fuse_top" env:"FUSE_TOP"`
	// RRF 平滑常数
	RRFK int `yaml:"rrf_k" env:"RRF_K"`
	// 默认返回条数
	DefaultTopK int `yaml:"default_top_k" env:"DEFAULT_TOP_K"`
	// 返回条数上限
	MaxTopK int `yaml:"max_top_k" env:"MAX_TOP_K"`
	// 单次检索超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 是否启用查询结果缓存（Redis）
	CacheEnabled bool `yaml:"cache_enabled" env:"CACHE_ENABLED"`
	// 查询结果缓存过期时间
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "KNOWBASE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Milvus.VectorDimension <= 0 {
		errs = append(errs, "milvus vector_dimension must be positive")
	}
	if c.Embedding.Dimensions != c.Milvus.VectorDimension {
		errs = append(errs, "embedding dimensions must match milvus vector_dimension")
	}
	if c.Chunking.MaxChildTokens <= 0 || c.Chunking.MaxParentTokens <= 0 {
		errs = append(errs, "chunking token limits must be positive")
	}
	if c.Chunking.SoftParentTokens > c.Chunking.MaxParentTokens {
		errs = append(errs, "soft_parent_tokens must not exceed max_parent_tokens")
	}
	if c.Search.DefaultTopK <= 0 || c.Search.DefaultTopK > c.Search.MaxTopK {
		errs = append(errs, "default_top_k must be within (0, max_top_k]")
	}
	if c.Rerank.Threshold < 0 || c.Rerank.Threshold > 1 {
		errs = append(errs, "rerank threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	default:
		return ""
	}
}

// URL 返回 migrate 使用的数据库 URL
func (d *DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}
