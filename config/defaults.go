// =============================================================================
// 📦 Knowbase 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Milvus:    DefaultMilvusConfig(),
		Storage:   DefaultStorageConfig(),
		MinerU:    DefaultMinerUConfig(),
		Embedding: DefaultEmbeddingConfig(),
		Sparse:    DefaultSparseConfig(),
		Rerank:    DefaultRerankConfig(),
		LLM:       DefaultLLMConfig(),
		Chunking:  DefaultChunkingConfig(),
		Search:    DefaultSearchConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		MaxUploadBytes:  100 << 20, // 100 MB
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "knowbase",
		Password:        "",
		Name:            "knowbase",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		QueueEnabled: false,
		QueueName:    "rag_tasks",
		MaxRetries:   3,
		RetryDelay:   60 * time.Second,
		JobTimeout:   30 * time.Minute,
	}
}

// DefaultMilvusConfig 返回默认 Milvus 配置
func DefaultMilvusConfig() MilvusConfig {
	return MilvusConfig{
		BaseURL:         "http://localhost:19530",
		Database:        "default",
		Collection:      "knowbase_chunks",
		VectorDimension: 1536,
		Timeout:         30 * time.Second,
		BatchSize:       200,
		UpsertRetries:   2,
		RetryBackoff:    800 * time.Millisecond,
	}
}

// DefaultStorageConfig 返回默认对象存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Endpoint:      "localhost:9000",
		AccessKey:     "minioadmin",
		SecretKey:     "minioadmin",
		UseSSL:        false,
		Bucket:        "knowbase",
		PresignExpiry: 7 * 24 * time.Hour,
	}
}

// DefaultMinerUConfig 返回默认 MinerU 配置
func DefaultMinerUConfig() MinerUConfig {
	return MinerUConfig{
		APIBase:      "https://mineru.net",
		Backend:      "pipeline",
		PollInterval: 5 * time.Second,
		PollTimeout:  10 * time.Minute,
		LocalTimeout: 5 * time.Minute,
	}
}

// DefaultEmbeddingConfig 返回默认稠密向量配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		BaseURL:           "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Model:             "text-embedding-v4",
		Dimensions:        1536,
		BatchSize:         10,
		MaxConcurrency:    4,
		RequestsPerSecond: 10,
		MaxRetries:        3,
		Timeout:           60 * time.Second,
	}
}

// DefaultSparseConfig 返回默认稀疏向量配置
func DefaultSparseConfig() SparseConfig {
	return SparseConfig{
		Model:   "bge-m3",
		MaxDims: 256,
		Timeout: 30 * time.Second,
	}
}

// DefaultRerankConfig 返回默认精排配置
func DefaultRerankConfig() RerankConfig {
	return RerankConfig{
		BaseURL:                 "https://api.jina.ai/v1/rerank",
		Model:                   "jina-reranker-v2-base-multilingual",
		Threshold:               0.2,
		CosineFallbackThreshold: 0.85,
		Timeout:                 30 * time.Second,
	}
}

// DefaultLLMConfig 返回默认对话模型配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		ChatModel:       "qwen-plus",
		VisionModel:     "",
		TranscribeModel: "whisper-1",
		SummaryMaxChars: 6000,
		Timeout:         2 * time.Minute,
	}
}

// DefaultChunkingConfig 返回默认切块阈值
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		MaxParentTokens:         2000,
		SoftParentTokens:        600,
		MinChildrenForSoftSplit: 3,
		MaxChildTokens:          512,
		MaxEmbeddingTokens:      2048,
	}
}

// DefaultSearchConfig 返回默认检索参数
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		RecallDense:  60,
		RecallSparse: 60,
		RecallExact:  10,
		FuseTop:      20,
		RRFK:         60,
		DefaultTopK:  10,
		MaxTopK:      50,
		Timeout:      15 * time.Second,
		CacheEnabled: false,
		CacheTTL:     5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "knowbase",
		SampleRate:   0.1,
	}
}
