// Package config 提供 Knowbase 的统一配置加载。
//
// 支持 YAML 文件与环境变量两种来源，优先级为 默认值 → YAML → 环境变量。
// 环境变量前缀默认为 KNOWBASE，例如 KNOWBASE_MILVUS_BASE_URL。
package config
