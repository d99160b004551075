// Package tlsutil 集中管理 TLS 基线配置（TLS 1.2+，仅 AEAD 密码套件）。
// HTTPS 服务端、Redis 连接以及解析、向量化、精排等出站模型服务客户端
// 共用同一份配置，避免各处散落的 tls.Config 口径不一。
package tlsutil
