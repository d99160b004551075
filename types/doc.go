// Package types 定义跨包共享的错误码与结构化错误类型。
package types
