// Package handlers 实现 HTTP 路由处理器。
//
// 文档上传 / 解析 / 检索 / 笔记本管理各自独立 handler，
// 统一通过 Response 包裹返回，错误经由 types.Error 映射 HTTP 状态码。
package handlers
