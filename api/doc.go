// Package api 定义 HTTP 层的请求 / 响应 DTO。
// 具体的路由处理在 api/handlers 子包。
package api
