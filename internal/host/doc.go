// Package host 提供 worker 的宿主运行时：维护 active/waiting 两个版本、
// 按页面 ID 记录控制关系，并实现 skipWaiting 与 clients.claim。
package host
