package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bonusperme/swcache/internal/cache"
	"github.com/bonusperme/swcache/internal/host"
	"github.com/bonusperme/swcache/internal/server"
)

// Dependencies 汇总诊断接口需要读取的组件。
type Dependencies struct {
	Registration *host.Registration
	Storage      cache.Storage
	Origins      *server.OriginRegistry
	Logger       *logrus.Logger
}

// RegisterDiagnosticsRoutes 暴露 /-/healthz、/-/worker 与 /-/clients/:id，供 SRE 查询当前版本与缓存。
func RegisterDiagnosticsRoutes(app *fiber.App, deps Dependencies) {
	if app == nil || deps.Registration == nil || deps.Storage == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.SendString("ok")
	})

	app.Get("/-/worker", func(c fiber.Ctx) error {
		names, err := deps.Storage.Keys(c.Context())
		if err != nil {
			if deps.Logger != nil {
				deps.Logger.WithError(err).WithField("action", "diagnostics").Warn("cache_list_failed")
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		return c.JSON(workerPayload{
			Registration: deps.Registration.Snapshot(),
			Caches:       nonNil(names),
			Origins:      encodeOrigins(deps.Origins.List()),
		})
	})

	// 页面卸载时调用，使等待中的新版本在最后一个旧页面关闭后激活。
	app.Delete("/-/clients/:id", func(c fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("id"))
		if id == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "client_id_required"})
		}
		if err := deps.Registration.Release(c.Context(), id); err != nil {
			if deps.Logger != nil {
				deps.Logger.WithError(err).WithFields(logrus.Fields{
					"action":    "release",
					"client_id": id,
				}).Warn("client_release_failed")
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "client_release_failed"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

type workerPayload struct {
	Registration host.Snapshot   `json:"registration"`
	Caches       []string        `json:"caches"`
	Origins      []originBinding `json:"origins,omitempty"`
}

type originBinding struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
	Scoped   bool   `json:"scoped"`
	Port     int    `json:"port"`
}

func encodeOrigins(routes []server.OriginRoute) []originBinding {
	if len(routes) == 0 {
		return nil
	}
	result := make([]originBinding, 0, len(routes))
	for _, route := range routes {
		upstream := ""
		if route.UpstreamURL != nil {
			upstream = route.UpstreamURL.String()
		}
		result = append(result, originBinding{
			Name:     route.Name,
			Domain:   route.Domain,
			Upstream: upstream,
			Scoped:   route.Scoped,
			Port:     route.ListenPort,
		})
	}
	return result
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
