package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mirror-service/internal/attachments"
	"mirror-service/internal/config"
	"mirror-service/internal/email"
	"mirror-service/internal/lock"
	"mirror-service/internal/source"
	"mirror-service/internal/store"
	syncer "mirror-service/internal/sync"
	httptransport "mirror-service/internal/transport/http"
	"mirror-service/internal/version"
	"mirror-service/pkg/models"
	"mirror-service/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

var startTime time.Time

func main() {
	startTime = time.Now()
	cfg := config.Load()
	log.Printf("🔧 Service expected token: %s******", cfg.ServiceExpectedToken[:6])

	db, err := store.InitDB(cfg)
	if err != nil {
		log.Fatalf("❌ [DB] %v", err)
	}
	st := store.New(db)

	versions, err := version.New(db, st)
	if err != nil {
		log.Fatalf("❌ [VERSION] %v", err)
	}
	log.Printf("✅ [VERSION] Active slot: %q", versions.Active())

	locks := lock.New(db)

	sourceClient := source.NewClient(cfg.SourceAPIURL, cfg.SourceAPIToken)
	log.Printf("🔄 [SOURCE] Client initialized (SourceAPIURL: %s)", cfg.SourceAPIURL)

	// Optional R2 mirror for downloaded attachments
	var mirror attachments.Mirror
	if cfg.R2Enabled() {
		r2Client, err := utils.NewAttachmentR2Client(utils.AttachmentR2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		})
		if err != nil {
			log.Fatalf("❌ [R2] Failed to initialize client: %v", err)
		}
		mirror = r2Client
		log.Println("✅ [R2] Attachment mirror client initialized")
	} else {
		log.Println("⚠️ [R2] Mirror disabled (no R2 configuration)")
	}

	var attachmentPipeline *attachments.Pipeline
	if cfg.AttachmentsEnabled {
		attachmentPipeline = attachments.NewPipeline(st, attachments.NewHTTPFetcher(), mirror, cfg.StorageRoot, cfg.DownloadConcurrency)
		log.Printf("✅ [ATTACH] Download pipeline enabled (root: %s, concurrency: %d)", cfg.StorageRoot, cfg.DownloadConcurrency)
	} else {
		log.Println("⚠️ [ATTACH] Attachment downloads disabled")
	}

	fullRefresh := syncer.NewFullRefresh(st, versions, locks, sourceClient, attachmentPipeline, cfg.WriteBatchSize, cfg.LockTTL)
	reconciler := syncer.NewReconciler(st, versions, sourceClient)

	var alerter syncer.Alerter
	if cfg.AlertsEnabled() {
		alerter = email.NewSender(cfg)
		log.Printf("✅ [ALERT] Refresh-failure emails go to %s", cfg.AlertEmail)
	} else {
		log.Println("⚠️ [ALERT] Email alerts disabled (no SMTP/recipient configuration)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Webhook traffic must not be reconciled before the table mapping exists.
	bootstrapMappings(ctx, sourceClient, st)

	worker := syncer.NewWorker(fullRefresh, st, alerter, cfg.RefreshInterval, cfg.FailsafeInterval)
	worker.Start(ctx)
	log.Printf("✅ [WORKER] Refresh worker started (interval: %s, failsafe: %s)", cfg.RefreshInterval, cfg.FailsafeInterval)

	handler := httptransport.NewHandler(st, versions, worker, reconciler)

	app := fiber.New(fiber.Config{
		AppName:      "mirror-service",
		ErrorHandler: customErrorHandler,
	})

	app.Use(recover.New())

	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: "GET,POST,OPTIONS,HEAD",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Service-Token,X-Webhook-Secret",
		MaxAge:       86400,
	}))

	app.Use(logger.New(logger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${ua}\n",
	}))

	// 1. Query surface (secured)
	queryRoutes := app.Group("/v1", serviceAuth(cfg))
	queryRoutes.Get("/tables", handler.ListTables)
	queryRoutes.Get("/tables/:table/records", handler.ListRecords)
	queryRoutes.Get("/tables/:table/records/:id", handler.GetRecord)
	queryRoutes.Get("/stats", handler.GetStats)
	queryRoutes.Get("/attachments/:id", handler.GetAttachment)
	log.Println("✅ [ROUTES] Registered query routes: /v1/tables*, /v1/stats, /v1/attachments/:id")

	// 2. Refresh control (secured)
	queryRoutes.Post("/refresh", handler.TriggerRefresh)
	queryRoutes.Get("/refresh/status", handler.GetRefreshStatus)
	log.Println("✅ [ROUTES] Registered refresh routes: /v1/refresh, /v1/refresh/status")

	// 3. Webhook notifications (secret-checked per webhook, not service token)
	app.Post("/v1/webhooks/:id/notify", handler.HandleWebhookNotify)
	log.Println("✅ [ROUTES] Registered webhook route: /v1/webhooks/:id/notify")

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		uptime := time.Since(startTime).Round(time.Second)
		return c.JSON(fiber.Map{
			"status":      "ok",
			"service":     "mirror-service",
			"uptime":      uptime.String(),
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"active_slot": versions.Active(),
			"source_url":  cfg.SourceAPIURL,
		})
	})
	log.Println("✅ [ROUTES] Registered /health")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("🛑 [SHUTDOWN] Graceful shutdown initiated...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := worker.Stop(stopCtx); err != nil {
			log.Printf("⚠️ [SHUTDOWN] Worker stop: %v", err)
		}
		cancel()
		if err := app.Shutdown(); err != nil {
			log.Printf("❌ [SHUTDOWN] Error: %v", err)
		}
	}()

	log.Printf("🚀 mirror-service starting...")
	log.Printf("   🔗 Listening on port: %s", cfg.ServerPort)
	log.Printf("   🗄️  Active slot: %q", versions.Active())
	log.Printf("   🔄 Source URL: %s", cfg.SourceAPIURL)
	log.Printf("   ⏰ Refresh every %s (failsafe %s)", cfg.RefreshInterval, cfg.FailsafeInterval)
	log.Printf("   🛡️  Service token prefix: %s******", cfg.ServiceExpectedToken[:6])
	log.Println("✅ Server ready.")

	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		log.Fatalf("❌ [STARTUP] Server failed to start: %v", err)
	}
}

// bootstrapMappings syncs the external-table-id mapping and the webhook
// registrations before the server starts accepting webhook traffic. Failures
// warn rather than abort: the first full refresh rebuilds both, and the
// reconciler fails closed on unresolved mappings in the meantime.
func bootstrapMappings(ctx context.Context, src *source.Client, st *store.Store) {
	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tables, err := src.ListTables(bootCtx)
	if err != nil {
		log.Printf("⚠️ [BOOT] Could not sync table mappings yet: %v", err)
	} else {
		mappings := make([]models.SchemaMapping, 0, len(tables))
		for _, t := range tables {
			mappings = append(mappings, models.SchemaMapping{
				ExternalID:     t.ID,
				NormalizedName: syncer.NormalizeTableName(t.Name),
				DisplayName:    t.Name,
			})
		}
		if err := st.UpsertMappings(bootCtx, mappings); err != nil {
			log.Printf("⚠️ [BOOT] Failed to store table mappings: %v", err)
		} else {
			log.Printf("✅ [BOOT] Synced %d table mappings", len(mappings))
		}
	}

	webhooks, err := src.ListWebhooks(bootCtx)
	if err != nil {
		log.Printf("⚠️ [BOOT] Could not sync webhook configs: %v", err)
		return
	}
	for _, wh := range webhooks {
		if err := st.UpsertWebhookConfig(bootCtx, models.WebhookConfig{
			ID:              wh.ID,
			Secret:          wh.Secret,
			NotificationURL: wh.NotificationURL,
		}); err != nil {
			log.Printf("⚠️ [BOOT] Failed to store webhook config %q: %v", wh.ID, err)
		}
	}
	log.Printf("✅ [BOOT] Synced %d webhook configs", len(webhooks))
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var errMsg string
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		errMsg = e.Message
	} else {
		errMsg = err.Error()
	}
	log.Printf("🔥 [ERROR] [%d] %s %s → %v | IP=%s | UA=%s",
		code,
		c.Method(),
		c.Path(),
		errMsg,
		c.IP(),
		c.Get("User-Agent"),
	)
	return c.Status(code).JSON(fiber.Map{
		"error":      "something went wrong",
		"request_id": c.Get("X-Request-ID"),
	})
}

func serviceAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Get("X-Service-Token")
		if token == "" {
			authHeader := c.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}
		maskedToken := "<empty>"
		if token != "" {
			if len(token) > 6 {
				maskedToken = token[:6] + "..."
			} else {
				maskedToken = token
			}
		}
		if token != cfg.ServiceExpectedToken {
			log.Printf("[SERVICE-AUTH] ❌ REJECTED | IP=%s | Path=%s | Token=%s",
				c.IP(), c.Path(), maskedToken)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized: invalid or missing service token",
			})
		}
		return c.Next()
	}
}
