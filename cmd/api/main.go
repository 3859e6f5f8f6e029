package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/tu-usuario/timbrado-pro/internal/application/stamping"
	"github.com/tu-usuario/timbrado-pro/internal/domain/lifecycle"
	domsat "github.com/tu-usuario/timbrado-pro/internal/domain/sat"
	"github.com/tu-usuario/timbrado-pro/internal/infrastructure/collaborators"
	"github.com/tu-usuario/timbrado-pro/internal/infrastructure/guard"
	"github.com/tu-usuario/timbrado-pro/internal/infrastructure/pac"
	"github.com/tu-usuario/timbrado-pro/internal/infrastructure/postgres"
	httpRouter "github.com/tu-usuario/timbrado-pro/internal/interfaces/http"
	"github.com/tu-usuario/timbrado-pro/pkg/config"
	"github.com/tu-usuario/timbrado-pro/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("cargar configuración: " + err.Error())
	}

	log := logger.New(logger.Config{
		Env:   cfg.App.Env,
		Level: "info",
	})
	log.Info().
		Str("env", cfg.App.Env).
		Str("app", cfg.App.Name).
		Str("pac_env", cfg.PAC.Environment).
		Msg("iniciando aplicación")

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("conexión a PostgreSQL")
	}
	defer pool.Close()

	docRepo := postgres.NewFiscalDocumentRepository(pool)
	logRepo := postgres.NewResponseLogRepository(pool)
	txRunner := postgres.NewTxRunner(pool)

	machine := lifecycle.NewStateMachine(docRepo)
	submissionGuard := guard.NewTTLGuard(cfg.Guard.TTL)
	validator := domsat.NewValidator(domsat.ValidationConfig{
		RequireTaxUseCode: cfg.Validation.RequireTaxUseCode,
	})

	pacClient, err := pac.NewSOAPClient(pac.Config{
		Env:      cfg.PAC.Environment,
		URL:      cfg.PAC.URL,
		Username: cfg.PAC.Username,
		Password: cfg.PAC.Password,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("configurar cliente del PAC")
	}

	invoicing := collaborators.NewInvoicingClient(collaborators.Config{
		BaseURL: cfg.Collaborators.InvoicingURL,
		APIKey:  cfg.Collaborators.APIKey,
		Timeout: cfg.Collaborators.Timeout,
	})
	customers := collaborators.NewCustomerClient(collaborators.Config{
		BaseURL: cfg.Collaborators.CustomersURL,
		APIKey:  cfg.Collaborators.APIKey,
		Timeout: cfg.Collaborators.Timeout,
	})

	// Foliado y addendas son opcionales: sin URL configurada el orquestador
	// no los invoca.
	var folios stamping.FolioAllocator
	if cfg.Collaborators.FoliosURL != "" {
		folios = collaborators.NewFolioClient(collaborators.Config{
			BaseURL: cfg.Collaborators.FoliosURL,
			APIKey:  cfg.Collaborators.APIKey,
			Timeout: cfg.Collaborators.Timeout,
		})
	}
	var attachments stamping.AttachmentRenderer
	if cfg.Collaborators.AttachmentsURL != "" {
		attachments = collaborators.NewAttachmentClient(collaborators.Config{
			BaseURL: cfg.Collaborators.AttachmentsURL,
			APIKey:  cfg.Collaborators.APIKey,
			Timeout: cfg.Collaborators.Timeout,
		})
	}

	reconciler := stamping.NewReconciler(docRepo, logRepo, machine, pacClient, stamping.ReconcilerConfig{
		MaxPolls:  cfg.Reconciler.MaxPolls,
		BaseDelay: cfg.Reconciler.BaseDelay,
	}, log)

	stampCfg := stamping.Config{AuthorityTimeout: cfg.PAC.Timeout}
	stamps := stamping.NewOrchestrator(
		docRepo, logRepo, txRunner, machine, submissionGuard, pacClient,
		reconciler, validator, invoicing, customers, attachments, folios,
		stampCfg, log,
	)
	cancels := stamping.NewCancellationOrchestrator(
		docRepo, logRepo, machine, pacClient, validator, stampCfg, log,
	)

	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
		IdleTimeout:  time.Second * 60,
	})
	app.Use(recover.New())

	// Swagger UI en local: http://localhost:<port>/docs. El middleware entra
	// en pánico si el archivo no existe, así que solo se registra cuando el
	// despliegue lo trae consigo.
	const swaggerFile = "./docs/swagger.json"
	if _, err := os.Stat(swaggerFile); err == nil {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/",
			FilePath: swaggerFile,
			Path:     "docs",
			Title:    "Timbrado API",
		}))
	} else {
		log.Warn().Str("file", swaggerFile).Msg("swagger.json no encontrado, UI de documentación deshabilitada")
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": cfg.App.Name})
	})

	httpRouter.Router(app, httpRouter.RouterDeps{
		Stamps:    stamps,
		Cancels:   cancels,
		JWTSecret: cfg.JWT.Secret,
	})

	go func() {
		if err := app.Listen(cfg.HTTP.Addr()); err != nil {
			log.Error().Err(err).Msg("servidor HTTP finalizado")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("señal de apagado recibida, cerrando servidor...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("apagado del servidor")
	}

	log.Info().Msg("aplicación detenida")
}
