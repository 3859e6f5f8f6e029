package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/tu-usuario/timbrado-pro/internal/application/stamping"
)

// RouterDeps dependencias para el router.
type RouterDeps struct {
	Stamps    *stamping.Orchestrator
	Cancels   *stamping.CancellationOrchestrator
	JWTSecret string
}

// Router registra las rutas de la API. Todo el ciclo de vida fiscal requiere
// Bearer Token; cancelar, confirmar y archivar exigen además rol de operador.
func Router(app *fiber.App, deps RouterDeps) {
	api := app.Group("/api")

	protected := api.Group("/", AuthMiddleware(deps.JWTSecret))

	docs := protected.Group("/fiscal-documents")
	handler := NewFiscalDocumentHandler(deps.Stamps, deps.Cancels)

	// Alta y timbrado: disponibles para el sistema emisor.
	docs.Post("/", handler.Create)
	docs.Post("/:id/stamp", handler.Stamp)
	docs.Get("/:id", handler.GetByID)
	docs.Get("/:id/log", handler.ListLog)

	// Operaciones con consecuencia legal: solo operador.
	operator := RequireRole(RoleOperador)
	docs.Post("/:id/cancel", operator, handler.Cancel)
	docs.Post("/:id/cancel/confirm", operator, handler.ConfirmCancel)
	docs.Post("/:id/archive", operator, handler.Archive)
}
