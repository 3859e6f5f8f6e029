package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/tu-usuario/timbrado-pro/internal/application/dto"
	"github.com/tu-usuario/timbrado-pro/internal/application/stamping"
	"github.com/tu-usuario/timbrado-pro/internal/domain"
	"github.com/tu-usuario/timbrado-pro/internal/domain/entity"
)

// FiscalDocumentHandler maneja las peticiones HTTP del ciclo de vida fiscal.
type FiscalDocumentHandler struct {
	stamps  *stamping.Orchestrator
	cancels *stamping.CancellationOrchestrator
}

// NewFiscalDocumentHandler construye el handler.
func NewFiscalDocumentHandler(stamps *stamping.Orchestrator, cancels *stamping.CancellationOrchestrator) *FiscalDocumentHandler {
	return &FiscalDocumentHandler{stamps: stamps, cancels: cancels}
}

// Create da de alta un borrador fiscal para una factura comercial.
// POST /api/fiscal-documents
func (h *FiscalDocumentHandler) Create(c *fiber.Ctx) error {
	var in dto.CreateFiscalDocumentRequest
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "INVALID_BODY", Message: "cuerpo inválido"})
	}
	doc, err := h.stamps.CreateFiscalDocument(c.Context(), stamping.CreateDocumentInput{
		SourceInvoiceRef: in.SourceInvoiceRef,
		BranchRef:        in.BranchRef,
		CustomerRef:      in.CustomerRef,
		PaymentMethod:    entity.PaymentMethod(in.PaymentMethod),
		PaymentFormCode:  in.PaymentFormCode,
		TaxUseCode:       in.TaxUseCode,
		AttachmentTmplID: in.AttachmentTmplID,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.FiscalDocumentFromEntity(doc))
}

// Stamp solicita el timbrado del documento ante el PAC.
// POST /api/fiscal-documents/:id/stamp
func (h *FiscalDocumentHandler) Stamp(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "id requerido"})
	}
	doc, err := h.stamps.RequestStamp(c.Context(), id)
	if err != nil {
		// El documento puede venir junto con el error (quedó en ERROR con la
		// razón registrada); se devuelve para que el caller vea el estado.
		return writeErrorWithDoc(c, err, doc)
	}
	return c.JSON(dto.FiscalDocumentFromEntity(doc))
}

// Cancel solicita la cancelación de un documento timbrado.
// POST /api/fiscal-documents/:id/cancel
func (h *FiscalDocumentHandler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "id requerido"})
	}
	var in dto.CancelFiscalDocumentRequest
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "INVALID_BODY", Message: "cuerpo inválido"})
	}
	doc, err := h.cancels.RequestCancellation(c.Context(), id, in.Motive, in.SubstitutionUUID)
	if err != nil {
		return writeErrorWithDoc(c, err, doc)
	}
	return c.JSON(dto.FiscalDocumentFromEntity(doc))
}

// ConfirmCancel consulta al PAC si una cancelación pendiente ya fue resuelta.
// POST /api/fiscal-documents/:id/cancel/confirm
func (h *FiscalDocumentHandler) ConfirmCancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "id requerido"})
	}
	doc, err := h.cancels.ConfirmPending(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.FiscalDocumentFromEntity(doc))
}

// Archive mueve un documento CANCELLED a ARCHIVED.
// POST /api/fiscal-documents/:id/archive
func (h *FiscalDocumentHandler) Archive(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "id requerido"})
	}
	doc, err := h.stamps.Archive(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.FiscalDocumentFromEntity(doc))
}

// GetByID obtiene el documento tal como está persistido.
// GET /api/fiscal-documents/:id
func (h *FiscalDocumentHandler) GetByID(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "id requerido"})
	}
	doc, err := h.stamps.GetStatus(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.FiscalDocumentFromEntity(doc))
}

// ListLog devuelve la bitácora de respuestas del documento.
// GET /api/fiscal-documents/:id/log
func (h *FiscalDocumentHandler) ListLog(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "id requerido"})
	}
	entries, err := h.stamps.ListResponseLog(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.ResponseLogFromEntities(entries))
}

// ── mapeo de errores de dominio a HTTP ────────────────────────────────────────

func writeError(c *fiber.Ctx, err error) error {
	status, body := mapDomainError(err)
	return c.Status(status).JSON(body)
}

// writeErrorWithDoc responde el error junto con el último estado conocido del
// documento cuando la operación lo dejó en un estado observable (p. ej. un
// rechazo del PAC deja el documento en ERROR con la razón registrada).
func writeErrorWithDoc(c *fiber.Ctx, err error, doc *entity.FiscalDocument) error {
	status, body := mapDomainError(err)
	if doc == nil {
		return c.Status(status).JSON(body)
	}
	return c.Status(status).JSON(fiber.Map{
		"code":     body.Code,
		"message":  body.Message,
		"document": dto.FiscalDocumentFromEntity(doc),
	})
}

func mapDomainError(err error) (int, dto.ErrorResponse) {
	var rejection *domain.AuthorityRejectionError
	var transition *domain.InvalidTransitionError
	var stale *domain.StaleVersionError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound, dto.ErrorResponse{Code: "NOT_FOUND", Message: "documento fiscal no encontrado"}
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest, dto.ErrorResponse{Code: "VALIDATION", Message: err.Error()}
	case errors.Is(err, domain.ErrDuplicateSubmission):
		return fiber.StatusConflict, dto.ErrorResponse{Code: "DUPLICATE_SUBMISSION", Message: err.Error()}
	case errors.Is(err, domain.ErrCancellationNotAllowed):
		return fiber.StatusConflict, dto.ErrorResponse{Code: "CANCELLATION_NOT_ALLOWED", Message: err.Error()}
	case errors.Is(err, domain.ErrStampNotConfirmed):
		// Ni éxito ni rechazo: el documento quedó en ERROR con revisión
		// manual marcada; el PAC no respondió de forma concluyente.
		return fiber.StatusBadGateway, dto.ErrorResponse{Code: "STAMP_NOT_CONFIRMED", Message: err.Error()}
	case errors.As(err, &rejection):
		return fiber.StatusUnprocessableEntity, dto.ErrorResponse{Code: "AUTHORITY_REJECTION", Message: rejection.Error()}
	case errors.As(err, &transition):
		return fiber.StatusConflict, dto.ErrorResponse{Code: "INVALID_TRANSITION", Message: transition.Error()}
	case errors.As(err, &stale):
		return fiber.StatusConflict, dto.ErrorResponse{Code: "STALE_VERSION", Message: stale.Error()}
	}
	return fiber.StatusInternalServerError, dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()}
}
