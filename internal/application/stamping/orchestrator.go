// Package stamping orquesta el ciclo de vida del documento fiscal frente al
// PAC: timbrado, cancelación y reconciliación de resultados ambiguos. Es la
// única capa que invoca a la máquina de estados; nunca hay callbacks
// implícitos disparados por un guardado.
package stamping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tu-usuario/timbrado-pro/internal/domain"
	"github.com/tu-usuario/timbrado-pro/internal/domain/entity"
	"github.com/tu-usuario/timbrado-pro/internal/domain/lifecycle"
	"github.com/tu-usuario/timbrado-pro/internal/domain/repository"
	domsat "github.com/tu-usuario/timbrado-pro/internal/domain/sat"
	"github.com/tu-usuario/timbrado-pro/pkg/logger"
)

// idempotencyNamespace espacio de nombres fijo para derivar la clave de
// idempotencia de cada documento. Cambiarlo rompería la correlación de
// reintentos con solicitudes previas en el PAC: no tocar.
var idempotencyNamespace = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

// StampIdempotencyKey deriva la clave de idempotencia de un documento de forma
// determinista (UUID v5 sobre el ID). El mismo documento siempre produce la
// misma clave, de modo que el PAC puede casar un reintento o una consulta de
// reconciliación con el intento original.
func StampIdempotencyKey(documentID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(documentID)).String()
}

// Config parámetros del orquestador de timbrado.
type Config struct {
	// AuthorityTimeout acota la llamada al PAC; vencido el plazo el resultado
	// se clasifica como ambiguo y pasa a reconciliación.
	AuthorityTimeout time.Duration
}

// Orchestrator dirige DRAFT→PROCESSING→{STAMPED,ERROR} usando el candado de
// envío, el adaptador del PAC, la bitácora y la máquina de estados.
type Orchestrator struct {
	docs       repository.FiscalDocumentRepository
	logs       repository.ResponseLogRepository
	tx         TxRunner
	machine    *lifecycle.StateMachine
	guard      SubmissionGuard
	authority  AuthorityClient
	reconciler *Reconciler
	validator  *domsat.Validator

	invoices    InvoiceDataProvider
	profiles    TaxProfileProvider
	attachments AttachmentRenderer // opcional, puede ser nil
	folios      FolioAllocator     // opcional, puede ser nil

	cfg Config
	log *logger.Logger
	now func() time.Time
}

// NewOrchestrator construye el orquestador con todas sus dependencias.
// attachments y folios pueden ser nil cuando el despliegue no los usa.
func NewOrchestrator(
	docs repository.FiscalDocumentRepository,
	logs repository.ResponseLogRepository,
	tx TxRunner,
	machine *lifecycle.StateMachine,
	guard SubmissionGuard,
	authority AuthorityClient,
	reconciler *Reconciler,
	validator *domsat.Validator,
	invoices InvoiceDataProvider,
	profiles TaxProfileProvider,
	attachments AttachmentRenderer,
	folios FolioAllocator,
	cfg Config,
	log *logger.Logger,
) *Orchestrator {
	if cfg.AuthorityTimeout <= 0 {
		cfg.AuthorityTimeout = 30 * time.Second
	}
	return &Orchestrator{
		docs: docs, logs: logs, tx: tx, machine: machine, guard: guard,
		authority: authority, reconciler: reconciler, validator: validator,
		invoices: invoices, profiles: profiles, attachments: attachments,
		folios: folios, cfg: cfg,
		log: log.Component("stamping"),
		now: time.Now,
	}
}

// CreateDocumentInput datos para crear un documento fiscal en DRAFT.
type CreateDocumentInput struct {
	SourceInvoiceRef string
	BranchRef        string
	CustomerRef      string
	PaymentMethod    entity.PaymentMethod
	PaymentFormCode  string
	TaxUseCode       string
	AttachmentTmplID string // plantilla de addenda del socio comercial; vacío = sin addenda
}

// CreateFiscalDocument crea el documento en DRAFT. Hace cumplir el invariante
// de unicidad: solo puede existir un documento activo por factura origen, y
// uno nuevo solo se admite cuando el anterior llegó a CANCELLED. La
// verificación y la inserción ocurren en la misma transacción.
func (o *Orchestrator) CreateFiscalDocument(ctx context.Context, in CreateDocumentInput) (*entity.FiscalDocument, error) {
	if in.SourceInvoiceRef == "" {
		return nil, fmt.Errorf("%w: la referencia a la factura origen es obligatoria", domain.ErrValidation)
	}

	taxUse := in.TaxUseCode
	if taxUse == "" && in.CustomerRef != "" {
		// Sin uso CFDI explícito: tomar el del perfil fiscal del cliente.
		profile, err := o.profiles.GetTaxProfile(ctx, in.CustomerRef)
		if err != nil {
			return nil, fmt.Errorf("obtener perfil fiscal de %s: %w", in.CustomerRef, err)
		}
		taxUse = profile.DefaultTaxUseCode
	}

	nowTs := o.now()
	doc := &entity.FiscalDocument{
		ID:               uuid.New().String(),
		SourceInvoiceRef: in.SourceInvoiceRef,
		BranchRef:        in.BranchRef,
		CustomerRef:      in.CustomerRef,
		Status:           entity.StatusDraft,
		SyncStatus:       entity.SyncIdle,
		PaymentMethod:    in.PaymentMethod,
		PaymentFormCode:  in.PaymentFormCode,
		TaxUseCode:       taxUse,
		AttachmentTmplID: in.AttachmentTmplID,
		Version:          1,
		CreatedAt:        nowTs,
		UpdatedAt:        nowTs,
	}

	err := o.tx.RunFiscal(ctx, func(docs repository.FiscalDocumentRepository) error {
		active, err := docs.GetActiveBySourceRef(ctx, in.SourceInvoiceRef)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: la factura %s ya tiene el documento %s en estado %s",
				domain.ErrValidation, in.SourceInvoiceRef, active.ID, active.Status)
		}
		return docs.Create(ctx, doc)
	})
	if err != nil {
		return nil, err
	}

	o.log.Info().Str("document_id", doc.ID).Str("source_ref", doc.SourceInvoiceRef).
		Msg("documento fiscal creado en DRAFT")
	return doc, nil
}

// RequestStamp ejecuta el timbrado completo de un documento DRAFT o ERROR:
//
//  1. Validación fiscal local (falla rápido, sin llamada externa).
//  2. Candado de envío por factura origen (no bloqueante).
//  3. Transición a PROCESSING con la versión leída al inicio.
//  4. Llamada Stamp al PAC, acotada por timeout.
//  5. Bitácora incondicional de la respuesta (log-first).
//  6. Commit STAMPED / ERROR, reconciliando si el resultado fue ambiguo.
//  7. Liberación del candado en todos los caminos.
//
// El caller solo observa resultados terminales bien definidos: un documento
// STAMPED, o un documento ERROR junto con el error que lo explica.
func (o *Orchestrator) RequestStamp(ctx context.Context, documentID string) (*entity.FiscalDocument, error) {
	doc, err := o.mustGet(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !doc.IsStampable() {
		// PROCESSING significa que otro proceso ya tiene un envío en vuelo:
		// para el caller es el mismo rechazo que el candado, no una
		// transición ilegal.
		if doc.Status == entity.StatusProcessing {
			return nil, fmt.Errorf("%w (factura %s)", domain.ErrDuplicateSubmission, doc.SourceInvoiceRef)
		}
		return nil, &domain.InvalidTransitionError{
			DocumentID: doc.ID, From: doc.Status, Expected: entity.StatusDraft, To: entity.StatusProcessing,
		}
	}
	fromStatus := doc.Status

	// 1. Validación local: ninguna llamada externa si el documento está mal.
	if err := o.validator.ValidateForStamp(doc); err != nil {
		return nil, err
	}

	// 2. Exclusión mutua por factura origen.
	if !o.guard.Acquire(doc.SourceInvoiceRef) {
		return nil, fmt.Errorf("%w (factura %s)", domain.ErrDuplicateSubmission, doc.SourceInvoiceRef)
	}
	defer o.guard.Release(doc.SourceInvoiceRef)

	// Composición del payload: solo lecturas a colaboradores, aún sin tocar
	// al PAC ni al estado.
	payload, err := o.buildPayload(ctx, doc)
	if err != nil {
		return nil, err
	}

	// 3. DRAFT/ERROR → PROCESSING con la versión leída al inicio. Una versión
	// obsoleta significa que otro proceso ya está enviando: mismo rechazo que
	// el candado.
	doc.SyncStatus = entity.SyncPending
	doc.LastError = ""
	if _, err := o.machine.Transition(ctx, doc, fromStatus, entity.StatusProcessing); err != nil {
		var stale *domain.StaleVersionError
		if errors.As(err, &stale) {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateSubmission, stale.Error())
		}
		return nil, err
	}

	// 4. Llamada al PAC, acotada: el orquestador nunca bloquea indefinido.
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.AuthorityTimeout)
	defer cancel()
	key := StampIdempotencyKey(doc.ID)
	result, callErr := o.authority.Stamp(callCtx, payload, key)

	// 5. Bitácora incondicional, antes de cualquier commit de estado.
	o.appendLog(ctx, doc.ID, entity.OpStamp, result, callErr)

	// 6. Decidir el estado final.
	switch {
	case callErr != nil:
		// Error de uso/configuración del adaptador: no hubo resultado del
		// PAC que interpretar.
		doc.SyncStatus = entity.SyncIdle
		doc.LastError = callErr.Error()
		if _, terr := o.machine.Transition(ctx, doc, entity.StatusProcessing, entity.StatusError); terr != nil {
			return nil, terr
		}
		return doc, callErr

	case result.Outcome == StampSuccess:
		doc.AuthorityUUID = result.UUID
		if result.Series != "" {
			doc.Series = result.Series
		}
		if result.Number != "" {
			doc.Number = result.Number
		}
		doc.SyncStatus = entity.SyncIdle
		if _, terr := o.machine.Transition(ctx, doc, entity.StatusProcessing, entity.StatusStamped); terr != nil {
			return nil, terr
		}
		o.log.Info().Str("document_id", doc.ID).Str("uuid", doc.AuthorityUUID).
			Msg("documento timbrado por el PAC")
		return doc, nil

	case result.Outcome == StampRejected:
		doc.SyncStatus = entity.SyncIdle
		rejection := &domain.AuthorityRejectionError{Code: result.ErrorCode, Message: result.ErrorMessage}
		doc.LastError = rejection.Error()
		if _, terr := o.machine.Transition(ctx, doc, entity.StatusProcessing, entity.StatusError); terr != nil {
			return nil, terr
		}
		o.log.Warn().Str("document_id", doc.ID).Str("code", result.ErrorCode).
			Msg("timbrado rechazado por el PAC")
		return doc, rejection

	default:
		// 6b. Resultado ambiguo: la reconciliación decide STAMPED o ERROR
		// consultando al PAC. Nunca se reenvía automáticamente.
		o.log.Warn().Str("document_id", doc.ID).Msg("resultado ambiguo del PAC, iniciando reconciliación")
		return o.reconciler.ResolveStamp(ctx, doc)
	}
}

// GetStatus devuelve el documento tal como está persistido.
func (o *Orchestrator) GetStatus(ctx context.Context, documentID string) (*entity.FiscalDocument, error) {
	return o.mustGet(ctx, documentID)
}

// ListResponseLog devuelve la bitácora completa del documento, ordenada por
// timestamp: desde ella y las reglas de transición se puede reconstruir el
// estado final ("qué pasó exactamente y cuándo").
func (o *Orchestrator) ListResponseLog(ctx context.Context, documentID string) ([]*entity.ResponseLogEntry, error) {
	if _, err := o.mustGet(ctx, documentID); err != nil {
		return nil, err
	}
	return o.logs.ListByDocument(ctx, documentID)
}

// Archive mueve un documento CANCELLED a ARCHIVED (solo contabilidad de
// retención; el documento sigue siendo consultable).
func (o *Orchestrator) Archive(ctx context.Context, documentID string) (*entity.FiscalDocument, error) {
	doc, err := o.mustGet(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return o.machine.Transition(ctx, doc, entity.StatusCancelled, entity.StatusArchived)
}

// ── internos ──────────────────────────────────────────────────────────────────

func (o *Orchestrator) mustGet(ctx context.Context, documentID string) (*entity.FiscalDocument, error) {
	doc, err := o.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, documentID)
	}
	return doc, nil
}

// buildPayload compone el comprobante a timbrar desde los colaboradores
// externos: totales de la factura, perfil fiscal del receptor, folio por
// sucursal y addenda opcional.
func (o *Orchestrator) buildPayload(ctx context.Context, doc *entity.FiscalDocument) (*DocumentPayload, error) {
	totals, err := o.invoices.GetInvoiceTotals(ctx, doc.SourceInvoiceRef)
	if err != nil {
		return nil, fmt.Errorf("obtener totales de %s: %w", doc.SourceInvoiceRef, err)
	}

	customerRef := doc.CustomerRef
	if customerRef == "" {
		customerRef = totals.CustomerRef
	}
	profile, err := o.profiles.GetTaxProfile(ctx, customerRef)
	if err != nil {
		return nil, fmt.Errorf("obtener perfil fiscal de %s: %w", customerRef, err)
	}

	// Folio por sucursal: se consume antes del timbrado cuando el documento
	// aún no tiene serie asignada.
	if doc.Series == "" && o.folios != nil && doc.BranchRef != "" {
		folio, err := o.folios.NextFolio(ctx, doc.BranchRef)
		if err != nil {
			return nil, fmt.Errorf("asignar folio en sucursal %s: %w", doc.BranchRef, err)
		}
		doc.Series = folio.Series
		doc.Number = folio.Number
	}

	payload := &DocumentPayload{
		DocumentID:        doc.ID,
		SourceInvoiceRef:  doc.SourceInvoiceRef,
		Series:            doc.Series,
		Number:            doc.Number,
		IssuedAt:          o.now(),
		PaymentMethod:     doc.PaymentMethod,
		PaymentFormCode:   doc.PaymentFormCode,
		TaxUseCode:        doc.TaxUseCode,
		ReceiverTaxID:     profile.TaxID,
		ReceiverTaxRegime: profile.TaxRegime,
		Lines:             totals.Lines,
		Total:             totals.Total,
	}

	if o.attachments != nil && doc.AttachmentTmplID != "" {
		// La addenda es opcional: si el renderizador falla se timbra sin ella.
		xmlFrag, aerr := o.attachments.RenderAttachment(ctx, doc.AttachmentTmplID, map[string]any{
			"source_invoice_ref": doc.SourceInvoiceRef,
			"total":              totals.Total.StringFixed(2),
		})
		if aerr != nil {
			o.log.Warn().Err(aerr).Str("document_id", doc.ID).Msg("addenda no disponible, se timbra sin ella")
		} else {
			payload.AttachmentXML = xmlFrag
		}
	}
	return payload, nil
}

// appendLog escribe la entrada de bitácora de una llamada Stamp. Se invoca
// incondicionalmente: también ante falla de red o de uso del adaptador.
func (o *Orchestrator) appendLog(ctx context.Context, docID string, op entity.OperationType, result *StampResult, callErr error) {
	entry := &entity.ResponseLogEntry{
		ID:               uuid.New().String(),
		FiscalDocumentID: docID,
		Timestamp:        o.now(),
		OperationType:    op,
	}
	if callErr != nil {
		entry.ErrorMessage = callErr.Error()
	} else if result != nil {
		entry.Success = result.Outcome == StampSuccess
		entry.StatusCode = result.HTTPStatus
		entry.RawPayload = result.Raw
		entry.ErrorMessage = result.ErrorMessage
	}
	if err := o.logs.Append(ctx, entry); err != nil {
		// La bitácora no debe perder entradas; si la DB falló aquí, el commit
		// de estado posterior fallará igual y el documento quedará en
		// PROCESSING para reconciliación.
		o.log.Error().Err(err).Str("document_id", docID).Msg("no se pudo escribir la bitácora de respuestas")
	}
}
