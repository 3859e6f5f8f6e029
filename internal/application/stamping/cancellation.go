package stamping

import (
	"context"
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

// CancellationOrchestrator dirige STAMPED→CANCEL_PENDING→{CANCELLED,STAMPED}.
// La cancelación no usa el candado de envío: la serialización la da el check
// de versión optimista de la máquina de estados.
type CancellationOrchestrator struct {
	docs      repository.FiscalDocumentRepository
	logs      repository.ResponseLogRepository
	machine   *lifecycle.StateMachine
	authority AuthorityClient
	validator *domsat.Validator
	cfg       Config
	log       *logger.Logger
	now       func() time.Time
}

// NewCancellationOrchestrator construye el orquestador de cancelación.
func NewCancellationOrchestrator(
	docs repository.FiscalDocumentRepository,
	logs repository.ResponseLogRepository,
	machine *lifecycle.StateMachine,
	authority AuthorityClient,
	validator *domsat.Validator,
	cfg Config,
	log *logger.Logger,
) *CancellationOrchestrator {
	if cfg.AuthorityTimeout <= 0 {
		cfg.AuthorityTimeout = 30 * time.Second
	}
	return &CancellationOrchestrator{
		docs: docs, logs: logs, machine: machine, authority: authority,
		validator: validator, cfg: cfg,
		log: log.Component("cancellation"),
		now: time.Now,
	}
}

// RequestCancellation solicita al PAC la cancelación de un documento STAMPED.
//
//  1. Solo STAMPED admite cancelación (CancellationNotAllowed en otro caso).
//  2. El motivo se valida contra el catálogo; el motivo 01 exige un UUID de
//     sustitución que referencie un documento timbrado existente, ANTES de
//     cualquier llamada al PAC.
//  3. STAMPED → CANCEL_PENDING.
//  4. Llamada Cancel al PAC + bitácora incondicional.
//  5. ACEPTADA → CANCELLED (con timestamp); PENDIENTE → permanece en
//     CANCEL_PENDING hasta el poll de confirmación; RECHAZADA → revierte a
//     STAMPED con la razón registrada.
func (co *CancellationOrchestrator) RequestCancellation(ctx context.Context, documentID, motive, substitutionUUID string) (*entity.FiscalDocument, error) {
	doc, err := co.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, documentID)
	}
	if doc.Status != entity.StatusStamped {
		return nil, fmt.Errorf("%w: estado actual %s", domain.ErrCancellationNotAllowed, doc.Status)
	}

	// 2. Motivo y sustitución se validan localmente antes de llamar al PAC.
	if err := co.validator.ValidateCancellationMotive(motive, substitutionUUID); err != nil {
		return nil, err
	}
	if substitutionUUID != "" {
		substitute, err := co.docs.GetByAuthorityUUID(ctx, substitutionUUID)
		if err != nil {
			return nil, err
		}
		if substitute == nil || substitute.Status != entity.StatusStamped {
			return nil, fmt.Errorf("%w: el UUID de sustitución %s no corresponde a un documento timbrado",
				domain.ErrValidation, substitutionUUID)
		}
		if substitute.ID == doc.ID {
			return nil, fmt.Errorf("%w: un documento no puede sustituirse a sí mismo", domain.ErrValidation)
		}
	}

	// 3. STAMPED → CANCEL_PENDING.
	doc.CancellationMotive = motive
	doc.SubstitutionUUID = substitutionUUID
	doc.SyncStatus = entity.SyncPending
	if _, err := co.machine.Transition(ctx, doc, entity.StatusStamped, entity.StatusCancelPending); err != nil {
		return nil, err
	}

	// 4. Llamada al PAC acotada + bitácora incondicional.
	callCtx, cancel := context.WithTimeout(ctx, co.cfg.AuthorityTimeout)
	defer cancel()
	result, callErr := co.authority.Cancel(callCtx, doc.AuthorityUUID, motive, substitutionUUID)
	co.appendCancelLog(ctx, doc.ID, entity.OpCancelRequest, result, callErr)

	switch {
	case callErr != nil:
		// Falla de uso/configuración: sin respuesta del PAC que interpretar,
		// el documento permanece en CANCEL_PENDING (SyncStatus PENDING) y el
		// poll de confirmación cierra el ciclo más tarde.
		co.log.Error().Err(callErr).Str("document_id", doc.ID).Msg("cancelación sin respuesta del PAC")
		return doc, callErr

	case result.Outcome == CancelAccepted:
		ts := co.now()
		doc.CancellationTimestamp = &ts
		doc.SyncStatus = entity.SyncIdle
		if _, terr := co.machine.Transition(ctx, doc, entity.StatusCancelPending, entity.StatusCancelled); terr != nil {
			return nil, terr
		}
		co.log.Info().Str("document_id", doc.ID).Str("motive", motive).Msg("cancelación confirmada por el PAC")
		return doc, nil

	case result.Outcome == CancelPending:
		// El PAC la resolverá después; ConfirmPending cierra el ciclo.
		co.log.Info().Str("document_id", doc.ID).Msg("cancelación en espera de resolución del PAC")
		return doc, nil

	default: // CancelRejected
		rejection := &domain.AuthorityRejectionError{Code: result.ErrorCode, Message: result.ErrorMessage}
		doc.LastError = rejection.Error()
		doc.SyncStatus = entity.SyncIdle
		doc.CancellationMotive = ""
		doc.SubstitutionUUID = ""
		if _, terr := co.machine.Transition(ctx, doc, entity.StatusCancelPending, entity.StatusStamped); terr != nil {
			return nil, terr
		}
		co.log.Warn().Str("document_id", doc.ID).Str("code", result.ErrorCode).
			Msg("cancelación rechazada por el PAC, documento revertido a STAMPED")
		return doc, rejection
	}
}

// ConfirmPending consulta al PAC el estatus de un documento en CANCEL_PENDING
// y confirma la cancelación si ya fue resuelta. Si el PAC reporta el
// comprobante aún vigente, el documento permanece en CANCEL_PENDING.
func (co *CancellationOrchestrator) ConfirmPending(ctx context.Context, documentID string) (*entity.FiscalDocument, error) {
	doc, err := co.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, documentID)
	}
	if doc.Status != entity.StatusCancelPending {
		return nil, fmt.Errorf("%w: estado actual %s, se esperaba CANCEL_PENDING",
			domain.ErrCancellationNotAllowed, doc.Status)
	}

	callCtx, cancel := context.WithTimeout(ctx, co.cfg.AuthorityTimeout)
	defer cancel()
	result, callErr := co.authority.QueryStatus(callCtx, doc.AuthorityUUID)
	co.appendConfirmLog(ctx, doc.ID, result, callErr)
	if callErr != nil {
		return doc, callErr
	}

	if result.Found && result.Cancelled {
		ts := co.now()
		doc.CancellationTimestamp = &ts
		doc.SyncStatus = entity.SyncIdle
		if _, terr := co.machine.Transition(ctx, doc, entity.StatusCancelPending, entity.StatusCancelled); terr != nil {
			return nil, terr
		}
		co.log.Info().Str("document_id", doc.ID).Msg("cancelación pendiente confirmada por el PAC")
	}
	return doc, nil
}

func (co *CancellationOrchestrator) appendCancelLog(ctx context.Context, docID string, op entity.OperationType, result *CancelResult, callErr error) {
	entry := &entity.ResponseLogEntry{
		ID:               uuid.New().String(),
		FiscalDocumentID: docID,
		Timestamp:        co.now(),
		OperationType:    op,
	}
	if callErr != nil {
		entry.ErrorMessage = callErr.Error()
	} else if result != nil {
		entry.Success = result.Outcome != CancelRejected
		entry.StatusCode = result.HTTPStatus
		entry.RawPayload = result.Raw
		entry.ErrorMessage = result.ErrorMessage
	}
	if err := co.logs.Append(ctx, entry); err != nil {
		co.log.Error().Err(err).Str("document_id", docID).Msg("no se pudo escribir la bitácora de cancelación")
	}
}

func (co *CancellationOrchestrator) appendConfirmLog(ctx context.Context, docID string, result *QueryResult, callErr error) {
	entry := &entity.ResponseLogEntry{
		ID:               uuid.New().String(),
		FiscalDocumentID: docID,
		Timestamp:        co.now(),
		OperationType:    entity.OpCancelConfirm,
	}
	if callErr != nil {
		entry.ErrorMessage = callErr.Error()
	} else if result != nil {
		entry.Success = result.Found
		entry.StatusCode = result.HTTPStatus
		entry.RawPayload = result.Raw
	}
	if err := co.logs.Append(ctx, entry); err != nil {
		co.log.Error().Err(err).Str("document_id", docID).Msg("no se pudo escribir la bitácora de confirmación")
	}
}
