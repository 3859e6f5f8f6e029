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
	"github.com/tu-usuario/timbrado-pro/pkg/logger"
)

// ReconcilerConfig parámetros del servicio de reconciliación.
type ReconcilerConfig struct {
	// MaxPolls número máximo de consultas de estatus antes de rendirse y
	// marcar el documento para revisión manual.
	MaxPolls int
	// BaseDelay espera inicial entre consultas; se duplica en cada intento.
	BaseDelay time.Duration
}

// Reconciler resuelve los resultados ambiguos del PAC: cuando el adaptador no
// puede saber si la solicitud se procesó antes de perder la conexión, la
// única fuente de verdad es preguntarle al PAC por la clave de idempotencia
// del intento original. NUNCA reenvía: un reenvío tras un timbrado
// exitoso-pero-no-confirmado crearía un documento legal duplicado.
type Reconciler struct {
	docs      repository.FiscalDocumentRepository
	logs      repository.ResponseLogRepository
	machine   *lifecycle.StateMachine
	authority AuthorityClient
	cfg       ReconcilerConfig
	log       *logger.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewReconciler construye el servicio de reconciliación.
func NewReconciler(
	docs repository.FiscalDocumentRepository,
	logs repository.ResponseLogRepository,
	machine *lifecycle.StateMachine,
	authority AuthorityClient,
	cfg ReconcilerConfig,
	log *logger.Logger,
) *Reconciler {
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	return &Reconciler{
		docs: docs, logs: logs, machine: machine, authority: authority,
		cfg: cfg,
		log: log.Component("reconciler"),
		now: time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// ResolveStamp decide STAMPED o ERROR para un documento en PROCESSING cuyo
// timbrado terminó en ambigüedad. Consulta al PAC con la clave de idempotencia
// derivada del ID del documento (la misma del intento original, nunca una
// recién generada) un número acotado de veces con backoff exponencial:
//
//   - El PAC reporta un UUID previamente emitido → el timbrado SÍ ocurrió:
//     se pobla el UUID y el documento pasa a STAMPED.
//   - Agotados los intentos sin rastro → ERROR + bandera de revisión manual.
//
// Cada consulta produce su propia entrada STATUS_QUERY en la bitácora.
func (r *Reconciler) ResolveStamp(ctx context.Context, doc *entity.FiscalDocument) (*entity.FiscalDocument, error) {
	key := StampIdempotencyKey(doc.ID)

	for attempt := 1; attempt <= r.cfg.MaxPolls; attempt++ {
		result, err := r.authority.QueryStatus(ctx, key)
		r.appendQueryLog(ctx, doc.ID, entity.OpStatusQuery, result, err)

		if err == nil && result.Found && result.UUID != "" {
			doc.AuthorityUUID = result.UUID
			doc.SyncStatus = entity.SyncIdle
			doc.LastError = ""
			if _, terr := r.machine.Transition(ctx, doc, entity.StatusProcessing, entity.StatusStamped); terr != nil {
				return nil, terr
			}
			r.log.Info().Str("document_id", doc.ID).Str("uuid", result.UUID).Int("attempt", attempt).
				Msg("reconciliación: el PAC confirma timbrado previo")
			return doc, nil
		}

		if attempt < r.cfg.MaxPolls {
			// Backoff exponencial: BaseDelay, 2x, 4x, ...
			delay := r.cfg.BaseDelay << (attempt - 1)
			if serr := r.sleep(ctx, delay); serr != nil {
				break // contexto cancelado: dejar de sondear y marcar revisión
			}
		}
	}

	// Sin rastro en el PAC tras agotar el presupuesto de consultas: el
	// documento queda en ERROR para intervención humana. No se reenvía.
	doc.SyncStatus = entity.SyncError
	doc.ManualReview = true
	doc.LastError = domain.ErrStampNotConfirmed.Error()
	if _, terr := r.machine.Transition(ctx, doc, entity.StatusProcessing, entity.StatusError); terr != nil {
		return nil, terr
	}
	r.log.Error().Str("document_id", doc.ID).Int("polls", r.cfg.MaxPolls).
		Msg("reconciliación agotada sin respuesta del PAC, documento marcado para revisión manual")
	return doc, fmt.Errorf("%w (documento %s)", domain.ErrStampNotConfirmed, doc.ID)
}

// appendQueryLog registra una consulta de estatus en la bitácora.
func (r *Reconciler) appendQueryLog(ctx context.Context, docID string, op entity.OperationType, result *QueryResult, callErr error) {
	entry := &entity.ResponseLogEntry{
		ID:               uuid.New().String(),
		FiscalDocumentID: docID,
		Timestamp:        r.now(),
		OperationType:    op,
	}
	if callErr != nil {
		entry.ErrorMessage = callErr.Error()
	} else if result != nil {
		entry.Success = result.Found
		entry.StatusCode = result.HTTPStatus
		entry.RawPayload = result.Raw
	}
	if err := r.logs.Append(ctx, entry); err != nil {
		r.log.Error().Err(err).Str("document_id", docID).Msg("no se pudo escribir la bitácora de consultas")
	}
}
