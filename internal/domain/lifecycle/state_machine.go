// Package lifecycle implementa la máquina de estados del documento fiscal:
// la única autoridad sobre qué transiciones son legales y el único escritor
// del campo status. Todo cambio de estado pasa por Transition.
package lifecycle

import (
	"context"
	"time"

	"github.com/tu-usuario/timbrado-pro/internal/domain"
	"github.com/tu-usuario/timbrado-pro/internal/domain/entity"
	"github.com/tu-usuario/timbrado-pro/internal/domain/repository"
)

// allowed tabla cerrada de transiciones legales del ciclo de vida.
//
//	DRAFT ──submit──▶ PROCESSING ──éxito──▶ STAMPED ──solicitud──▶ CANCEL_PENDING ──confirma──▶ CANCELLED ──▶ ARCHIVED
//	                      │ ▲                   ▲                        │
//	                 rechazo │ retry            └───────rechazo──────────┘
//	                      ▼ │
//	                     ERROR
var allowed = map[entity.Status][]entity.Status{
	entity.StatusDraft:         {entity.StatusProcessing},
	entity.StatusProcessing:    {entity.StatusStamped, entity.StatusError},
	entity.StatusError:         {entity.StatusProcessing},
	entity.StatusStamped:       {entity.StatusCancelPending},
	entity.StatusCancelPending: {entity.StatusCancelled, entity.StatusStamped},
	entity.StatusCancelled:     {entity.StatusArchived},
}

// StateMachine valida y aplica transiciones de estado con concurrencia
// optimista sobre el repositorio.
type StateMachine struct {
	docs repository.FiscalDocumentRepository
	now  func() time.Time
}

// NewStateMachine construye la máquina sobre el repositorio de documentos.
func NewStateMachine(docs repository.FiscalDocumentRepository) *StateMachine {
	return &StateMachine{docs: docs, now: time.Now}
}

// CanTransition indica si from → to es una transición legal.
func CanTransition(from, to entity.Status) bool {
	for _, t := range allowed[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition aplica la transición fromExpected → to sobre el documento.
//
// Falla con *domain.InvalidTransitionError si el estado actual del documento
// no es fromExpected o si la transición no es legal, y con
// *domain.StaleVersionError si la versión en DB cambió desde que el caller
// leyó el documento. En éxito escribe atómicamente el estado (junto con los
// demás campos mutables que el caller haya preparado en doc), incrementa la
// versión y devuelve el documento actualizado.
func (m *StateMachine) Transition(ctx context.Context, doc *entity.FiscalDocument, fromExpected, to entity.Status) (*entity.FiscalDocument, error) {
	if doc.Status != fromExpected {
		return nil, &domain.InvalidTransitionError{
			DocumentID: doc.ID, From: doc.Status, Expected: fromExpected, To: to,
		}
	}
	if !CanTransition(fromExpected, to) {
		return nil, &domain.InvalidTransitionError{
			DocumentID: doc.ID, From: fromExpected, Expected: fromExpected, To: to,
		}
	}

	expected := doc.Version
	doc.Status = to
	doc.UpdatedAt = m.now()
	if err := m.docs.UpdateVersioned(ctx, doc, expected); err != nil {
		// Revertir la mutación local: el documento del caller debe reflejar
		// lo que realmente hay en DB.
		doc.Status = fromExpected
		return nil, err
	}
	doc.Version = expected + 1
	return doc, nil
}
