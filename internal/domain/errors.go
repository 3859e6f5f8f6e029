package domain

import (
	"errors"
	"fmt"

	"github.com/tu-usuario/timbrado-pro/internal/domain/entity"
)

// Errores de dominio (sin dependencias externas). Los centinelas cubren los
// casos sin datos adjuntos; los errores tipados de más abajo transportan el
// detalle que el operador necesita para rastrear qué pasó.
var (
	ErrNotFound               = errors.New("documento fiscal no encontrado")
	ErrValidation             = errors.New("documento inválido para timbrado")
	ErrDuplicateSubmission    = errors.New("ya hay un envío en curso para esta factura")
	ErrCancellationNotAllowed = errors.New("el documento no admite cancelación en su estado actual")
	ErrStampNotConfirmed      = errors.New("timbrado no confirmado por el PAC; requiere revisión manual")
	// ErrAmbiguousOutcome es interno: la reconciliación siempre lo resuelve a
	// STAMPED o ERROR antes de que la llamada retorne al caller.
	ErrAmbiguousOutcome = errors.New("resultado ambiguo del PAC")
)

// InvalidTransitionError transición ilegal entre estados, o estado actual
// distinto del esperado por el caller. Es un error de programación/uso, nunca
// se reintenta automáticamente.
type InvalidTransitionError struct {
	DocumentID string
	From       entity.Status
	Expected   entity.Status
	To         entity.Status
}

func (e *InvalidTransitionError) Error() string {
	if e.From != e.Expected {
		return fmt.Sprintf("documento %s: estado actual %s, se esperaba %s para pasar a %s",
			e.DocumentID, e.From, e.Expected, e.To)
	}
	return fmt.Sprintf("documento %s: transición ilegal %s -> %s", e.DocumentID, e.From, e.To)
}

// StaleVersionError conflicto de concurrencia optimista: la versión del
// documento cambió desde que el caller la leyó. Es la primitiva sobre la que
// se apoya el candado de envío.
type StaleVersionError struct {
	DocumentID      string
	ExpectedVersion int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("documento %s: versión %d obsoleta, otro proceso lo modificó",
		e.DocumentID, e.ExpectedVersion)
}

// AuthorityRejectionError el PAC rechazó explícitamente la operación.
// Conserva el código y mensaje originales para la bitácora y el operador.
type AuthorityRejectionError struct {
	Code    string
	Message string
}

func (e *AuthorityRejectionError) Error() string {
	return fmt.Sprintf("rechazado por el PAC [%s]: %s", e.Code, e.Message)
}
