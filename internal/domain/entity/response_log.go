package entity

import "time"

// OperationType tipo de interacción con el PAC registrada en la bitácora.
type OperationType string

const (
	OpStamp         OperationType = "STAMP"          // Solicitud de timbrado
	OpCancelRequest OperationType = "CANCEL_REQUEST" // Solicitud de cancelación
	OpCancelConfirm OperationType = "CANCEL_CONFIRM" // Consulta de confirmación de cancelación
	OpStatusQuery   OperationType = "STATUS_QUERY"   // Consulta de estatus (reconciliación)
)

// ResponseLogEntry es un registro inmutable de la bitácora de respuestas:
// toda llamada al PAC produce exactamente una entrada, incluso ante falla de
// red. La bitácora se escribe siempre antes de confirmar el estado del
// documento (log-first), de modo que cualquier estado observable tenga su
// rastro de auditoría aunque el proceso muera a mitad de camino.
type ResponseLogEntry struct {
	ID               string
	FiscalDocumentID string
	Timestamp        time.Time
	OperationType    OperationType
	Success          bool
	StatusCode       int    // Código HTTP de la llamada SOAP (0 si no hubo respuesta)
	RawPayload       string // Respuesta cruda del PAC, o el texto del error de transporte
	ErrorMessage     string
}
