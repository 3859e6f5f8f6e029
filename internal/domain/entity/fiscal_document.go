package entity

import (
	"fmt"
	"strings"
	"time"
)

// Status es el estado legal del documento fiscal dentro de su ciclo de vida.
// Es una enumeración cerrada: el único escritor de este campo es la máquina
// de estados (internal/domain/lifecycle); ningún otro componente lo muta.
type Status string

const (
	StatusDraft         Status = "DRAFT"          // Creado localmente, aún sin enviar al PAC
	StatusProcessing    Status = "PROCESSING"     // Solicitud de timbrado en vuelo
	StatusStamped       Status = "STAMPED"        // Timbrado: UUID fiscal asignado por el PAC
	StatusError         Status = "ERROR"          // Rechazo o ambigüedad no resuelta; reintentable
	StatusCancelPending Status = "CANCEL_PENDING" // Cancelación solicitada, esperando confirmación del PAC
	StatusCancelled     Status = "CANCELLED"      // Cancelación confirmada por el PAC
	StatusArchived      Status = "ARCHIVED"       // Retención cumplida; solo consulta
)

// ParseStatus normaliza y valida un estado recibido desde fuera del núcleo
// (DB, API). Es el único punto de ingreso: las comparaciones internas son
// siempre entre constantes Status, nunca entre cadenas sueltas.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusDraft, StatusProcessing, StatusStamped, StatusError,
		StatusCancelPending, StatusCancelled, StatusArchived:
		return st, nil
	}
	return "", fmt.Errorf("estado de documento fiscal desconocido: %q", s)
}

// SyncStatus indica si hay una llamada al PAC pendiente de resolver,
// independiente del Status legal. Sirve para detectar reintentos en vuelo.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "IDLE"    // Sin llamada pendiente
	SyncPending SyncStatus = "PENDING" // Llamada al PAC en curso
	SyncError   SyncStatus = "ERROR"   // La última llamada no pudo confirmarse (revisión manual)
)

// PaymentMethod método de pago SAT (c_MetodoPago).
type PaymentMethod string

const (
	PaymentSingle   PaymentMethod = "PUE" // Pago en una sola exhibición
	PaymentDeferred PaymentMethod = "PPD" // Pago en parcialidades o diferido
)

// FiscalDocument es la entidad central: un comprobante fiscal que nace como
// borrador de una factura comercial y se convierte en documento legal al ser
// timbrado por el PAC. Nunca se elimina; los cancelados se conservan para
// auditoría y eventualmente pasan a ARCHIVED.
type FiscalDocument struct {
	ID               string
	SourceInvoiceRef string // Referencia a la factura comercial origen (propiedad de otro sistema)
	BranchRef        string // Sucursal emisora; determina la serie cuando hay foliado por sucursal
	CustomerRef      string // Cliente receptor; clave para el perfil fiscal

	Status     Status
	SyncStatus SyncStatus

	// Poblados solo tras un timbrado exitoso.
	AuthorityUUID string // UUID fiscal asignado por el PAC/SAT
	Series        string
	Number        string

	PaymentMethod   PaymentMethod
	PaymentFormCode string // c_FormaPago; "99" (por definir) es obligatorio con PPD
	TaxUseCode      string // c_UsoCFDI del receptor

	// AttachmentTmplID plantilla de addenda del socio comercial; vacío = el
	// comprobante se timbra sin addenda.
	AttachmentTmplID string

	// Cancelación.
	CancellationMotive    string // c_MotivoCancelacion: 01..04
	SubstitutionUUID      string // UUID del documento que sustituye (obligatorio con motivo 01)
	CancellationTimestamp *time.Time

	LastError    string // Última razón de rechazo o falla, para el operador
	ManualReview bool   // true cuando la reconciliación agotó sus intentos

	// Version es el contador de concurrencia optimista: cada transición de
	// estado lo incrementa y toda escritura exige la versión leída.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsStampable indica si el documento puede iniciar (o reintentar) timbrado.
func (d *FiscalDocument) IsStampable() bool {
	return d.Status == StatusDraft || d.Status == StatusError
}

// IsActive indica si el documento sigue vivo frente al invariante de unicidad:
// solo puede existir un documento activo por factura origen, y uno nuevo solo
// puede crearse cuando el anterior llegó a CANCELLED (o ARCHIVED).
func (d *FiscalDocument) IsActive() bool {
	return d.Status != StatusCancelled && d.Status != StatusArchived
}
