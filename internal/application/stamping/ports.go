package stamping

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tu-usuario/timbrado-pro/internal/domain/entity"
	"github.com/tu-usuario/timbrado-pro/internal/domain/repository"
)

// ── Puerto de salida: cliente del PAC ─────────────────────────────────────────

// StampOutcome resultado normalizado de una solicitud de timbrado.
type StampOutcome string

const (
	StampSuccess  StampOutcome = "SUCCESS"
	StampRejected StampOutcome = "REJECTED"
	// StampAmbiguous: el adaptador no puede saber si el PAC procesó la
	// solicitud (timeout, conexión perdida a mitad de la llamada). El
	// orquestador NUNCA decide un estado final con este resultado sin pasar
	// antes por la reconciliación.
	StampAmbiguous StampOutcome = "AMBIGUOUS"
)

// CancelOutcome resultado normalizado de una solicitud de cancelación.
type CancelOutcome string

const (
	CancelAccepted CancelOutcome = "ACCEPTED"
	// CancelPending: el PAC recibió la solicitud pero la resolverá después
	// (p. ej. espera de aceptación del receptor). Se confirma vía poll.
	CancelPending  CancelOutcome = "PENDING"
	CancelRejected CancelOutcome = "REJECTED"
)

// StampResult respuesta normalizada del PAC a una solicitud de timbrado.
type StampResult struct {
	Outcome      StampOutcome
	UUID         string // UUID fiscal, solo con SUCCESS
	Series       string
	Number       string
	ErrorCode    string // Código de rechazo del PAC, solo con REJECTED
	ErrorMessage string
	HTTPStatus   int
	Raw          string // Respuesta cruda para la bitácora
}

// CancelResult respuesta normalizada del PAC a una solicitud de cancelación.
type CancelResult struct {
	Outcome      CancelOutcome
	ErrorCode    string
	ErrorMessage string
	HTTPStatus   int
	Raw          string
}

// QueryResult respuesta normalizada de una consulta de estatus.
type QueryResult struct {
	Found      bool
	UUID       string
	State      string // Estado reportado por el PAC ("Vigente", "Cancelado", ...)
	Cancelled  bool
	HTTPStatus int
	Raw        string
}

// AuthorityClient es el puerto hacia el PAC. Las implementaciones normalizan
// todo resultado de red a SUCCESS/REJECTED/AMBIGUOUS (o su equivalente de
// cancelación): un error de retorno indica un problema de uso o configuración,
// nunca una falla de transporte.
type AuthorityClient interface {
	// Stamp envía el comprobante al PAC. idempotencyKey es determinista por
	// documento: permite al PAC reconocer reintentos de la misma solicitud.
	Stamp(ctx context.Context, payload *DocumentPayload, idempotencyKey string) (*StampResult, error)
	// Cancel solicita la cancelación de un comprobante timbrado.
	Cancel(ctx context.Context, uuid, motive, substitutionUUID string) (*CancelResult, error)
	// QueryStatus consulta el estatus de un comprobante por clave de
	// idempotencia o por UUID fiscal.
	QueryStatus(ctx context.Context, idempotencyKeyOrUUID string) (*QueryResult, error)
}

// ── Puerto de exclusión mutua por factura origen ──────────────────────────────

// SubmissionGuard serializa los envíos de una misma factura origen. Acquire es
// no bloqueante: un segundo envío simultáneo de la misma factura nunca es
// legítimo, así que se rechaza en vez de encolarse. El candado lleva TTL para
// no quedar tomado para siempre si el proceso muere a mitad del envío.
type SubmissionGuard interface {
	Acquire(sourceInvoiceRef string) bool
	Release(sourceInvoiceRef string)
}

// ── Colaboradores externos (contratos de caja negra, §colaboradores) ──────────

// InvoiceLine línea de la factura comercial origen.
type InvoiceLine struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
}

// InvoiceTotals totales y líneas de la factura origen.
type InvoiceTotals struct {
	Lines       []InvoiceLine
	Total       decimal.Decimal
	CustomerRef string
}

// InvoiceDataProvider acceso de solo lectura a la factura comercial origen.
type InvoiceDataProvider interface {
	GetInvoiceTotals(ctx context.Context, sourceInvoiceRef string) (*InvoiceTotals, error)
}

// TaxProfile perfil fiscal del receptor.
type TaxProfile struct {
	TaxID             string // RFC
	TaxRegime         string // c_RegimenFiscal
	DefaultTaxUseCode string // c_UsoCFDI por defecto del cliente
}

// TaxProfileProvider acceso al perfil fiscal del cliente receptor.
type TaxProfileProvider interface {
	GetTaxProfile(ctx context.Context, customerRef string) (*TaxProfile, error)
}

// AttachmentRenderer renderiza la addenda XML del socio comercial. Opcional.
type AttachmentRenderer interface {
	RenderAttachment(ctx context.Context, templateID string, tmplContext map[string]any) (string, error)
}

// Folio serie y número asignados por sucursal.
type Folio struct {
	Series string
	Number string
}

// FolioAllocator asigna el siguiente folio de la sucursal. Opcional: solo se
// consulta cuando el despliegue usa foliado por sucursal y el documento aún
// no tiene serie.
type FolioAllocator interface {
	NextFolio(ctx context.Context, branchRef string) (*Folio, error)
}

// ── Payload hacia el PAC ──────────────────────────────────────────────────────

// DocumentPayload comprobante listo para timbrar: composición de los datos de
// la factura origen, el perfil fiscal del receptor y la addenda opcional.
// El renderizado/firmado del XML definitivo es responsabilidad del PAC o de un
// colaborador externo; este núcleo solo transporta los datos.
type DocumentPayload struct {
	DocumentID       string
	SourceInvoiceRef string
	Series           string
	Number           string
	IssuedAt         time.Time

	PaymentMethod   entity.PaymentMethod
	PaymentFormCode string
	TaxUseCode      string

	ReceiverTaxID     string
	ReceiverTaxRegime string

	Lines []InvoiceLine
	Total decimal.Decimal

	AttachmentXML string // Addenda del socio comercial, puede estar vacía
}

// ── Transacciones ─────────────────────────────────────────────────────────────

// TxRunner ejecuta una función con el repositorio de documentos atado a una
// misma transacción (verificación de unicidad + inserción del documento en
// CreateFiscalDocument deben ser atómicas).
type TxRunner interface {
	RunFiscal(ctx context.Context, fn func(docs repository.FiscalDocumentRepository) error) error
}
