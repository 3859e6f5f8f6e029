package repository

import (
	"context"

	"github.com/tu-usuario/timbrado-pro/internal/domain/entity"
)

// FiscalDocumentRepository persistencia del documento fiscal.
// El estado y la versión se escriben únicamente a través de UpdateVersioned,
// que es la primitiva de concurrencia optimista de la máquina de estados.
type FiscalDocumentRepository interface {
	Create(ctx context.Context, doc *entity.FiscalDocument) error
	GetByID(ctx context.Context, id string) (*entity.FiscalDocument, error)
	// GetByAuthorityUUID busca por el UUID fiscal asignado por el PAC
	// (validación de sustitución en cancelaciones con motivo 01).
	GetByAuthorityUUID(ctx context.Context, uuid string) (*entity.FiscalDocument, error)
	// GetActiveBySourceRef devuelve el documento vivo (ni CANCELLED ni
	// ARCHIVED) asociado a una factura origen, o nil si no hay ninguno.
	GetActiveBySourceRef(ctx context.Context, sourceInvoiceRef string) (*entity.FiscalDocument, error)
	// UpdateVersioned escribe los campos mutables del documento e incrementa
	// la versión, exigiendo que la fila conserve expectedVersion. Si la
	// versión ya cambió retorna *domain.StaleVersionError.
	UpdateVersioned(ctx context.Context, doc *entity.FiscalDocument, expectedVersion int64) error
}

// ResponseLogRepository bitácora append-only de interacciones con el PAC.
// No hay Update ni Delete: las entradas son inmutables por diseño de auditoría.
type ResponseLogRepository interface {
	Append(ctx context.Context, entry *entity.ResponseLogEntry) error
	ListByDocument(ctx context.Context, fiscalDocumentID string) ([]*entity.ResponseLogEntry, error)
}
