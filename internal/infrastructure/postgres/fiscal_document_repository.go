package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tu-usuario/timbrado-pro/internal/domain"
	"github.com/tu-usuario/timbrado-pro/internal/domain/entity"
	"github.com/tu-usuario/timbrado-pro/internal/domain/repository"
)

var _ repository.FiscalDocumentRepository = (*FiscalDocumentRepo)(nil)

// FiscalDocumentRepo implementación de FiscalDocumentRepository (usable con
// pool o tx). La tabla lleva un índice único parcial sobre source_invoice_ref
// para estados vivos:
//
//	CREATE UNIQUE INDEX ux_fiscal_documents_active_source
//	ON fiscal_documents (source_invoice_ref)
//	WHERE status NOT IN ('CANCELLED', 'ARCHIVED');
//
// de modo que la unicidad de documento activo por factura la garantiza la
// base incluso si dos procesos crean a la vez.
type FiscalDocumentRepo struct {
	q Querier
}

// NewFiscalDocumentRepository construye el adaptador. Pasar pool o tx (Querier).
func NewFiscalDocumentRepository(q Querier) *FiscalDocumentRepo {
	return &FiscalDocumentRepo{q: q}
}

const fiscalDocumentColumns = `
	id, source_invoice_ref, COALESCE(branch_ref, ''), customer_ref,
	status, sync_status,
	COALESCE(authority_uuid, ''), COALESCE(series, ''), COALESCE(number, ''),
	payment_method, payment_form_code, COALESCE(tax_use_code, ''), COALESCE(attachment_tmpl_id, ''),
	COALESCE(cancellation_motive, ''), COALESCE(substitution_uuid, ''), cancellation_timestamp,
	COALESCE(last_error, ''), manual_review, version, created_at, updated_at`

// Create persiste un documento nuevo en DRAFT. Una violación del índice único
// parcial (ya existe documento activo para la factura) se traduce a
// domain.ErrDuplicateSubmission.
func (r *FiscalDocumentRepo) Create(ctx context.Context, doc *entity.FiscalDocument) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	query := `
		INSERT INTO fiscal_documents (
			id, source_invoice_ref, branch_ref, customer_ref,
			status, sync_status,
			authority_uuid, series, number,
			payment_method, payment_form_code, tax_use_code, attachment_tmpl_id,
			cancellation_motive, substitution_uuid, cancellation_timestamp,
			last_error, manual_review, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`
	_, err := r.q.Exec(ctx, query,
		doc.ID, doc.SourceInvoiceRef, nullIfEmpty(doc.BranchRef), doc.CustomerRef,
		doc.Status, doc.SyncStatus,
		nullIfEmpty(doc.AuthorityUUID), nullIfEmpty(doc.Series), nullIfEmpty(doc.Number),
		doc.PaymentMethod, doc.PaymentFormCode, nullIfEmpty(doc.TaxUseCode), nullIfEmpty(doc.AttachmentTmplID),
		nullIfEmpty(doc.CancellationMotive), nullIfEmpty(doc.SubstitutionUUID), doc.CancellationTimestamp,
		nullIfEmpty(doc.LastError), doc.ManualReview, doc.Version, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ya existe un documento fiscal activo para la factura %s: %w",
				doc.SourceInvoiceRef, domain.ErrDuplicateSubmission)
		}
		return fmt.Errorf("insert fiscal_document: %w", err)
	}
	return nil
}

// GetByID obtiene un documento por ID, o nil si no existe.
func (r *FiscalDocumentRepo) GetByID(ctx context.Context, id string) (*entity.FiscalDocument, error) {
	query := `SELECT` + fiscalDocumentColumns + ` FROM fiscal_documents WHERE id = $1`
	return r.scanOne(r.q.QueryRow(ctx, query, id))
}

// GetByAuthorityUUID busca por UUID fiscal, o nil si no existe.
func (r *FiscalDocumentRepo) GetByAuthorityUUID(ctx context.Context, authorityUUID string) (*entity.FiscalDocument, error) {
	query := `SELECT` + fiscalDocumentColumns + ` FROM fiscal_documents WHERE authority_uuid = $1`
	return r.scanOne(r.q.QueryRow(ctx, query, authorityUUID))
}

// GetActiveBySourceRef devuelve el documento vivo de una factura origen, o nil.
// El índice único parcial garantiza que hay a lo más uno.
func (r *FiscalDocumentRepo) GetActiveBySourceRef(ctx context.Context, sourceInvoiceRef string) (*entity.FiscalDocument, error) {
	query := `SELECT` + fiscalDocumentColumns + `
		FROM fiscal_documents
		WHERE source_invoice_ref = $1 AND status NOT IN ('CANCELLED', 'ARCHIVED')`
	return r.scanOne(r.q.QueryRow(ctx, query, sourceInvoiceRef))
}

// UpdateVersioned escribe los campos mutables exigiendo que la fila conserve
// expectedVersion (concurrencia optimista). Si la versión ya cambió retorna
// *domain.StaleVersionError; el caller decide si releer y reintentar.
func (r *FiscalDocumentRepo) UpdateVersioned(ctx context.Context, doc *entity.FiscalDocument, expectedVersion int64) error {
	query := `
		UPDATE fiscal_documents
		SET status                 = $3,
		    sync_status            = $4,
		    authority_uuid         = $5,
		    series                 = $6,
		    number                 = $7,
		    payment_form_code      = $8,
		    tax_use_code           = $9,
		    cancellation_motive    = $10,
		    substitution_uuid      = $11,
		    cancellation_timestamp = $12,
		    last_error             = $13,
		    manual_review          = $14,
		    version                = version + 1,
		    updated_at             = $15
		WHERE id = $1 AND version = $2`
	tag, err := r.q.Exec(ctx, query,
		doc.ID, expectedVersion,
		doc.Status, doc.SyncStatus,
		nullIfEmpty(doc.AuthorityUUID), nullIfEmpty(doc.Series), nullIfEmpty(doc.Number),
		doc.PaymentFormCode, nullIfEmpty(doc.TaxUseCode),
		nullIfEmpty(doc.CancellationMotive), nullIfEmpty(doc.SubstitutionUUID), doc.CancellationTimestamp,
		nullIfEmpty(doc.LastError), doc.ManualReview, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update fiscal_document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.StaleVersionError{DocumentID: doc.ID, ExpectedVersion: expectedVersion}
	}
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (r *FiscalDocumentRepo) scanOne(row pgx.Row) (*entity.FiscalDocument, error) {
	var doc entity.FiscalDocument
	var status, syncStatus, paymentMethod string
	err := row.Scan(
		&doc.ID, &doc.SourceInvoiceRef, &doc.BranchRef, &doc.CustomerRef,
		&status, &syncStatus,
		&doc.AuthorityUUID, &doc.Series, &doc.Number,
		&paymentMethod, &doc.PaymentFormCode, &doc.TaxUseCode, &doc.AttachmentTmplID,
		&doc.CancellationMotive, &doc.SubstitutionUUID, &doc.CancellationTimestamp,
		&doc.LastError, &doc.ManualReview, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fiscal_document: %w", err)
	}
	parsed, err := entity.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("fila corrupta %s: %w", doc.ID, err)
	}
	doc.Status = parsed
	doc.SyncStatus = entity.SyncStatus(syncStatus)
	doc.PaymentMethod = entity.PaymentMethod(paymentMethod)
	return &doc, nil
}
