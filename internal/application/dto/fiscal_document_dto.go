package dto

import (
	"time"

	"github.com/tu-usuario/timbrado-pro/internal/domain/entity"
)

// CreateFiscalDocumentRequest alta de un borrador fiscal para una factura
// comercial ya emitida.
type CreateFiscalDocumentRequest struct {
	SourceInvoiceRef string `json:"source_invoice_ref" validate:"required"`
	BranchRef        string `json:"branch_ref"`
	CustomerRef      string `json:"customer_ref" validate:"required"`
	PaymentMethod    string `json:"payment_method" validate:"required"` // PUE | PPD
	PaymentFormCode  string `json:"payment_form_code" validate:"required"`
	TaxUseCode       string `json:"tax_use_code"`       // vacío = usar el del perfil fiscal del cliente
	AttachmentTmplID string `json:"attachment_tmpl_id"` // vacío = sin addenda
}

// CancelFiscalDocumentRequest solicitud de cancelación de un documento timbrado.
type CancelFiscalDocumentRequest struct {
	Motive           string `json:"motive" validate:"required"` // c_MotivoCancelacion: 01..04
	SubstitutionUUID string `json:"substitution_uuid"`          // obligatorio con motivo 01
}

// FiscalDocumentResponse representación pública del documento fiscal.
type FiscalDocumentResponse struct {
	ID                    string     `json:"id"`
	SourceInvoiceRef      string     `json:"source_invoice_ref"`
	BranchRef             string     `json:"branch_ref,omitempty"`
	CustomerRef           string     `json:"customer_ref"`
	Status                string     `json:"status"`
	SyncStatus            string     `json:"sync_status"`
	AuthorityUUID         string     `json:"authority_uuid,omitempty"`
	Series                string     `json:"series,omitempty"`
	Number                string     `json:"number,omitempty"`
	PaymentMethod         string     `json:"payment_method"`
	PaymentFormCode       string     `json:"payment_form_code"`
	TaxUseCode            string     `json:"tax_use_code,omitempty"`
	CancellationMotive    string     `json:"cancellation_motive,omitempty"`
	SubstitutionUUID      string     `json:"substitution_uuid,omitempty"`
	CancellationTimestamp *time.Time `json:"cancellation_timestamp,omitempty"`
	LastError             string     `json:"last_error,omitempty"`
	ManualReview          bool       `json:"manual_review"`
	Version               int64      `json:"version"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// FiscalDocumentFromEntity mapea la entidad a su representación pública.
func FiscalDocumentFromEntity(doc *entity.FiscalDocument) FiscalDocumentResponse {
	return FiscalDocumentResponse{
		ID:                    doc.ID,
		SourceInvoiceRef:      doc.SourceInvoiceRef,
		BranchRef:             doc.BranchRef,
		CustomerRef:           doc.CustomerRef,
		Status:                string(doc.Status),
		SyncStatus:            string(doc.SyncStatus),
		AuthorityUUID:         doc.AuthorityUUID,
		Series:                doc.Series,
		Number:                doc.Number,
		PaymentMethod:         string(doc.PaymentMethod),
		PaymentFormCode:       doc.PaymentFormCode,
		TaxUseCode:            doc.TaxUseCode,
		CancellationMotive:    doc.CancellationMotive,
		SubstitutionUUID:      doc.SubstitutionUUID,
		CancellationTimestamp: doc.CancellationTimestamp,
		LastError:             doc.LastError,
		ManualReview:          doc.ManualReview,
		Version:               doc.Version,
		CreatedAt:             doc.CreatedAt,
		UpdatedAt:             doc.UpdatedAt,
	}
}

// ResponseLogEntryDTO entrada de la bitácora de respuestas tal como se expone.
type ResponseLogEntryDTO struct {
	ID               string    `json:"id"`
	FiscalDocumentID string    `json:"fiscal_document_id"`
	Timestamp        time.Time `json:"timestamp"`
	OperationType    string    `json:"operation_type"`
	Success          bool      `json:"success"`
	StatusCode       int       `json:"status_code,omitempty"`
	RawPayload       string    `json:"raw_payload,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// ResponseLogFromEntities mapea la bitácora completa.
func ResponseLogFromEntities(entries []*entity.ResponseLogEntry) []ResponseLogEntryDTO {
	out := make([]ResponseLogEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = ResponseLogEntryDTO{
			ID:               e.ID,
			FiscalDocumentID: e.FiscalDocumentID,
			Timestamp:        e.Timestamp,
			OperationType:    string(e.OperationType),
			Success:          e.Success,
			StatusCode:       e.StatusCode,
			RawPayload:       e.RawPayload,
			ErrorMessage:     e.ErrorMessage,
		}
	}
	return out
}
