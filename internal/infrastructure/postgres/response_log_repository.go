package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tu-usuario/timbrado-pro/internal/domain/entity"
	"github.com/tu-usuario/timbrado-pro/internal/domain/repository"
)

var _ repository.ResponseLogRepository = (*ResponseLogRepo)(nil)

// ResponseLogRepo bitácora append-only de interacciones con el PAC. La tabla
// no tiene UPDATE ni DELETE en ningún camino de código: cada llamada produce
// exactamente un INSERT.
type ResponseLogRepo struct {
	q Querier
}

// NewResponseLogRepository construye el adaptador. Pasar pool o tx (Querier).
func NewResponseLogRepository(q Querier) *ResponseLogRepo {
	return &ResponseLogRepo{q: q}
}

// Append inserta una entrada inmutable de la bitácora.
func (r *ResponseLogRepo) Append(ctx context.Context, entry *entity.ResponseLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	query := `
		INSERT INTO response_log (id, fiscal_document_id, ts, operation_type, success, status_code, raw_payload, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.q.Exec(ctx, query,
		entry.ID, entry.FiscalDocumentID, entry.Timestamp, entry.OperationType,
		entry.Success, entry.StatusCode, entry.RawPayload, nullIfEmpty(entry.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("insert response_log: %w", err)
	}
	return nil
}

// ListByDocument devuelve la bitácora completa de un documento ordenada por
// timestamp ascendente: leída en orden reconstruye qué pasó y cuándo.
func (r *ResponseLogRepo) ListByDocument(ctx context.Context, fiscalDocumentID string) ([]*entity.ResponseLogEntry, error) {
	query := `
		SELECT id, fiscal_document_id, ts, operation_type, success, status_code, raw_payload, COALESCE(error_message, '')
		FROM response_log
		WHERE fiscal_document_id = $1
		ORDER BY ts, id`
	rows, err := r.q.Query(ctx, query, fiscalDocumentID)
	if err != nil {
		return nil, fmt.Errorf("list response_log: %w", err)
	}
	defer rows.Close()

	var list []*entity.ResponseLogEntry
	for rows.Next() {
		var e entity.ResponseLogEntry
		var op string
		if err := rows.Scan(&e.ID, &e.FiscalDocumentID, &e.Timestamp, &op,
			&e.Success, &e.StatusCode, &e.RawPayload, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan response_log: %w", err)
		}
		e.OperationType = entity.OperationType(op)
		list = append(list, &e)
	}
	return list, rows.Err()
}
