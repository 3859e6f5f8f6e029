// Package collaborators implementa los clientes HTTP hacia los servicios
// vecinos del núcleo fiscal: facturación comercial (totales y líneas),
// clientes (perfil fiscal), foliado por sucursal y renderizado de addendas.
// Todos son adaptadores de solo lectura o de efecto acotado; el núcleo los
// trata como cajas negras detrás de sus puertos.
package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tu-usuario/timbrado-pro/internal/application/stamping"
	"github.com/tu-usuario/timbrado-pro/internal/domain"
)

const maxResponseBytes = 256 * 1024

// Verificar en tiempo de compilación que los clientes implementan sus puertos.
var (
	_ stamping.InvoiceDataProvider = (*InvoicingClient)(nil)
	_ stamping.TaxProfileProvider  = (*CustomerClient)(nil)
	_ stamping.FolioAllocator      = (*FolioClient)(nil)
	_ stamping.AttachmentRenderer  = (*AttachmentClient)(nil)
)

// Config base de todos los clientes colaboradores.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout de red; por encima aplica el contexto del caller.
	Timeout time.Duration
}

func newHTTPClient(cfg Config) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// doJSON ejecuta la llamada, valida el estatus y deserializa el cuerpo en out.
// Un 404 se traduce a domain.ErrNotFound para que el orquestador lo distinga
// de una falla del colaborador.
func doJSON(client *http.Client, req *http.Request, apiKey string, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return fmt.Errorf("colaborador: timeout o cancelación: %w", req.Context().Err())
		}
		return fmt.Errorf("colaborador: llamada HTTP fallida: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("colaborador: leer respuesta: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("colaborador: recurso no encontrado: %w", domain.ErrNotFound)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return fmt.Errorf("colaborador: HTTP %d: %s", resp.StatusCode, string(rawBody))
	}

	if err := json.Unmarshal(rawBody, out); err != nil {
		return fmt.Errorf("colaborador: deserializar respuesta: %w", err)
	}
	return nil
}

// ── Facturación comercial ─────────────────────────────────────────────────────

// InvoicingClient cliente del servicio de facturación comercial. El núcleo
// fiscal nunca recalcula totales: los toma tal cual los reporta este servicio.
type InvoicingClient struct {
	cfg        Config
	httpClient *http.Client
}

func NewInvoicingClient(cfg Config) *InvoicingClient {
	return &InvoicingClient{cfg: cfg, httpClient: newHTTPClient(cfg)}
}

type invoiceTotalsResponse struct {
	CustomerRef string            `json:"customer_ref"`
	Total       decimal.Decimal   `json:"total"`
	Lines       []invoiceLineJSON `json:"lines"`
}

type invoiceLineJSON struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

// GetInvoiceTotals consulta totales y líneas de la factura origen.
func (c *InvoicingClient) GetInvoiceTotals(ctx context.Context, sourceInvoiceRef string) (*stamping.InvoiceTotals, error) {
	if sourceInvoiceRef == "" {
		return nil, fmt.Errorf("colaborador: referencia de factura vacía")
	}
	endpoint := fmt.Sprintf("%s/api/invoices/%s/totals", c.cfg.BaseURL, url.PathEscape(sourceInvoiceRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("colaborador: crear request: %w", err)
	}

	var body invoiceTotalsResponse
	if err := doJSON(c.httpClient, req, c.cfg.APIKey, &body); err != nil {
		return nil, err
	}

	lines := make([]stamping.InvoiceLine, len(body.Lines))
	for i, l := range body.Lines {
		lines[i] = stamping.InvoiceLine{
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			Amount:      l.Amount,
		}
	}
	return &stamping.InvoiceTotals{
		Lines:       lines,
		Total:       body.Total,
		CustomerRef: body.CustomerRef,
	}, nil
}

// ── Perfil fiscal del cliente ─────────────────────────────────────────────────

// CustomerClient cliente del servicio de clientes: expone el perfil fiscal del
// receptor (RFC, régimen, uso CFDI por defecto).
type CustomerClient struct {
	cfg        Config
	httpClient *http.Client
}

func NewCustomerClient(cfg Config) *CustomerClient {
	return &CustomerClient{cfg: cfg, httpClient: newHTTPClient(cfg)}
}

type taxProfileResponse struct {
	TaxID             string `json:"tax_id"`
	TaxRegime         string `json:"tax_regime"`
	DefaultTaxUseCode string `json:"default_tax_use_code"`
}

func (c *CustomerClient) GetTaxProfile(ctx context.Context, customerRef string) (*stamping.TaxProfile, error) {
	if customerRef == "" {
		return nil, fmt.Errorf("colaborador: referencia de cliente vacía")
	}
	endpoint := fmt.Sprintf("%s/api/customers/%s/tax-profile", c.cfg.BaseURL, url.PathEscape(customerRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("colaborador: crear request: %w", err)
	}

	var body taxProfileResponse
	if err := doJSON(c.httpClient, req, c.cfg.APIKey, &body); err != nil {
		return nil, err
	}
	if body.TaxID == "" {
		return nil, fmt.Errorf("colaborador: el perfil fiscal de %s no tiene RFC", customerRef)
	}
	return &stamping.TaxProfile{
		TaxID:             body.TaxID,
		TaxRegime:         body.TaxRegime,
		DefaultTaxUseCode: body.DefaultTaxUseCode,
	}, nil
}

// ── Foliado por sucursal ──────────────────────────────────────────────────────

// FolioClient cliente del servicio de foliado. La asignación es un POST: el
// servicio incrementa su consecutivo y devuelve serie y número.
type FolioClient struct {
	cfg        Config
	httpClient *http.Client
}

func NewFolioClient(cfg Config) *FolioClient {
	return &FolioClient{cfg: cfg, httpClient: newHTTPClient(cfg)}
}

type folioResponse struct {
	Series string `json:"series"`
	Number string `json:"number"`
}

func (c *FolioClient) NextFolio(ctx context.Context, branchRef string) (*stamping.Folio, error) {
	if branchRef == "" {
		return nil, fmt.Errorf("colaborador: referencia de sucursal vacía")
	}
	endpoint := fmt.Sprintf("%s/api/branches/%s/folios", c.cfg.BaseURL, url.PathEscape(branchRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("colaborador: crear request: %w", err)
	}

	var body folioResponse
	if err := doJSON(c.httpClient, req, c.cfg.APIKey, &body); err != nil {
		return nil, err
	}
	if body.Series == "" || body.Number == "" {
		return nil, fmt.Errorf("colaborador: folio incompleto para sucursal %s", branchRef)
	}
	return &stamping.Folio{Series: body.Series, Number: body.Number}, nil
}

// ── Addendas ──────────────────────────────────────────────────────────────────

// AttachmentClient cliente del servicio de plantillas de addenda. Devuelve el
// fragmento XML listo para incrustar en el comprobante.
type AttachmentClient struct {
	cfg        Config
	httpClient *http.Client
}

func NewAttachmentClient(cfg Config) *AttachmentClient {
	return &AttachmentClient{cfg: cfg, httpClient: newHTTPClient(cfg)}
}

type renderAttachmentRequest struct {
	TemplateID string         `json:"template_id"`
	Context    map[string]any `json:"context"`
}

type renderAttachmentResponse struct {
	XML string `json:"xml"`
}

func (c *AttachmentClient) RenderAttachment(ctx context.Context, templateID string, tmplContext map[string]any) (string, error) {
	if templateID == "" {
		return "", fmt.Errorf("colaborador: plantilla de addenda vacía")
	}
	payload, err := json.Marshal(renderAttachmentRequest{TemplateID: templateID, Context: tmplContext})
	if err != nil {
		return "", fmt.Errorf("colaborador: serializar request: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/api/attachments/render"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("colaborador: crear request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var body renderAttachmentResponse
	if err := doJSON(c.httpClient, req, c.cfg.APIKey, &body); err != nil {
		return "", err
	}
	return body.XML, nil
}
