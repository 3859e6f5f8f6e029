// Package pac implementa el adaptador hacia el web service SOAP del PAC:
// timbrado, cancelación y consulta de estatus, con los resultados
// normalizados que esperan los orquestadores (SUCCESS/REJECTED/AMBIGUOUS).
package pac

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tu-usuario/timbrado-pro/internal/application/stamping"
)

// ── Constantes de entorno ──────────────────────────────────────────────────────

const (
	// EnvTest identificador del ambiente de pruebas/habilitación del PAC.
	EnvTest = "test"
	// EnvProd identificador del ambiente de producción del PAC.
	EnvProd = "prod"

	soapURLTest = "https://pruebas.timbrado.pac.mx/TimbradoService.svc"
	soapURLProd = "https://timbrado.pac.mx/TimbradoService.svc"

	soapNS         = "http://schemas.xmlsoap.org/soap/envelope/"
	pacNS          = "http://timbrado.pac.mx/ws/"
	soapActionBase = "http://timbrado.pac.mx/ws/ITimbradoService/"
)

var _ stamping.AuthorityClient = (*SOAPClient)(nil)

// Config credenciales y ambiente del cliente SOAP.
type Config struct {
	Env      string // "test" | "prod"
	Username string
	Password string
	// URL permite apuntar a un endpoint distinto del de Env (tests de
	// integración contra un servidor local). Vacío = URL del ambiente.
	URL string
}

// SOAPClient cliente SOAP del PAC. Usa net/http de la stdlib para el
// transporte; el timeout duro de red queda por encima del timeout de contexto
// que imponen los orquestadores.
type SOAPClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSOAPClient construye el cliente. El timeout de red es generoso (60 s):
// el PAC puede tardar varios segundos bajo carga; el plazo efectivo lo acota
// el contexto del caller.
func NewSOAPClient(cfg Config) (*SOAPClient, error) {
	switch cfg.Env {
	case EnvTest, EnvProd:
	default:
		return nil, fmt.Errorf("pac: ambiente desconocido %q (usar %q o %q)", cfg.Env, EnvTest, EnvProd)
	}
	return &SOAPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *SOAPClient) endpoint() string {
	if c.cfg.URL != "" {
		return c.cfg.URL
	}
	if c.cfg.Env == EnvProd {
		return soapURLProd
	}
	return soapURLTest
}

// ── Estructuras SOAP ──────────────────────────────────────────────────────────

type soapEnvelope struct {
	XMLName xml.Name   `xml:"s:Envelope"`
	XmlnsS  string     `xml:"xmlns:s,attr"`
	Header  soapHeader `xml:"s:Header"`
	Body    soapBody   `xml:"s:Body"`
}

type soapHeader struct{}

type soapBody struct {
	Content interface{}
}

func (b soapBody) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name.Local = "s:Body"
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.Encode(b.Content); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

// timbrarBody cuerpo de la operación Timbrar. El PAC usa la clave de
// idempotencia para reconocer reintentos de la misma solicitud.
type timbrarBody struct {
	XMLName        xml.Name           `xml:"Timbrar"`
	Xmlns          string             `xml:"xmlns,attr"`
	Username       string             `xml:"usuario"`
	Password       string             `xml:"password"`
	IdempotencyKey string             `xml:"claveIdempotencia"`
	Comprobante    comprobantePayload `xml:"comprobante"`
}

// comprobantePayload datos del comprobante a timbrar.
type comprobantePayload struct {
	Referencia      string            `xml:"referencia"`
	Serie           string            `xml:"serie,omitempty"`
	Folio           string            `xml:"folio,omitempty"`
	Fecha           string            `xml:"fecha"`
	MetodoPago      string            `xml:"metodoPago"`
	FormaPago       string            `xml:"formaPago"`
	UsoCFDI         string            `xml:"usoCFDI"`
	ReceptorRFC     string            `xml:"receptorRfc"`
	ReceptorRegimen string            `xml:"receptorRegimen"`
	Total           string            `xml:"total"`
	Conceptos       []conceptoPayload `xml:"conceptos>concepto"`
	Addenda         *cdataFragment    `xml:"addenda,omitempty"`
}

type conceptoPayload struct {
	Descripcion   string `xml:"descripcion"`
	Cantidad      string `xml:"cantidad"`
	ValorUnitario string `xml:"valorUnitario"`
	Importe       string `xml:"importe"`
}

// cdataFragment envuelve un fragmento XML prerrenderizado (addenda) en CDATA.
type cdataFragment struct {
	Text string `xml:",cdata"`
}

// cancelarBody cuerpo de la operación Cancelar.
type cancelarBody struct {
	XMLName     xml.Name `xml:"Cancelar"`
	Xmlns       string   `xml:"xmlns,attr"`
	Username    string   `xml:"usuario"`
	Password    string   `xml:"password"`
	UUID        string   `xml:"uuid"`
	Motivo      string   `xml:"motivo"`
	Sustitucion string   `xml:"folioSustitucion,omitempty"`
}

// consultarBody cuerpo de la operación ConsultarEstatus.
type consultarBody struct {
	XMLName  xml.Name `xml:"ConsultarEstatus"`
	Xmlns    string   `xml:"xmlns,attr"`
	Username string   `xml:"usuario"`
	Password string   `xml:"password"`
	Clave    string   `xml:"claveIdempotenciaOUuid"`
}

// ── Estructuras de respuesta ──────────────────────────────────────────────────

type soapResponseEnvelope struct {
	Body soapResponseBody `xml:"Body"`
}

type soapResponseBody struct {
	TimbrarResponse   *timbrarResponse   `xml:"TimbrarResponse"`
	CancelarResponse  *cancelarResponse  `xml:"CancelarResponse"`
	ConsultarResponse *consultarResponse `xml:"ConsultarEstatusResponse"`
	Fault             *soapFault         `xml:"Fault"`
}

type timbrarResponse struct {
	Result timbrarResult `xml:"TimbrarResult"`
}

type timbrarResult struct {
	Exitoso     bool   `xml:"Exitoso"`
	CFDIXml     string `xml:"CfdiXml"` // CFDI timbrado con el TimbreFiscalDigital incrustado
	Serie       string `xml:"Serie"`
	Folio       string `xml:"Folio"`
	CodigoError string `xml:"CodigoError"`
	Mensaje     string `xml:"Mensaje"`
}

type cancelarResponse struct {
	Result cancelarResult `xml:"CancelarResult"`
}

type cancelarResult struct {
	// Estatus: "Aceptada" | "EnProceso" | "Rechazada"
	Estatus     string `xml:"Estatus"`
	CodigoError string `xml:"CodigoError"`
	Mensaje     string `xml:"Mensaje"`
}

type consultarResponse struct {
	Result consultarResult `xml:"ConsultarEstatusResult"`
}

type consultarResult struct {
	Encontrado bool   `xml:"Encontrado"`
	UUID       string `xml:"Uuid"`
	Estado     string `xml:"Estado"` // "Vigente" | "Cancelado"
}

type soapFault struct {
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
}

// ── Operaciones ───────────────────────────────────────────────────────────────

// Stamp envía el comprobante al PAC. Un timeout o una conexión cortada a
// mitad de la llamada producen Outcome AMBIGUOUS: el PAC pudo haber timbrado
// sin que llegara la respuesta, y solo la reconciliación puede decidirlo.
func (c *SOAPClient) Stamp(ctx context.Context, payload *stamping.DocumentPayload, idempotencyKey string) (*stamping.StampResult, error) {
	if payload == nil {
		return nil, errors.New("pac: payload nulo")
	}
	body := &timbrarBody{
		Xmlns:          pacNS,
		Username:       c.cfg.Username,
		Password:       c.cfg.Password,
		IdempotencyKey: idempotencyKey,
		Comprobante:    buildComprobante(payload),
	}

	raw, httpStatus, err := c.call(ctx, "Timbrar", body)
	if err != nil {
		// Transporte fallido: clasificar como ambiguo, nunca como rechazo.
		return &stamping.StampResult{
			Outcome:    stamping.StampAmbiguous,
			HTTPStatus: httpStatus,
			Raw:        err.Error(),
		}, nil
	}

	var envResp soapResponseEnvelope
	if uerr := xml.Unmarshal(raw, &envResp); uerr != nil {
		// Respuesta ilegible: tampoco sabemos si el PAC procesó.
		return &stamping.StampResult{
			Outcome:    stamping.StampAmbiguous,
			HTTPStatus: httpStatus,
			Raw:        string(raw),
		}, nil
	}
	if envResp.Body.Fault != nil {
		return &stamping.StampResult{
			Outcome:      stamping.StampRejected,
			ErrorCode:    envResp.Body.Fault.FaultCode,
			ErrorMessage: envResp.Body.Fault.FaultString,
			HTTPStatus:   httpStatus,
			Raw:          string(raw),
		}, nil
	}
	if envResp.Body.TimbrarResponse == nil {
		return &stamping.StampResult{
			Outcome:    stamping.StampAmbiguous,
			HTTPStatus: httpStatus,
			Raw:        string(raw),
		}, nil
	}

	res := envResp.Body.TimbrarResponse.Result
	if !res.Exitoso {
		return &stamping.StampResult{
			Outcome:      stamping.StampRejected,
			ErrorCode:    res.CodigoError,
			ErrorMessage: res.Mensaje,
			HTTPStatus:   httpStatus,
			Raw:          string(raw),
		}, nil
	}

	timbre, terr := ParseTimbre([]byte(res.CFDIXml))
	if terr != nil {
		// El PAC dice éxito pero el timbre no se pudo extraer: tratar como
		// ambiguo para que la reconciliación recupere el UUID.
		return &stamping.StampResult{
			Outcome:    stamping.StampAmbiguous,
			HTTPStatus: httpStatus,
			Raw:        string(raw),
		}, nil
	}
	return &stamping.StampResult{
		Outcome:    stamping.StampSuccess,
		UUID:       timbre.UUID,
		Series:     res.Serie,
		Number:     res.Folio,
		HTTPStatus: httpStatus,
		Raw:        string(raw),
	}, nil
}

// Cancel solicita la cancelación. Un timeout se clasifica como PENDING: la
// solicitud pudo haberse registrado y el poll de confirmación lo resolverá.
func (c *SOAPClient) Cancel(ctx context.Context, uuid, motive, substitutionUUID string) (*stamping.CancelResult, error) {
	if uuid == "" {
		return nil, errors.New("pac: uuid vacío en cancelación")
	}
	body := &cancelarBody{
		Xmlns:       pacNS,
		Username:    c.cfg.Username,
		Password:    c.cfg.Password,
		UUID:        uuid,
		Motivo:      motive,
		Sustitucion: substitutionUUID,
	}

	raw, httpStatus, err := c.call(ctx, "Cancelar", body)
	if err != nil {
		return &stamping.CancelResult{
			Outcome:    stamping.CancelPending,
			HTTPStatus: httpStatus,
			Raw:        err.Error(),
		}, nil
	}

	var envResp soapResponseEnvelope
	if uerr := xml.Unmarshal(raw, &envResp); uerr != nil || envResp.Body.CancelarResponse == nil {
		if envResp.Body.Fault != nil {
			return &stamping.CancelResult{
				Outcome:      stamping.CancelRejected,
				ErrorCode:    envResp.Body.Fault.FaultCode,
				ErrorMessage: envResp.Body.Fault.FaultString,
				HTTPStatus:   httpStatus,
				Raw:          string(raw),
			}, nil
		}
		return &stamping.CancelResult{
			Outcome:    stamping.CancelPending,
			HTTPStatus: httpStatus,
			Raw:        string(raw),
		}, nil
	}

	res := envResp.Body.CancelarResponse.Result
	var outcome stamping.CancelOutcome
	switch strings.ToLower(res.Estatus) {
	case "aceptada":
		outcome = stamping.CancelAccepted
	case "enproceso", "en proceso", "pendiente":
		outcome = stamping.CancelPending
	default:
		outcome = stamping.CancelRejected
	}
	return &stamping.CancelResult{
		Outcome:      outcome,
		ErrorCode:    res.CodigoError,
		ErrorMessage: res.Mensaje,
		HTTPStatus:   httpStatus,
		Raw:          string(raw),
	}, nil
}

// QueryStatus consulta el estatus por clave de idempotencia o UUID fiscal.
// A diferencia de Stamp, aquí una falla de transporte SÍ es un error: el
// caller (reconciliación) decide si reintenta el poll.
func (c *SOAPClient) QueryStatus(ctx context.Context, idempotencyKeyOrUUID string) (*stamping.QueryResult, error) {
	body := &consultarBody{
		Xmlns:    pacNS,
		Username: c.cfg.Username,
		Password: c.cfg.Password,
		Clave:    idempotencyKeyOrUUID,
	}

	raw, httpStatus, err := c.call(ctx, "ConsultarEstatus", body)
	if err != nil {
		return nil, err
	}

	var envResp soapResponseEnvelope
	if uerr := xml.Unmarshal(raw, &envResp); uerr != nil {
		return nil, fmt.Errorf("pac: respuesta de consulta ilegible: %w", uerr)
	}
	if envResp.Body.Fault != nil {
		return nil, fmt.Errorf("pac: SOAP Fault [%s]: %s", envResp.Body.Fault.FaultCode, envResp.Body.Fault.FaultString)
	}
	if envResp.Body.ConsultarResponse == nil {
		return nil, errors.New("pac: respuesta de consulta vacía o inesperada")
	}

	res := envResp.Body.ConsultarResponse.Result
	return &stamping.QueryResult{
		Found:      res.Encontrado,
		UUID:       res.UUID,
		State:      res.Estado,
		Cancelled:  strings.EqualFold(res.Estado, "Cancelado"),
		HTTPStatus: httpStatus,
		Raw:        string(raw),
	}, nil
}

// ── transporte ────────────────────────────────────────────────────────────────

// call serializa el envelope, ejecuta el POST SOAP y devuelve el cuerpo crudo
// y el código HTTP. Cualquier falla de red o timeout regresa como error para
// que cada operación lo clasifique según su semántica.
func (c *SOAPClient) call(ctx context.Context, operation string, content interface{}) (raw []byte, httpStatus int, err error) {
	envelope := soapEnvelope{
		XmlnsS: soapNS,
		Body:   soapBody{Content: content},
	}
	xmlPayload, err := xml.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return nil, 0, fmt.Errorf("pac: serializar envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(xmlPayload))
	if err != nil {
		return nil, 0, fmt.Errorf("pac: crear request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", soapActionBase+operation)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, fmt.Errorf("pac: timeout o cancelación: %w", ctx.Err())
		}
		return nil, 0, fmt.Errorf("pac: llamada HTTP fallida: %w", err)
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // max 1 MB
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("pac: leer respuesta: %w", err)
	}
	return raw, resp.StatusCode, nil
}

// buildComprobante mapea el payload del orquestador al cuerpo del WS.
func buildComprobante(p *stamping.DocumentPayload) comprobantePayload {
	conceptos := make([]conceptoPayload, len(p.Lines))
	for i, l := range p.Lines {
		conceptos[i] = conceptoPayload{
			Descripcion:   l.Description,
			Cantidad:      l.Quantity.String(),
			ValorUnitario: l.UnitPrice.StringFixed(2),
			Importe:       l.Amount.StringFixed(2),
		}
	}
	comp := comprobantePayload{
		Referencia:      p.SourceInvoiceRef,
		Serie:           p.Series,
		Folio:           p.Number,
		Fecha:           p.IssuedAt.Format("2006-01-02T15:04:05"),
		MetodoPago:      string(p.PaymentMethod),
		FormaPago:       p.PaymentFormCode,
		UsoCFDI:         p.TaxUseCode,
		ReceptorRFC:     p.ReceiverTaxID,
		ReceptorRegimen: p.ReceiverTaxRegime,
		Total:           p.Total.StringFixed(2),
		Conceptos:       conceptos,
	}
	if p.AttachmentXML != "" {
		comp.Addenda = &cdataFragment{Text: p.AttachmentXML}
	}
	return comp
}
