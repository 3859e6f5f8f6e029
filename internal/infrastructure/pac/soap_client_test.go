package pac_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tu-usuario/timbrado-pro/internal/application/stamping"
	"github.com/tu-usuario/timbrado-pro/internal/domain/entity"
	"github.com/tu-usuario/timbrado-pro/internal/infrastructure/pac"
)

// newTestClient levanta un servidor HTTP local y apunta el cliente SOAP a él.
func newTestClient(t *testing.T, handler http.HandlerFunc) *pac.SOAPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := pac.NewSOAPClient(pac.Config{
		Env:      pac.EnvTest,
		Username: "usuario-pruebas",
		Password: "secreto",
		URL:      srv.URL,
	})
	require.NoError(t, err)
	return client
}

func testPayload() *stamping.DocumentPayload {
	return &stamping.DocumentPayload{
		DocumentID:       "doc-001",
		SourceInvoiceRef: "FAC-2026-0042",
		IssuedAt:         time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		PaymentMethod:    entity.PaymentSingle,
		PaymentFormCode:  "03",
		TaxUseCode:       "G03",
		ReceiverTaxID:    "XAXX010101000",
		Lines: []stamping.InvoiceLine{
			{Description: "Servicio", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(1000), Amount: decimal.NewFromInt(1000)},
		},
		Total: decimal.NewFromInt(1160),
	}
}

// soapOK envuelve un cuerpo de respuesta en el envelope SOAP estándar.
func soapOK(inner string) string {
	return `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` + inner + `</s:Body></s:Envelope>`
}

// escapeXML escapa un fragmento XML para incrustarlo como texto de elemento.
func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	return strings.ReplaceAll(s, "<", "&lt;")
}

// ── Timbrado ──────────────────────────────────────────────────────────────────

func TestSOAPClient_Stamp_Exitoso(t *testing.T) {
	var gotSOAPAction string
	var gotBody string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotSOAPAction = r.Header.Get("SOAPAction")
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)

		inner := fmt.Sprintf(
			`<TimbrarResponse xmlns="http://timbrado.pac.mx/ws/"><TimbrarResult><Exitoso>true</Exitoso><CfdiXml>%s</CfdiXml><Serie>A</Serie><Folio>1042</Folio></TimbrarResult></TimbrarResponse>`,
			escapeXML(cfdiTimbrado))
		fmt.Fprint(w, soapOK(inner))
	})

	result, err := client.Stamp(context.Background(), testPayload(), "clave-idem-001")
	require.NoError(t, err)

	assert.Equal(t, stamping.StampSuccess, result.Outcome)
	assert.Equal(t, "AD662D33-6934-459C-A128-BDF0393E0F44", result.UUID)
	assert.Equal(t, "A", result.Series)
	assert.Equal(t, "1042", result.Number)
	assert.Equal(t, http.StatusOK, result.HTTPStatus)
	assert.NotEmpty(t, result.Raw, "la respuesta cruda debe conservarse para la bitácora")

	// El request debe llevar la acción SOAP y la clave de idempotencia.
	assert.Equal(t, "http://timbrado.pac.mx/ws/ITimbradoService/Timbrar", gotSOAPAction)
	assert.Contains(t, gotBody, "<claveIdempotencia>clave-idem-001</claveIdempotencia>")
	assert.Contains(t, gotBody, "<referencia>FAC-2026-0042</referencia>")
	assert.Contains(t, gotBody, "<formaPago>03</formaPago>")
}

func TestSOAPClient_Stamp_Rechazado(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		inner := `<TimbrarResponse xmlns="http://timbrado.pac.mx/ws/"><TimbrarResult><Exitoso>false</Exitoso><CodigoError>CFDI33132</CodigoError><Mensaje>La forma de pago no es válida</Mensaje></TimbrarResult></TimbrarResponse>`
		fmt.Fprint(w, soapOK(inner))
	})

	result, err := client.Stamp(context.Background(), testPayload(), "clave-idem-002")
	require.NoError(t, err)

	assert.Equal(t, stamping.StampRejected, result.Outcome)
	assert.Equal(t, "CFDI33132", result.ErrorCode)
	assert.Equal(t, "La forma de pago no es válida", result.ErrorMessage)
	assert.Empty(t, result.UUID)
}

// TestSOAPClient_Stamp_TimeoutEsAmbiguo: un timeout de red NUNCA es un rechazo,
// el PAC pudo haber timbrado sin que llegara la respuesta.
func TestSOAPClient_Stamp_TimeoutEsAmbiguo(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := client.Stamp(ctx, testPayload(), "clave-idem-003")
	require.NoError(t, err, "la falla de transporte se normaliza, no se propaga")
	assert.Equal(t, stamping.StampAmbiguous, result.Outcome)
}

func TestSOAPClient_Stamp_RespuestaIlegibleEsAmbigua(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "<html>502 Bad Gateway</html>")
	})

	result, err := client.Stamp(context.Background(), testPayload(), "clave-idem-004")
	require.NoError(t, err)
	assert.Equal(t, stamping.StampAmbiguous, result.Outcome)
	assert.Equal(t, http.StatusBadGateway, result.HTTPStatus)
}

func TestSOAPClient_Stamp_FaultEsRechazo(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		inner := `<s:Fault><faultcode>s:Client</faultcode><faultstring>Credenciales inválidas</faultstring></s:Fault>`
		fmt.Fprint(w, soapOK(inner))
	})

	result, err := client.Stamp(context.Background(), testPayload(), "clave-idem-005")
	require.NoError(t, err)
	assert.Equal(t, stamping.StampRejected, result.Outcome)
	assert.Contains(t, result.ErrorMessage, "Credenciales inválidas")
}

func TestSOAPClient_Stamp_PayloadNuloEsError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := client.Stamp(context.Background(), nil, "clave")
	assert.Error(t, err, "payload nulo es error de uso, no resultado ambiguo")
}

// ── Cancelación ───────────────────────────────────────────────────────────────

func TestSOAPClient_Cancel_Aceptada(t *testing.T) {
	var gotBody string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		inner := `<CancelarResponse xmlns="http://timbrado.pac.mx/ws/"><CancelarResult><Estatus>Aceptada</Estatus></CancelarResult></CancelarResponse>`
		fmt.Fprint(w, soapOK(inner))
	})

	result, err := client.Cancel(context.Background(), "AD662D33-6934-459C-A128-BDF0393E0F44", "02", "")
	require.NoError(t, err)
	assert.Equal(t, stamping.CancelAccepted, result.Outcome)
	assert.Contains(t, gotBody, "<motivo>02</motivo>")
	assert.NotContains(t, gotBody, "folioSustitucion", "sin sustitución el elemento se omite")
}

func TestSOAPClient_Cancel_ConSustitucion(t *testing.T) {
	var gotBody string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		inner := `<CancelarResponse xmlns="http://timbrado.pac.mx/ws/"><CancelarResult><Estatus>EnProceso</Estatus></CancelarResult></CancelarResponse>`
		fmt.Fprint(w, soapOK(inner))
	})

	result, err := client.Cancel(context.Background(), "AD662D33-6934-459C-A128-BDF0393E0F44", "01", "5FB2822E-396D-4A54-9C1C-A0D0F64B34F3")
	require.NoError(t, err)
	assert.Equal(t, stamping.CancelPending, result.Outcome)
	assert.Contains(t, gotBody, "<folioSustitucion>5FB2822E-396D-4A54-9C1C-A0D0F64B34F3</folioSustitucion>")
}

func TestSOAPClient_Cancel_Rechazada(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		inner := `<CancelarResponse xmlns="http://timbrado.pac.mx/ws/"><CancelarResult><Estatus>Rechazada</Estatus><CodigoError>205</CodigoError><Mensaje>UUID no encontrado</Mensaje></CancelarResult></CancelarResponse>`
		fmt.Fprint(w, soapOK(inner))
	})

	result, err := client.Cancel(context.Background(), "AD662D33-6934-459C-A128-BDF0393E0F44", "03", "")
	require.NoError(t, err)
	assert.Equal(t, stamping.CancelRejected, result.Outcome)
	assert.Equal(t, "205", result.ErrorCode)
}

// TestSOAPClient_Cancel_TimeoutEsPendiente: la solicitud pudo registrarse; el
// documento queda CANCEL_PENDING y la confirmación por poll lo resuelve.
func TestSOAPClient_Cancel_TimeoutEsPendiente(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := client.Cancel(ctx, "AD662D33-6934-459C-A128-BDF0393E0F44", "02", "")
	require.NoError(t, err)
	assert.Equal(t, stamping.CancelPending, result.Outcome)
}

func TestSOAPClient_Cancel_UUIDVacioEsError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := client.Cancel(context.Background(), "", "02", "")
	assert.Error(t, err)
}

// ── Consulta de estatus ───────────────────────────────────────────────────────

func TestSOAPClient_QueryStatus_EncontradoVigente(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		inner := `<ConsultarEstatusResponse xmlns="http://timbrado.pac.mx/ws/"><ConsultarEstatusResult><Encontrado>true</Encontrado><Uuid>AD662D33-6934-459C-A128-BDF0393E0F44</Uuid><Estado>Vigente</Estado></ConsultarEstatusResult></ConsultarEstatusResponse>`
		fmt.Fprint(w, soapOK(inner))
	})

	result, err := client.QueryStatus(context.Background(), "clave-idem-001")
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, "AD662D33-6934-459C-A128-BDF0393E0F44", result.UUID)
	assert.False(t, result.Cancelled)
}

func TestSOAPClient_QueryStatus_Cancelado(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		inner := `<ConsultarEstatusResponse xmlns="http://timbrado.pac.mx/ws/"><ConsultarEstatusResult><Encontrado>true</Encontrado><Uuid>AD662D33-6934-459C-A128-BDF0393E0F44</Uuid><Estado>Cancelado</Estado></ConsultarEstatusResult></ConsultarEstatusResponse>`
		fmt.Fprint(w, soapOK(inner))
	})

	result, err := client.QueryStatus(context.Background(), "AD662D33-6934-459C-A128-BDF0393E0F44")
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
}

func TestSOAPClient_QueryStatus_NoEncontrado(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		inner := `<ConsultarEstatusResponse xmlns="http://timbrado.pac.mx/ws/"><ConsultarEstatusResult><Encontrado>false</Encontrado></ConsultarEstatusResult></ConsultarEstatusResponse>`
		fmt.Fprint(w, soapOK(inner))
	})

	result, err := client.QueryStatus(context.Background(), "clave-inexistente")
	require.NoError(t, err)
	assert.False(t, result.Found)
}

// TestSOAPClient_QueryStatus_TimeoutEsError: a diferencia de Stamp, la consulta
// propaga la falla de transporte; el reconciliador decide si reintenta el poll.
func TestSOAPClient_QueryStatus_TimeoutEsError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.QueryStatus(ctx, "clave-idem-001")
	assert.Error(t, err)
}

// ── Configuración ─────────────────────────────────────────────────────────────

func TestNewSOAPClient_AmbienteInvalido(t *testing.T) {
	_, err := pac.NewSOAPClient(pac.Config{Env: "staging"})
	assert.Error(t, err, "solo se aceptan los ambientes test y prod")
}
