// Package sat contiene los catálogos SAT (México) que el núcleo de timbrado
// necesita para validar comprobantes CFDI 4.0 antes de enviarlos al PAC.
// Solo se incluyen los subconjuntos que las reglas de negocio consultan.
package sat

// =============================================================================
// c_FormaPago — Forma de pago (catálogo SAT CFDI 4.0)
// "99 Por definir" es el centinela obligatorio cuando el método de pago es PPD.
// =============================================================================

const (
	FormaPagoEfectivo       = "01" // Efectivo
	FormaPagoCheque         = "02" // Cheque nominativo
	FormaPagoTransferencia  = "03" // Transferencia electrónica de fondos
	FormaPagoTarjetaCredito = "04" // Tarjeta de crédito
	FormaPagoTarjetaDebito  = "28" // Tarjeta de débito
	FormaPagoPorDefinir     = "99" // Por definir (único válido con PPD)
)

// ValidPaymentFormCodes formas de pago aceptadas por el validador.
var ValidPaymentFormCodes = map[string]bool{
	FormaPagoEfectivo: true, FormaPagoCheque: true, FormaPagoTransferencia: true,
	FormaPagoTarjetaCredito: true, FormaPagoTarjetaDebito: true,
	FormaPagoPorDefinir: true,
}

// =============================================================================
// c_UsoCFDI — Uso del comprobante por el receptor (subconjunto de uso común)
// =============================================================================

const (
	UsoGastosGenerales    = "G03"  // Gastos en general
	UsoAdquisicionMercan  = "G01"  // Adquisición de mercancías
	UsoSinEfectosFiscales = "S01"  // Sin efectos fiscales
	UsoPagos              = "CP01" // Pagos (complemento de pago)
)

// ValidTaxUseCodes usos CFDI aceptados por el validador.
var ValidTaxUseCodes = map[string]bool{
	UsoGastosGenerales: true, UsoAdquisicionMercan: true,
	UsoSinEfectosFiscales: true, UsoPagos: true,
}

// =============================================================================
// c_MotivoCancelacion — Motivos de cancelación de un CFDI timbrado
// =============================================================================

const (
	// MotiveWithRelation 01: comprobante emitido con errores CON relación.
	// Exige el UUID del comprobante que lo sustituye.
	MotiveWithRelation = "01"
	// MotiveWithoutRelation 02: comprobante emitido con errores SIN relación.
	MotiveWithoutRelation = "02"
	// MotiveNotCompleted 03: no se llevó a cabo la operación.
	MotiveNotCompleted = "03"
	// MotiveGlobalInvoice 04: operación nominativa relacionada en factura global.
	MotiveGlobalInvoice = "04"
)

// ValidCancellationMotives motivos legales de cancelación.
var ValidCancellationMotives = map[string]bool{
	MotiveWithRelation: true, MotiveWithoutRelation: true,
	MotiveNotCompleted: true, MotiveGlobalInvoice: true,
}

// MotiveRequiresSubstitution indica si el motivo exige UUID de sustitución.
func MotiveRequiresSubstitution(motive string) bool {
	return motive == MotiveWithRelation
}
