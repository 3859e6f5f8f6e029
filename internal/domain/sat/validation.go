// Package sat contiene las validaciones de dominio previas al timbrado CFDI.
// Utiliza los catálogos de pkg/sat. El comportamiento depende exclusivamente
// de la configuración recibida en la construcción: nunca de flags globales de
// proceso.
package sat

import (
	"errors"
	"fmt"

	"github.com/tu-usuario/timbrado-pro/internal/domain"
	"github.com/tu-usuario/timbrado-pro/internal/domain/entity"
	"github.com/tu-usuario/timbrado-pro/pkg/sat"
)

// ValidationConfig reglas ajustables del validador. Se pasa explícita en la
// construcción; dos validadores con configuraciones distintas pueden convivir
// en el mismo proceso.
type ValidationConfig struct {
	// RequireTaxUseCode exige un c_UsoCFDI válido antes de timbrar.
	// En producción siempre true; los ambientes de habilitación del PAC
	// aceptan comprobantes sin uso declarado.
	RequireTaxUseCode bool
	// AllowedPaymentForms permite restringir las formas de pago aceptadas.
	// Vacío = catálogo completo.
	AllowedPaymentForms map[string]bool
}

// Validator valida documentos fiscales contra las reglas del Anexo 20 (SAT)
// que este núcleo hace cumplir antes de cualquier transición a PROCESSING.
type Validator struct {
	cfg ValidationConfig
}

// NewValidator construye el validador con configuración explícita.
func NewValidator(cfg ValidationConfig) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateForStamp verifica los campos fiscales obligatorios de un documento
// antes de enviarlo al PAC. Falla rápido: ninguna llamada externa se hace si
// esto retorna error. Agrupa todos los problemas encontrados con errors.Join.
func (v *Validator) ValidateForStamp(doc *entity.FiscalDocument) error {
	if doc == nil {
		return fmt.Errorf("%w: documento nulo", domain.ErrValidation)
	}
	var errs []error

	if doc.SourceInvoiceRef == "" {
		errs = append(errs, errors.New("la referencia a la factura origen es obligatoria"))
	}

	switch doc.PaymentMethod {
	case entity.PaymentSingle:
		// PUE exige una forma de pago concreta del catálogo, nunca el centinela.
		if doc.PaymentFormCode == "" || doc.PaymentFormCode == sat.FormaPagoPorDefinir {
			errs = append(errs, fmt.Errorf("método PUE exige forma de pago concreta, se recibió %q", doc.PaymentFormCode))
		} else if !v.paymentFormAllowed(doc.PaymentFormCode) {
			errs = append(errs, fmt.Errorf("forma de pago %q fuera del catálogo c_FormaPago", doc.PaymentFormCode))
		}
	case entity.PaymentDeferred:
		// PPD exige el centinela "99 Por definir"; el pago real llega después
		// vía complemento de pago.
		if doc.PaymentFormCode != sat.FormaPagoPorDefinir {
			errs = append(errs, fmt.Errorf("método PPD exige forma de pago %q (por definir), se recibió %q",
				sat.FormaPagoPorDefinir, doc.PaymentFormCode))
		}
	default:
		errs = append(errs, fmt.Errorf("método de pago desconocido: %q", doc.PaymentMethod))
	}

	if v.cfg.RequireTaxUseCode {
		if doc.TaxUseCode == "" {
			errs = append(errs, errors.New("el uso CFDI del receptor es obligatorio"))
		} else if !sat.ValidTaxUseCodes[doc.TaxUseCode] {
			errs = append(errs, fmt.Errorf("uso CFDI %q fuera del catálogo c_UsoCFDI", doc.TaxUseCode))
		}
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{domain.ErrValidation}, errs...)...)
	}
	return nil
}

// ValidateCancellationMotive verifica el motivo de cancelación contra el
// catálogo y la regla de sustitución (motivo 01 exige UUID del sustituto).
func (v *Validator) ValidateCancellationMotive(motive, substitutionUUID string) error {
	if !sat.ValidCancellationMotives[motive] {
		return fmt.Errorf("%w: motivo de cancelación %q fuera del catálogo", domain.ErrValidation, motive)
	}
	if sat.MotiveRequiresSubstitution(motive) && substitutionUUID == "" {
		return fmt.Errorf("%w: el motivo %s exige el UUID del comprobante que sustituye", domain.ErrValidation, motive)
	}
	if !sat.MotiveRequiresSubstitution(motive) && substitutionUUID != "" {
		return fmt.Errorf("%w: el motivo %s no admite UUID de sustitución", domain.ErrValidation, motive)
	}
	return nil
}

func (v *Validator) paymentFormAllowed(code string) bool {
	if len(v.cfg.AllowedPaymentForms) > 0 {
		return v.cfg.AllowedPaymentForms[code]
	}
	return sat.ValidPaymentFormCodes[code]
}
