package pac

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Timbre datos del TimbreFiscalDigital que el PAC incrusta en el CFDI.
type Timbre struct {
	UUID             string
	FechaTimbrado    string
	SelloSAT         string
	NoCertificadoSAT string
}

// ParseTimbre extrae el TimbreFiscalDigital del CFDI timbrado que devuelve el
// PAC. Busca el nodo por tag sin atarse al prefijo de namespace: cada PAC
// serializa con prefijos distintos (tfd:, t:, ninguno).
func ParseTimbre(cfdiXML []byte) (*Timbre, error) {
	if len(cfdiXML) == 0 {
		return nil, fmt.Errorf("pac: CFDI vacío, sin timbre que extraer")
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(cfdiXML); err != nil {
		return nil, fmt.Errorf("pac: parsear CFDI timbrado: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("pac: CFDI sin elemento raíz")
	}

	node := findByTag(root, "TimbreFiscalDigital")
	if node == nil {
		return nil, fmt.Errorf("pac: el CFDI no contiene TimbreFiscalDigital")
	}

	t := &Timbre{
		UUID:             strings.ToUpper(strings.TrimSpace(node.SelectAttrValue("UUID", ""))),
		FechaTimbrado:    node.SelectAttrValue("FechaTimbrado", ""),
		SelloSAT:         node.SelectAttrValue("SelloSAT", ""),
		NoCertificadoSAT: node.SelectAttrValue("NoCertificadoSAT", ""),
	}
	if t.UUID == "" {
		return nil, fmt.Errorf("pac: TimbreFiscalDigital sin atributo UUID")
	}
	return t, nil
}

// findByTag busca en profundidad el primer elemento con el tag local dado,
// ignorando el prefijo de namespace.
func findByTag(el *etree.Element, tag string) *etree.Element {
	if el.Tag == tag {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findByTag(child, tag); found != nil {
			return found
		}
	}
	return nil
}
