// Package guard implementa el candado de envío en memoria: exclusión mutua
// por factura origen con TTL, para que un proceso caído a mitad de un envío
// no deje la factura bloqueada para siempre.
package guard

import (
	"sync"
	"time"

	"github.com/tu-usuario/timbrado-pro/internal/application/stamping"
)

var _ stamping.SubmissionGuard = (*TTLGuard)(nil)

// TTLGuard candado no bloqueante por clave con expiración. Un Acquire sobre
// una clave tomada y no expirada falla de inmediato: el segundo envío de la
// misma factura se rechaza, nunca se encola.
type TTLGuard struct {
	mu    sync.Mutex
	held  map[string]time.Time // clave -> expiración del candado
	ttl   time.Duration
	clock func() time.Time
}

// NewTTLGuard construye el candado con el TTL indicado.
func NewTTLGuard(ttl time.Duration) *TTLGuard {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &TTLGuard{
		held:  make(map[string]time.Time),
		ttl:   ttl,
		clock: time.Now,
	}
}

// Acquire intenta tomar el candado de la clave. Devuelve false si ya está
// tomado y su TTL no venció.
func (g *TTLGuard) Acquire(sourceInvoiceRef string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if exp, ok := g.held[sourceInvoiceRef]; ok && now.Before(exp) {
		return false
	}
	g.held[sourceInvoiceRef] = now.Add(g.ttl)
	return true
}

// Release libera el candado de la clave. Liberar una clave no tomada es un
// no-op seguro.
func (g *TTLGuard) Release(sourceInvoiceRef string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, sourceInvoiceRef)
}
