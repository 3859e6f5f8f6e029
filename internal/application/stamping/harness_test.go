package stamping_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tu-usuario/timbrado-pro/internal/application/stamping"
	"github.com/tu-usuario/timbrado-pro/internal/domain"
	"github.com/tu-usuario/timbrado-pro/internal/domain/entity"
	"github.com/tu-usuario/timbrado-pro/internal/domain/lifecycle"
	"github.com/tu-usuario/timbrado-pro/internal/domain/repository"
	domsat "github.com/tu-usuario/timbrado-pro/internal/domain/sat"
	"github.com/tu-usuario/timbrado-pro/pkg/logger"
	"github.com/tu-usuario/timbrado-pro/pkg/sat"
)

// ── dobles de prueba ──────────────────────────────────────────────────────────

// fakeDocs repositorio en memoria con el mismo contrato de concurrencia
// optimista que la implementación de Postgres: copia en lectura y escritura,
// rechaza versiones obsoletas.
type fakeDocs struct {
	mu   sync.Mutex
	docs map[string]*entity.FiscalDocument

	// failUpdates fuerza los próximos N UpdateVersioned a fallar con versión
	// obsoleta, para simular una carrera perdida contra otro proceso.
	failUpdates int
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: make(map[string]*entity.FiscalDocument)}
}

func (f *fakeDocs) Create(_ context.Context, doc *entity.FiscalDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *doc
	f.docs[doc.ID] = &cp
	return nil
}

func (f *fakeDocs) GetByID(_ context.Context, id string) (*entity.FiscalDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDocs) GetByAuthorityUUID(_ context.Context, uuid string) (*entity.FiscalDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if d.AuthorityUUID == uuid {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeDocs) GetActiveBySourceRef(_ context.Context, ref string) (*entity.FiscalDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if d.SourceInvoiceRef == ref && d.IsActive() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeDocs) UpdateVersioned(_ context.Context, doc *entity.FiscalDocument, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdates > 0 {
		f.failUpdates--
		return &domain.StaleVersionError{DocumentID: doc.ID, ExpectedVersion: expectedVersion}
	}
	stored, ok := f.docs[doc.ID]
	if !ok || stored.Version != expectedVersion {
		return &domain.StaleVersionError{DocumentID: doc.ID, ExpectedVersion: expectedVersion}
	}
	cp := *doc
	cp.Version = expectedVersion + 1
	f.docs[doc.ID] = &cp
	return nil
}

// fakeLogs bitácora en memoria.
type fakeLogs struct {
	mu      sync.Mutex
	entries []*entity.ResponseLogEntry
}

func (f *fakeLogs) Append(_ context.Context, entry *entity.ResponseLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *entry
	f.entries = append(f.entries, &cp)
	return nil
}

func (f *fakeLogs) ListByDocument(_ context.Context, docID string) ([]*entity.ResponseLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.ResponseLogEntry
	for _, e := range f.entries {
		if e.FiscalDocumentID == docID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeLogs) ops(docID string) []entity.OperationType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entity.OperationType
	for _, e := range f.entries {
		if e.FiscalDocumentID == docID {
			out = append(out, e.OperationType)
		}
	}
	return out
}

// fakeTx ejecuta la función directamente sobre el repositorio; la atomicidad
// real la cubre la prueba de integración de Postgres.
type fakeTx struct{ docs *fakeDocs }

func (f *fakeTx) RunFiscal(_ context.Context, fn func(docs repository.FiscalDocumentRepository) error) error {
	return fn(f.docs)
}

// fakeGuard candado de envío en memoria con contadores de uso.
type fakeGuard struct {
	mu       sync.Mutex
	held     map[string]bool
	denyAll  bool
	acquires int
	releases int
}

func newFakeGuard() *fakeGuard { return &fakeGuard{held: make(map[string]bool)} }

func (g *fakeGuard) Acquire(ref string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquires++
	if g.denyAll || g.held[ref] {
		return false
	}
	g.held[ref] = true
	return true
}

func (g *fakeGuard) Release(ref string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releases++
	delete(g.held, ref)
}

// fakeAuthority cliente del PAC con comportamiento programable por prueba.
type fakeAuthority struct {
	mu sync.Mutex

	stampFn  func(payload *stamping.DocumentPayload, key string) (*stamping.StampResult, error)
	cancelFn func(uuid, motive, substitutionUUID string) (*stamping.CancelResult, error)
	queryFn  func(key string) (*stamping.QueryResult, error)

	stampCalls  int
	cancelCalls int
	queryCalls  int

	lastStampKey     string
	lastStampPayload *stamping.DocumentPayload
	lastQueryKey     string
	lastCancelMotive string
	lastCancelSubst  string
}

func (a *fakeAuthority) Stamp(_ context.Context, payload *stamping.DocumentPayload, key string) (*stamping.StampResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stampCalls++
	a.lastStampKey = key
	a.lastStampPayload = payload
	return a.stampFn(payload, key)
}

func (a *fakeAuthority) Cancel(_ context.Context, uuid, motive, substitutionUUID string) (*stamping.CancelResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelCalls++
	a.lastCancelMotive = motive
	a.lastCancelSubst = substitutionUUID
	return a.cancelFn(uuid, motive, substitutionUUID)
}

func (a *fakeAuthority) QueryStatus(_ context.Context, key string) (*stamping.QueryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queryCalls++
	a.lastQueryKey = key
	return a.queryFn(key)
}

// fakeInvoices y fakeProfiles colaboradores externos de solo lectura.
type fakeInvoices struct {
	totals *stamping.InvoiceTotals
	err    error
	calls  int
}

func (f *fakeInvoices) GetInvoiceTotals(_ context.Context, _ string) (*stamping.InvoiceTotals, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.totals, nil
}

type fakeProfiles struct {
	profile *stamping.TaxProfile
	err     error
}

func (f *fakeProfiles) GetTaxProfile(_ context.Context, _ string) (*stamping.TaxProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.profile, nil
}

// ── harness ───────────────────────────────────────────────────────────────────

const uuidTimbrado = "AD662D33-6934-459C-A128-BDF0393E0F44"

type harness struct {
	docs      *fakeDocs
	logs      *fakeLogs
	guard     *fakeGuard
	authority *fakeAuthority
	invoices  *fakeInvoices
	machine   *lifecycle.StateMachine

	orch    *stamping.Orchestrator
	cancels *stamping.CancellationOrchestrator
}

// newHarness arma el orquestador completo sobre dobles en memoria. Por defecto
// el PAC timbra con éxito, acepta cancelaciones y no encuentra nada en las
// consultas de estatus; cada prueba reprograma lo que necesita.
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		docs:  newFakeDocs(),
		logs:  &fakeLogs{},
		guard: newFakeGuard(),
		authority: &fakeAuthority{
			stampFn: func(_ *stamping.DocumentPayload, _ string) (*stamping.StampResult, error) {
				return &stamping.StampResult{Outcome: stamping.StampSuccess, UUID: uuidTimbrado, HTTPStatus: 200}, nil
			},
			cancelFn: func(_, _, _ string) (*stamping.CancelResult, error) {
				return &stamping.CancelResult{Outcome: stamping.CancelAccepted, HTTPStatus: 200}, nil
			},
			queryFn: func(_ string) (*stamping.QueryResult, error) {
				return &stamping.QueryResult{Found: false, HTTPStatus: 200}, nil
			},
		},
		invoices: &fakeInvoices{totals: &stamping.InvoiceTotals{
			Total:       decimal.RequireFromString("1160.00"),
			CustomerRef: "CLI-1",
			Lines: []stamping.InvoiceLine{{
				Description: "Servicio de consultoría",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   decimal.RequireFromString("1000.00"),
				Amount:      decimal.RequireFromString("1000.00"),
			}},
		}},
	}
	profiles := &fakeProfiles{profile: &stamping.TaxProfile{
		TaxID:             "XAXX010101000",
		TaxRegime:         "616",
		DefaultTaxUseCode: sat.UsoGastosGenerales,
	}}

	h.machine = lifecycle.NewStateMachine(h.docs)
	validator := domsat.NewValidator(domsat.ValidationConfig{RequireTaxUseCode: true})
	log := logger.New(logger.Config{Env: "production", Level: "error"})

	reconciler := stamping.NewReconciler(h.docs, h.logs, h.machine, h.authority,
		stamping.ReconcilerConfig{MaxPolls: 3, BaseDelay: time.Millisecond}, log)

	cfg := stamping.Config{AuthorityTimeout: time.Second}
	h.orch = stamping.NewOrchestrator(h.docs, h.logs, &fakeTx{docs: h.docs}, h.machine,
		h.guard, h.authority, reconciler, validator, h.invoices, profiles, nil, nil, cfg, log)
	h.cancels = stamping.NewCancellationOrchestrator(h.docs, h.logs, h.machine,
		h.authority, validator, cfg, log)
	return h
}

// seedDoc persiste un documento listo para timbrar en el estado indicado.
func (h *harness) seedDoc(t *testing.T, id string, status entity.Status) *entity.FiscalDocument {
	t.Helper()
	doc := &entity.FiscalDocument{
		ID:               id,
		SourceInvoiceRef: "INV-" + id,
		CustomerRef:      "CLI-1",
		Status:           status,
		SyncStatus:       entity.SyncIdle,
		PaymentMethod:    entity.PaymentSingle,
		PaymentFormCode:  sat.FormaPagoTransferencia,
		TaxUseCode:       sat.UsoGastosGenerales,
		Version:          1,
	}
	if status == entity.StatusStamped || status == entity.StatusCancelPending ||
		status == entity.StatusCancelled || status == entity.StatusArchived {
		doc.AuthorityUUID = "UUID-" + id
	}
	require.NoError(t, h.docs.Create(context.Background(), doc))
	return doc
}

// persisted relee el documento desde el repositorio.
func (h *harness) persisted(t *testing.T, id string) *entity.FiscalDocument {
	t.Helper()
	doc, err := h.docs.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, doc)
	return doc
}
