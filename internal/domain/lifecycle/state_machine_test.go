package lifecycle_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tu-usuario/timbrado-pro/internal/domain"
	"github.com/tu-usuario/timbrado-pro/internal/domain/entity"
	"github.com/tu-usuario/timbrado-pro/internal/domain/lifecycle"
)

// memDocRepo repositorio en memoria con el mismo contrato de concurrencia
// optimista que la implementación de Postgres.
type memDocRepo struct {
	mu   sync.Mutex
	docs map[string]*entity.FiscalDocument
}

func newMemDocRepo() *memDocRepo {
	return &memDocRepo{docs: make(map[string]*entity.FiscalDocument)}
}

func (r *memDocRepo) Create(_ context.Context, doc *entity.FiscalDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *doc
	r.docs[doc.ID] = &cp
	return nil
}

func (r *memDocRepo) GetByID(_ context.Context, id string) (*entity.FiscalDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *memDocRepo) GetByAuthorityUUID(_ context.Context, uuid string) (*entity.FiscalDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.AuthorityUUID == uuid {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memDocRepo) GetActiveBySourceRef(_ context.Context, ref string) (*entity.FiscalDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.SourceInvoiceRef == ref && d.IsActive() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memDocRepo) UpdateVersioned(_ context.Context, doc *entity.FiscalDocument, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.docs[doc.ID]
	if !ok || stored.Version != expectedVersion {
		return &domain.StaleVersionError{DocumentID: doc.ID, ExpectedVersion: expectedVersion}
	}
	cp := *doc
	cp.Version = expectedVersion + 1
	r.docs[doc.ID] = &cp
	return nil
}

func seedDoc(t *testing.T, repo *memDocRepo, status entity.Status) *entity.FiscalDocument {
	t.Helper()
	doc := &entity.FiscalDocument{
		ID:               "doc-1",
		SourceInvoiceRef: "INV-001",
		Status:           status,
		SyncStatus:       entity.SyncIdle,
		Version:          1,
	}
	require.NoError(t, repo.Create(context.Background(), doc))
	return doc
}

func TestCanTransition_TablaCerrada(t *testing.T) {
	casos := []struct {
		from, to entity.Status
		legal    bool
	}{
		{entity.StatusDraft, entity.StatusProcessing, true},
		{entity.StatusProcessing, entity.StatusStamped, true},
		{entity.StatusProcessing, entity.StatusError, true},
		{entity.StatusError, entity.StatusProcessing, true},
		{entity.StatusStamped, entity.StatusCancelPending, true},
		{entity.StatusCancelPending, entity.StatusCancelled, true},
		{entity.StatusCancelPending, entity.StatusStamped, true},
		{entity.StatusCancelled, entity.StatusArchived, true},

		{entity.StatusDraft, entity.StatusStamped, false},
		{entity.StatusDraft, entity.StatusCancelled, false},
		{entity.StatusStamped, entity.StatusDraft, false},
		{entity.StatusStamped, entity.StatusProcessing, false},
		{entity.StatusCancelled, entity.StatusStamped, false},
		{entity.StatusArchived, entity.StatusCancelled, false},
		{entity.StatusError, entity.StatusStamped, false},
	}
	for _, c := range casos {
		assert.Equal(t, c.legal, lifecycle.CanTransition(c.from, c.to),
			"transición %s -> %s", c.from, c.to)
	}
}

func TestTransition_ExitoIncrementaVersion(t *testing.T) {
	repo := newMemDocRepo()
	machine := lifecycle.NewStateMachine(repo)
	doc := seedDoc(t, repo, entity.StatusDraft)

	updated, err := machine.Transition(context.Background(), doc, entity.StatusDraft, entity.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusProcessing, updated.Status)
	assert.Equal(t, int64(2), updated.Version, "la versión debe incrementarse en cada transición")

	persisted, err := repo.GetByID(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusProcessing, persisted.Status)
	assert.Equal(t, int64(2), persisted.Version)
}

func TestTransition_IlegalEsError(t *testing.T) {
	repo := newMemDocRepo()
	machine := lifecycle.NewStateMachine(repo)
	doc := seedDoc(t, repo, entity.StatusDraft)

	_, err := machine.Transition(context.Background(), doc, entity.StatusDraft, entity.StatusStamped)
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, entity.StatusDraft, invalid.From)
	assert.Equal(t, entity.StatusStamped, invalid.To)

	// El documento no debe haberse tocado.
	persisted, _ := repo.GetByID(context.Background(), doc.ID)
	assert.Equal(t, entity.StatusDraft, persisted.Status)
	assert.Equal(t, int64(1), persisted.Version)
}

func TestTransition_EstadoActualDistintoDelEsperado(t *testing.T) {
	repo := newMemDocRepo()
	machine := lifecycle.NewStateMachine(repo)
	doc := seedDoc(t, repo, entity.StatusStamped)

	_, err := machine.Transition(context.Background(), doc, entity.StatusDraft, entity.StatusProcessing)
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, entity.StatusStamped, invalid.From)
	assert.Equal(t, entity.StatusDraft, invalid.Expected)
}

func TestTransition_VersionObsoletaRevierteLaMutacionLocal(t *testing.T) {
	repo := newMemDocRepo()
	machine := lifecycle.NewStateMachine(repo)
	doc := seedDoc(t, repo, entity.StatusDraft)

	// Otro proceso avanza el documento primero.
	otro, _ := repo.GetByID(context.Background(), doc.ID)
	_, err := machine.Transition(context.Background(), otro, entity.StatusDraft, entity.StatusProcessing)
	require.NoError(t, err)

	// La copia vieja (versión 1) pierde la carrera.
	_, err = machine.Transition(context.Background(), doc, entity.StatusDraft, entity.StatusProcessing)
	var stale *domain.StaleVersionError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, int64(1), stale.ExpectedVersion)
	assert.Equal(t, entity.StatusDraft, doc.Status,
		"ante conflicto la copia local debe revertirse al estado previo")
}

func TestTransition_CicloCompletoHastaArchivado(t *testing.T) {
	repo := newMemDocRepo()
	machine := lifecycle.NewStateMachine(repo)
	doc := seedDoc(t, repo, entity.StatusDraft)

	pasos := []entity.Status{
		entity.StatusProcessing,
		entity.StatusStamped,
		entity.StatusCancelPending,
		entity.StatusCancelled,
		entity.StatusArchived,
	}
	for _, to := range pasos {
		from := doc.Status
		_, err := machine.Transition(context.Background(), doc, from, to)
		require.NoError(t, err, "transición %s -> %s", from, to)
	}
	assert.Equal(t, entity.StatusArchived, doc.Status)
	assert.Equal(t, int64(6), doc.Version)
}
