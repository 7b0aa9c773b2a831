package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careflow/internal/hub"
	"careflow/internal/membership"
	"careflow/internal/router"
	"careflow/internal/websocket"
	"careflow/pkg/interfaces"
	"careflow/pkg/types"
)

type memoryStore struct {
	mu      sync.Mutex
	actions map[string]*types.ClinicalAction
	failOn  string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{actions: make(map[string]*types.ClinicalAction)}
}

func (m *memoryStore) CreateAction(_ context.Context, a *types.ClinicalAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "create" {
		return fmt.Errorf("disk full")
	}
	m.actions[a.ID] = a.Clone()
	return nil
}

func (m *memoryStore) GetAction(_ context.Context, id string) (*types.ClinicalAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, types.ErrActionNotFound
	}
	return a.Clone(), nil
}

func (m *memoryStore) UpdateStatus(_ context.Context, next *types.ClinicalAction, expected types.ActionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.actions[next.ID]
	if !ok {
		return types.ErrActionNotFound
	}
	if cur.Status != expected {
		return interfaces.ErrStaleAction
	}
	m.actions[next.ID] = next.Clone()
	return nil
}

func (m *memoryStore) AppendNote(_ context.Context, id string, note types.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.actions[id]
	if !ok {
		return types.ErrActionNotFound
	}
	cur.Notes = append(cur.Notes, note)
	return nil
}

func (m *memoryStore) ListActions(_ context.Context, f interfaces.ActionFilter) ([]*types.ClinicalAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*types.ClinicalAction{}
	for _, a := range m.actions {
		if f.PatientID != "" && a.PatientID != f.PatientID {
			continue
		}
		if f.InitiatedBy != "" && a.InitiatedBy != f.InitiatedBy {
			continue
		}
		if len(f.Departments) > 0 && !lo.Contains(f.Departments, a.DepartmentAssigned) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) HealthCheck(context.Context) error { return nil }
func (m *memoryStore) Close() error { return nil }

type published struct {
	kind   interfaces.Mutation
	action *types.ClinicalAction
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (r *recordingPublisher) Publish(kind interfaces.Mutation, action *types.ClinicalAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, published{kind: kind, action: action.Clone()})
	return nil
}

func (r *recordingPublisher) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.events...)
}

var (
	doctor   = types.Identity{UserID: "doc-1", Role: types.RoleDoctor}
	pharmacy = types.Identity{UserID: "pharm-1", Role: types.RolePharmacy}
	labTech  = types.Identity{UserID: "lab-1", Role: types.RoleDiagnosticStaff}
	nurse    = types.Identity{UserID: "nurse-1", Role: types.RoleNurse}
)

func newTestService() (*Service, *memoryStore, *recordingPublisher) {
	store := newMemoryStore()
	pub := &recordingPublisher{}
	svc := NewService(store, pub, nil, nil)
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return svc, store, pub
}

func createRequest(patientID string, dept types.Department) CreateRequest {
	return CreateRequest{
		PatientID:          patientID,
		ActionType:         types.ActionTypeDiagnosticRequest,
		Title:              "CBC",
		Description:        "Complete blood count",
		DepartmentAssigned: dept,
	}
}

func TestService_CreateDefaultsAndPublishes(t *testing.T) {
	svc, store, pub := newTestService()

	action, err := svc.Create(context.Background(), doctor, createRequest("P1", types.DepartmentLab))
	require.NoError(t, err)
	assert.Equal(t, "id-1", action.ID)
	assert.Equal(t, types.StatusPending, action.Status)
	assert.Equal(t, types.PriorityMedium, action.Priority)
	assert.Equal(t, "doc-1", action.InitiatedBy)
	assert.NotNil(t, action.Notes)

	_, err = store.GetAction(context.Background(), action.ID)
	require.NoError(t, err)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, interfaces.MutationCreated, events[0].kind)
	assert.Equal(t, action.ID, events[0].action.ID)
}

func TestService_CreateRequiresDoctor(t *testing.T) {
	svc, _, pub := newTestService()
	_, err := svc.Create(context.Background(), nurse, createRequest("P1", types.DepartmentLab))
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, pub.all())
}

func TestService_CreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing patient", func(r *CreateRequest) { r.PatientID = "" }},
		{"malformed patient", func(r *CreateRequest) { r.PatientID = "P 1/../" }},
		{"unknown action type", func(r *CreateRequest) { r.ActionType = "surgery" }},
		{"missing title", func(r *CreateRequest) { r.Title = "" }},
		{"missing description", func(r *CreateRequest) { r.Description = "" }},
		{"unknown priority", func(r *CreateRequest) { r.Priority = "whenever" }},
		{"unknown department", func(r *CreateRequest) { r.DepartmentAssigned = "radiology" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, pub := newTestService()
			req := createRequest("P1", types.DepartmentLab)
			tt.mutate(&req)

			_, err := svc.Create(context.Background(), doctor, req)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Empty(t, pub.all())
		})
	}
}

func TestNewValidator_PatientIDTag(t *testing.T) {
	v := newValidator()
	type patient struct {
		ID string `validate:"patientid"`
	}
	assert.NoError(t, v.Struct(patient{ID: "P-1_a"}))
	assert.Error(t, v.Struct(patient{ID: "P 1"}))
}

func TestMustRegister_PanicsOnRejectedTag(t *testing.T) {
	ok := func(validator.FieldLevel) bool { return true }
	assert.Panics(t, func() { mustRegister(validator.New(), "", ok) })
	assert.Panics(t, func() { mustRegister(validator.New(), "omitempty", ok) })
	assert.NotPanics(t, func() { mustRegister(validator.New(), "always", ok) })
}

func TestService_CreateStoreFailureIsNotBroadcast(t *testing.T) {
	svc, store, pub := newTestService()
	store.failOn = "create"
	_, err := svc.Create(context.Background(), doctor, createRequest("P1", types.DepartmentLab))
	assert.Error(t, err)
	assert.Empty(t, pub.all())
}

func TestService_CompleteStampsAndPublishes(t *testing.T) {
	svc, _, pub := newTestService()
	ctx := context.Background()
	created, err := svc.Create(ctx, doctor, createRequest("P1", types.DepartmentLab))
	require.NoError(t, err)

	done, err := svc.UpdateStatus(ctx, labTech, created.ID, StatusRequest{Status: "completed", CompletionNotes: "done"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "lab-1", done.CompletedBy)
	assert.Equal(t, "done", done.CompletionNotes)

	events := pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, interfaces.MutationStatusChanged, events[1].kind)
	assert.Equal(t, types.StatusCompleted, events[1].action.Status)
}

func TestService_CompletedCannotReopen(t *testing.T) {
	svc, store, pub := newTestService()
	ctx := context.Background()
	created, err := svc.Create(ctx, doctor, createRequest("P1", types.DepartmentPharmacy))
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, pharmacy, created.ID, StatusRequest{Status: "completed"})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, pharmacy, created.ID, StatusRequest{Status: "in-progress"})
	assert.ErrorIs(t, err, types.ErrIllegalTransition)

	stored, err := store.GetAction(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, stored.Status)
	assert.Len(t, pub.all(), 2)
}

func TestService_UpdateStatusErrors(t *testing.T) {
	svc, _, pub := newTestService()
	ctx := context.Background()

	_, err := svc.UpdateStatus(ctx, nurse, "missing", StatusRequest{Status: "bogus"})
	assert.ErrorIs(t, err, types.ErrInvalidStatus)

	_, err = svc.UpdateStatus(ctx, nurse, "missing", StatusRequest{Status: "cancelled"})
	assert.ErrorIs(t, err, types.ErrActionNotFound)
	assert.Empty(t, pub.all())
}

func TestService_AddNote(t *testing.T) {
	svc, store, pub := newTestService()
	ctx := context.Background()
	created, err := svc.Create(ctx, doctor, createRequest("P1", types.DepartmentNursing))
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, nurse, created.ID, StatusRequest{Status: "cancelled"})
	require.NoError(t, err)

	updated, err := svc.AddNote(ctx, nurse, created.ID, "patient refused")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, updated.Status)
	require.Len(t, updated.Notes, 1)
	assert.Equal(t, "nurse-1", updated.Notes[0].UserID)

	stored, err := store.GetAction(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Notes, 1)

	events := pub.all()
	assert.Equal(t, interfaces.MutationNoteAdded, events[len(events)-1].kind)

	_, err = svc.AddNote(ctx, nurse, created.ID, "   ")
	assert.ErrorIs(t, err, types.ErrEmptyNote)
	_, err = svc.AddNote(ctx, nurse, "missing", "hello")
	assert.ErrorIs(t, err, types.ErrActionNotFound)
}

func TestService_PublishFailureDoesNotFailMutation(t *testing.T) {
	svc, _, pub := newTestService()
	pub.err = hub.ErrHubNotRunning
	action, err := svc.Create(context.Background(), doctor, createRequest("P1", types.DepartmentLab))
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, action.Status)
}

func TestService_Dashboard(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	otherDoctor := types.Identity{UserID: "doc-2", Role: types.RoleDoctor}

	for _, c := range []struct {
		by   types.Identity
		dept types.Department
	}{
		{doctor, types.DepartmentLab},
		{doctor, types.DepartmentImaging},
		{otherDoctor, types.DepartmentPharmacy},
		{otherDoctor, types.DepartmentNursing},
	} {
		_, err := svc.Create(ctx, c.by, createRequest("P1", c.dept))
		require.NoError(t, err)
	}

	depts := func(caller types.Identity) []types.Department {
		list, err := svc.Dashboard(ctx, caller)
		require.NoError(t, err)
		out := lo.Map(list, func(a *types.ClinicalAction, _ int) types.Department { return a.DepartmentAssigned })
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	}

	assert.Equal(t, []types.Department{types.DepartmentImaging, types.DepartmentLab}, depts(doctor))
	assert.Equal(t, []types.Department{types.DepartmentImaging, types.DepartmentLab}, depts(labTech))
	assert.Equal(t, []types.Department{types.DepartmentPharmacy}, depts(pharmacy))
	assert.Equal(t, []types.Department{types.DepartmentNursing}, depts(nurse))

	_, err := svc.Dashboard(ctx, types.Identity{UserID: "x", Role: "janitor"})
	assert.ErrorIs(t, err, types.ErrInvalidRole)
}

func TestService_ListForPatient(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, err := svc.Create(ctx, doctor, createRequest("P1", types.DepartmentLab))
	require.NoError(t, err)
	_, err = svc.Create(ctx, doctor, createRequest("P2", types.DepartmentLab))
	require.NoError(t, err)

	list, err := svc.ListForPatient(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "P1", list[0].PatientID)

	_, err = svc.ListForPatient(ctx, "")
	assert.ErrorIs(t, err, types.ErrInvalidPatientID)
}

func TestService_ConcurrentTransitionsOnOneActionSerialize(t *testing.T) {
	svc, _, pub := newTestService()
	ctx := context.Background()
	created, err := svc.Create(ctx, doctor, createRequest("P1", types.DepartmentPharmacy))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.UpdateStatus(ctx, pharmacy, created.ID, StatusRequest{Status: "completed"}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, types.ErrIllegalTransition)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Len(t, pub.all(), 2)
	assert.Equal(t, 0, svc.locks.size())
}

// End to end through the real gateway: a lab action completed with notes
// reaches both the patient room and the role room its department maps to.
func TestService_CompletionReachesPatientAndRoleRooms(t *testing.T) {
	members := membership.NewManager(nil)
	h := hub.NewHub(websocket.NewRegistry(), members, router.NewRouter(nil, nil), hub.Options{}, nil)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })

	svc := NewService(newMemoryStore(), h, nil, nil)
	ctx := context.Background()

	viewer := &stubConn{id: "c1", identity: doctor}
	staff := &stubConn{id: "c2", identity: labTech}
	require.NoError(t, h.Register(viewer))
	require.NoError(t, h.Register(staff))
	require.NoError(t, h.Control("c2", types.ControlMessage{Type: types.ControlJoinRoleRoom}))

	created, err := svc.Create(ctx, doctor, createRequest("P1", types.DepartmentLab))
	require.NoError(t, err)
	require.NoError(t, h.Control("c1", types.ControlMessage{Type: types.ControlJoinPatient, PatientID: "P1"}))

	_, err = svc.UpdateStatus(ctx, labTech, created.ID, StatusRequest{Status: "completed", CompletionNotes: "done"})
	require.NoError(t, err)

	syncCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.Sync(syncCtx))

	assert.Equal(t, []string{types.EventActionUpdated, types.EventActionStatusChanged}, viewer.names())
	assert.Equal(t, []string{types.EventActionUpdated, types.EventActionUpdated, types.EventActionStatusChanged}, staff.names())
}

type stubConn struct {
	id       string
	identity types.Identity
	mu       sync.Mutex
	events   []types.Event
}

func (s *stubConn) ID() string { return s.id }
func (s *stubConn) Identity() types.Identity { return s.identity }
func (s *stubConn) Close() error { return nil }

func (s *stubConn) Send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, v.(types.Event))
	return nil
}

func (s *stubConn) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.events, func(e types.Event, _ int) string { return e.Name })
}
