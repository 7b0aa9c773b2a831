package router

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"careflow/internal/logging"
	"careflow/pkg/types"
)

// DepartmentRoles maps the department an action is assigned to onto the
// role rooms that should see it on their dashboards.
type DepartmentRoles map[types.Department][]types.Role

// DefaultDepartmentRoles mirrors the dashboard filters: diagnostic staff
// cover both lab and imaging.
func DefaultDepartmentRoles() DepartmentRoles {
	return DepartmentRoles{
		types.DepartmentLab:      {types.RoleDiagnosticStaff},
		types.DepartmentImaging:  {types.RoleDiagnosticStaff},
		types.DepartmentPharmacy: {types.RolePharmacy},
		types.DepartmentNursing:  {types.RoleNurse},
	}
}

// Validate rejects mappings that would build invalid role rooms.
func (d DepartmentRoles) Validate() error {
	for dept, roles := range d {
		if !types.IsValidDepartment(dept) {
			return fmt.Errorf("%w: department %q", ErrInvalidRoleMapping, dept)
		}
		for _, role := range roles {
			if !types.IsValidRole(role) {
				return fmt.Errorf("%w: role %q", ErrInvalidRoleMapping, role)
			}
		}
	}
	return nil
}

// DepartmentsFor lists, in sorted order, the departments whose actions reach
// the given role's room.
func (d DepartmentRoles) DepartmentsFor(role types.Role) []types.Department {
	depts := lo.Filter(lo.Keys(d), func(dept types.Department, _ int) bool {
		return lo.Contains(d[dept], role)
	})
	sort.Slice(depts, func(i, j int) bool { return depts[i] < depts[j] })
	return depts
}

// Delivery pairs one target room with the event it must receive.
type Delivery struct {
	Room  types.RoomID
	Event types.Event
}

// MembersFunc resolves the connections currently in a room.
type MembersFunc func(room types.RoomID) []string

// Router decides where an action mutation goes. It only inspects the
// snapshot; it never consults storage or touches the transport.
type Router struct {
	departmentRoles DepartmentRoles
	log             *zap.Logger
}

// NewRouter creates a router. A nil mapping falls back to the defaults.
func NewRouter(departmentRoles DepartmentRoles, logger *zap.Logger) *Router {
	if departmentRoles == nil {
		departmentRoles = DefaultDepartmentRoles()
	}
	return &Router{
		departmentRoles: departmentRoles,
		log:             logging.Component(logger, "router"),
	}
}

// Targets computes the rooms an action belongs to: its patient room and the
// role rooms of its department, each at most once.
func (r *Router) Targets(action *types.ClinicalAction) ([]types.RoomID, error) {
	if action == nil {
		return nil, ErrNilAction
	}
	if !types.IsValidPatientID(action.PatientID) {
		return nil, ErrUnroutablePatient
	}

	rooms := []types.RoomID{types.PatientRoom(action.PatientID)}
	roles, ok := r.departmentRoles[action.DepartmentAssigned]
	if !ok {
		r.log.Warn("no role rooms for department",
			zap.String("action_id", action.ID),
			zap.String("department", string(action.DepartmentAssigned)))
	}
	for _, role := range roles {
		rooms = append(rooms, types.RoleRoom(role))
	}
	return lo.Uniq(rooms), nil
}

// Route produces one delivery per target room for the event.
func (r *Router) Route(event types.Event, action *types.ClinicalAction) ([]Delivery, error) {
	rooms, err := r.Targets(action)
	if err != nil {
		return nil, err
	}
	return lo.Map(rooms, func(room types.RoomID, _ int) Delivery {
		return Delivery{Room: room, Event: event}
	}), nil
}

// Recipients flattens the deliveries of a single event into the set of
// connections that must receive it. A connection present in several target
// rooms appears once. Empty rooms contribute nothing.
func Recipients(deliveries []Delivery, membersOf MembersFunc) []string {
	var all []string
	for _, d := range deliveries {
		all = append(all, membersOf(d.Room)...)
	}
	return lo.Uniq(all)
}
