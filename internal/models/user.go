package models

// UserRole represents the reviewing parties recognised by the workflow.
type UserRole string

const (
	RoleStudent      UserRole = "STUDENT"
	RoleSupervisor   UserRole = "SUPERVISOR"
	RoleCoSupervisor UserRole = "CO_SUPERVISOR"
	RoleCoordinator  UserRole = "COORDINATOR"
	RoleAdmin        UserRole = "ADMIN"
)

// SystemActorID identifies engine-initiated transitions such as the expiry sweep.
const SystemActorID = "system"

// Pagination describes paging metadata returned alongside list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
