package models

const (
	TenantStatusActive   = "active"
	TenantStatusInactive = "inactive"
)

type Tenant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Credential string `json:"-"`
	Cluster    string `json:"cluster"`
	Status     string `json:"status"` // active, inactive
	DeletedAt  *int64 `json:"deleted_at,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// CanConnect reports whether the tenant may hold an upstream connection.
func (t *Tenant) CanConnect() bool {
	return t != nil && t.Status == TenantStatusActive && t.DeletedAt == nil && t.Credential != ""
}

type EventType struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}
