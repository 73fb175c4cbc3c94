package model

// Worker is a roster entry. The roster is owned externally; this core only
// reads it.
type Worker struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role,omitempty"`
	Active      bool   `json:"active"`
}
