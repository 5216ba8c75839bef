package models

// Identity is a user known to the host directory.
type Identity struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
}
