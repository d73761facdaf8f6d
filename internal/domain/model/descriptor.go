package model

import "time"

// Descriptor is the persisted description of a tuned model: enough to
// rebuild it through the registry.
type Descriptor struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Version    int        `json:"version"`
	Kind       string     `json:"kind"`
	CreatedAt  time.Time  `json:"created_at"`
	Parameters Parameters `json:"parameters"`
}
