// Package repository persists model descriptors.
package repository

import (
	"context"

	"github.com/okian/demandcast/internal/domain/model"
)

// Store provides read/write access to saved model descriptors.
type Store interface {
	// Save appends d as the next version of d.Name and returns the stored
	// descriptor with ID, Version and CreatedAt filled in.
	Save(ctx context.Context, d model.Descriptor) (model.Descriptor, error)

	// Latest returns the highest version saved under name.
	// Returns ErrNotFound if nothing was saved.
	Latest(ctx context.Context, name string) (model.Descriptor, error)

	// List returns every descriptor ordered by name then version.
	List(ctx context.Context) ([]model.Descriptor, error)

	Close() error
}
