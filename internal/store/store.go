// Package store holds templates outside the device: raw transfer blobs keyed
// by model id, and a catalog of named enrollments used for identification.
package store

import (
	"context"
	"errors"

	"github.com/high-horse/fingerprint-fleet/internal/fingerprint"
)

var ErrTemplateNotFound = errors.New("template not found")

// Sink receives templates uploaded from a device.
type Sink interface {
	Put(ctx context.Context, modelID int, tpl fingerprint.Template) error
}

// Source supplies templates to download to a device.
type Source interface {
	Get(ctx context.Context, modelID int) (fingerprint.Template, error)
}

// Lister enumerates the model ids a Source can supply.
type Lister interface {
	IDs(ctx context.Context) ([]int, error)
}

// Templates is the full key-value contract.
type Templates interface {
	Sink
	Source
	Lister
}
