package processor

import (
	"context"
	"fmt"

	"github.com/scottbrown/logcollector/internal/circuitbreaker"
	"github.com/scottbrown/logcollector/internal/forwarder"
	"github.com/scottbrown/logcollector/internal/queue"
	"github.com/scottbrown/logcollector/internal/source"
	"github.com/scottbrown/logcollector/internal/storage"
)

// Deliverer writes one batch to a target. Implementations retry internally
// and return an error only once they have given up.
type Deliverer interface {
	Deliver(ctx context.Context, batch []queue.Entry) error
	Close() error
}

// Factory builds the Deliverer for a source's target.
type Factory func(s source.Source) (Deliverer, error)

// NewFactory returns a Factory that maps each target variant to its
// deliverer, using hec and folder as the shared settings.
func NewFactory(hec forwarder.Config, folder storage.Config) Factory {
	return func(s source.Source) (Deliverer, error) {
		switch t := s.Target.(type) {
		case source.FolderTarget:
			return storage.ForTarget(t, s.Name, folder)
		case source.HECTarget:
			return forwarder.ForTarget(t, s, hec)
		}
		return nil, fmt.Errorf("unsupported target %T", s.Target)
	}
}

// Destination is what a deliverer reports about its target.
type Destination struct {
	File    string `json:"file,omitempty"`
	Circuit string `json:"circuit,omitempty"`
}

type fileDeliverer interface {
	CurrentFile() string
}

type breakerDeliverer interface {
	BreakerState() (circuitbreaker.State, bool)
}

func describe(d Deliverer) Destination {
	var out Destination
	if f, ok := d.(fileDeliverer); ok {
		out.File = f.CurrentFile()
	}
	if b, ok := d.(breakerDeliverer); ok {
		if state, enabled := b.BreakerState(); enabled {
			out.Circuit = state.String()
		}
	}
	return out
}
