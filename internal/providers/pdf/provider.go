package pdf

import (
	"context"
	"io"

	"go.uber.org/fx"
)

var Module = fx.Module("providers.pdf",
	fx.Provide(New),
)

// Provider renders operator-facing documents.
type Provider interface {
	RenderReconciliation(ctx context.Context, data ReconciliationData) (io.Reader, error)
}

type NoOpProvider struct{}

func (p *NoOpProvider) RenderReconciliation(ctx context.Context, data ReconciliationData) (io.Reader, error) {
	return nil, nil
}
