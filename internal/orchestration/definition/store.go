package definition

import (
	"context"

	"github.com/proservcore/engine/internal/domain"
)

// Store is the Workflow Definition Store contract (spec §2, §3). Once a
// definition's status is Published the row is immutable; Publish on an
// already-published (tenant, code, version) is a conflict, and creating a
// new version clones and mutates rather than editing in place.
type Store interface {
	Create(ctx context.Context, def Definition) (Definition, error)
	Get(ctx context.Context, id string) (Definition, error)
	GetLatestPublished(ctx context.Context, tenantID domain.TenantID, code string) (Definition, error)
	Publish(ctx context.Context, id string) (Definition, error)
	ListVersions(ctx context.Context, tenantID domain.TenantID, code string) ([]Definition, error)
}
