package sqlite

import (
	"testing"

	"labflow/testutil"
)

func TestImportsAreDomainOrStdlib(t *testing.T) {
	forbidden := func(path string) bool {
		return testutil.AnyInternal(path) && !testutil.Under("internal/infra/persistence/sqlstore")(path)
	}
	testutil.AssertNoDirectImports(t, ".", forbidden, "sqlite store builds on the shared sql store only")
}
