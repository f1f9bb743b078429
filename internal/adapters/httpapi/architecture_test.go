package httpapi

import (
	"testing"

	"labflow/testutil"
)

func TestGatewayDoesNotReachIntoInfrastructure(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.Under("internal/infra", "internal/config", "cmd"),
		"the gateway talks to the service only")
}
