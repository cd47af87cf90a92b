package root

import (
	"github.com/zenGate-Global/hrms-tenancy/apps/cli/cmd/migrate"
	"github.com/zenGate-Global/hrms-tenancy/apps/cli/cmd/tenantdb"
)

func init() {
	Root().AddCommand(tenantdb.Command())
	Root().AddCommand(migrate.Command())
}
