package shared

import (
	"context"
	"fmt"
)

// Authorization domains guarded before mutating operations.
const (
	DomainLedger      = "ledger"
	DomainProcurement = "procurement"
	DomainWorkOrders  = "workorders"
	DomainMasterData  = "masterdata"
)

// Authorizer is the permission collaborator. Implementations live outside
// this module; services only assert through this port.
type Authorizer interface {
	CanRead(ctx context.Context, domain string) error
	CanWrite(ctx context.Context, domain string) error
}

// AllowAll grants every check. Used until a real permission backend is wired.
type AllowAll struct{}

func (AllowAll) CanRead(context.Context, string) error  { return nil }
func (AllowAll) CanWrite(context.Context, string) error { return nil }

// Denied builds the standard denial error for a domain.
func Denied(domain string) error {
	return fmt.Errorf("%w: %s", ErrForbidden, domain)
}
