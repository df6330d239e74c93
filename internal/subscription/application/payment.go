package application

import (
	"context"
	"errors"

	shared "github.com/tallyhq/tally/internal/shared/domain"
)

// ErrChargeDeclined is returned when the processor refuses the charge.
var ErrChargeDeclined = errors.New("charge declined")

// PaymentProcessor is the port to the external payment collaborator. The
// engine only needs the charge verdict; card handling, retries at the
// processor, and chargebacks live outside.
type PaymentProcessor interface {
	// Charge attempts to collect the amount for a workspace. A nil error
	// means the charge succeeded; ErrChargeDeclined means the processor
	// refused it. Any other error is a transport fault and is treated as a
	// failed attempt too.
	Charge(ctx context.Context, workspaceID shared.WorkspaceID, amount shared.Money, reference string) error
}
