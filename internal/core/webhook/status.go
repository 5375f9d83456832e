package webhook

import (
	"fmt"

	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

// mapMidtransStatus translates a provider transaction status into the
// internal payment status. A captured card payment is only money once fraud
// screening accepted it.
func mapMidtransStatus(transactionStatus, fraudStatus string) (relationaldb.PaymentStatus, error) {
	switch transactionStatus {
	case "capture":
		switch fraudStatus {
		case "", "accept":
			return relationaldb.PaymentSuccess, nil
		case "challenge":
			return relationaldb.PaymentPending, nil
		default:
			return relationaldb.PaymentDenied, nil
		}
	case "settlement":
		return relationaldb.PaymentSuccess, nil
	case "pending":
		return relationaldb.PaymentPending, nil
	case "deny":
		return relationaldb.PaymentDenied, nil
	case "cancel", "failure":
		return relationaldb.PaymentFailed, nil
	case "expire":
		return relationaldb.PaymentExpired, nil
	default:
		return "", fmt.Errorf("unknown transaction status %q", transactionStatus)
	}
}
