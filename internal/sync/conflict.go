package sync

import (
	"fmt"
	"time"

	"kobopay/internal/database"
	"kobopay/internal/money"

	"github.com/google/uuid"
)

// newConflict builds an unresolved conflict record for one rejected
// transaction. Priority is filled in by the repository from the type.
func newConflict(userID, txHash string, kind database.ConflictType, description string, expected, actual *string, detectedAt time.Time) *database.SyncConflict {
	return &database.SyncConflict{
		ID:            uuid.New().String(),
		TransactionID: txHash,
		UserID:        userID,
		Type:          kind,
		Description:   description,
		ExpectedValue: expected,
		ActualValue:   actual,
		Status:        database.Unresolved,
		DetectedAt:    detectedAt,
	}
}

// Explain renders a conflict in plain English for the chat surface. The AI
// offline-query tool returns these verbatim, so they are written for a wallet
// user, not an operator.
func Explain(c *database.SyncConflict, amountKobo int64) string {
	amount := "₦" + money.FormatKobo(amountKobo)

	switch c.Type {
	case database.DoubleSpend:
		return fmt.Sprintf("A transfer of %s was not applied because it had already been processed. Your balance was charged only once.", amount)
	case database.InsufficientFunds:
		return fmt.Sprintf("A transfer of %s could not be completed because your balance was too low at the time of syncing.", amount)
	case database.InvalidSignature:
		return fmt.Sprintf("A transfer of %s was rejected because it could not be verified as coming from your device. If you did not make this transfer, contact support.", amount)
	case database.NonceReused:
		return fmt.Sprintf("A transfer of %s was rejected as a duplicate submission and was not applied again.", amount)
	case database.InvalidHash:
		return fmt.Sprintf("A transfer of %s arrived damaged and could not be verified. Please retry it from your device.", amount)
	case database.ChainBroken:
		return fmt.Sprintf("A transfer of %s was out of order with your other offline transfers. Your offline history needs to be re-checked before further syncing.", amount)
	case database.TimestampInvalid:
		return fmt.Sprintf("A transfer of %s was rejected because its recorded time was too far in the past or future.", amount)
	default:
		return fmt.Sprintf("A transfer of %s could not be synced.", amount)
	}
}
