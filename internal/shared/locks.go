package shared

import "fmt"

// PartyLockKey builds the redis key guarding writes to one party's balances.
func PartyLockKey(partyType string, partyID int64) string {
	return fmt.Sprintf("billing:party:%s:%d:lock", partyType, partyID)
}
