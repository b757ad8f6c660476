package sync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

type tokenClaims struct {
	UserID        int       `json:"userId"`
	LastSyncAt    time.Time `json:"lastSyncAt"`
	TotalContacts int       `json:"totalContacts"`
	TotalDeals    int       `json:"totalDeals"`
	TotalTasks    int       `json:"totalTasks"`
	Timestamp     int64     `json:"timestamp"`
}

// MintToken encodes a snapshot of the cursor. Tokens are only ever compared
// for equality; nothing decodes them to make decisions.
func MintToken(userID int, lastSyncAt time.Time, totals Totals, now time.Time) (string, error) {
	raw, err := json.Marshal(tokenClaims{
		UserID:        userID,
		LastSyncAt:    lastSyncAt.UTC(),
		TotalContacts: totals.Contacts,
		TotalDeals:    totals.Deals,
		TotalTasks:    totals.Tasks,
		Timestamp:     now.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("encode sync token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
