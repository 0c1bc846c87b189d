package coordinator

import (
	"strings"
	"time"
)

const (
	restoreIDInfix     = "-restore-"
	restoreIDTimestamp = "20060102-150405"
)

// NewRestoreID returns "<applicationID>-restore-<UTC yyyymmdd-hhmmss>".
func NewRestoreID(applicationID string, at time.Time) string {
	return applicationID + restoreIDInfix + at.UTC().Format(restoreIDTimestamp)
}

// ApplicationFromRestoreID extracts the application id from a restore id
// built by NewRestoreID.
func ApplicationFromRestoreID(restoreID string) (string, bool) {
	i := strings.LastIndex(restoreID, restoreIDInfix)
	if i <= 0 {
		return "", false
	}
	if _, err := time.Parse(restoreIDTimestamp, restoreID[i+len(restoreIDInfix):]); err != nil {
		return "", false
	}
	return restoreID[:i], true
}
