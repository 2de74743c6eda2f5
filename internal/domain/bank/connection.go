package bank

import "time"

// ConnectionStatus describes the lifecycle of a bank connection.
type ConnectionStatus string

const (
	// ConnectionPending means the end-user authorization flow has started
	// but not finished.
	ConnectionPending ConnectionStatus = "pending"
	// ConnectionActive means transactions can be synced.
	ConnectionActive ConnectionStatus = "active"
	// ConnectionExpired means the access consent lapsed and the user must
	// re-authorize.
	ConnectionExpired ConnectionStatus = "expired"
	// ConnectionError means the last sync failed in a way that needs an
	// operator to look at it.
	ConnectionError ConnectionStatus = "error"
)

// Connection is one authorized link to a bank account provider. Provider
// APIs enforce strict rate limits, so sync attempts are counted per calendar
// day and capped.
type Connection struct {
	ID            int64
	Provider      string // "gocardless" or "saltedge"
	Reference     string // requisition/connection reference at the provider
	InstitutionID string
	Organizer     string
	Status        ConnectionStatus

	ConsentExpiresAt *time.Time

	// Daily sync accounting
	SyncCountDate string // "2006-01-02" of the counted day
	SyncsToday    int
	LastSyncedAt  *time.Time

	// Last sync failure, cleared on the next successful sync
	LastError   string
	LastErrorAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanSync reports whether another sync fits under the daily cap at the given
// time. A new calendar day resets the budget.
func (c *Connection) CanSync(now time.Time, maxPerDay int) bool {
	if c.Status != ConnectionActive {
		return false
	}
	if maxPerDay <= 0 {
		return false
	}
	if c.SyncCountDate != now.Format("2006-01-02") {
		return true
	}
	return c.SyncsToday < maxPerDay
}

// CountSync records one sync attempt at the given time, resetting the
// counter when the calendar day changed.
func (c *Connection) CountSync(now time.Time) {
	day := now.Format("2006-01-02")
	if c.SyncCountDate != day {
		c.SyncCountDate = day
		c.SyncsToday = 0
	}
	c.SyncsToday++
	t := now
	c.LastSyncedAt = &t
}

// RecordError stores the failure of the current sync attempt.
func (c *Connection) RecordError(now time.Time, msg string) {
	c.LastError = msg
	t := now
	c.LastErrorAt = &t
}

// ClearError wipes the failure marker after a successful sync.
func (c *Connection) ClearError() {
	c.LastError = ""
	c.LastErrorAt = nil
}

// ConsentExpiringSoon reports whether the consent runs out within the warning
// window.
func (c *Connection) ConsentExpiringSoon(now time.Time, warnDays int) bool {
	if c.ConsentExpiresAt == nil {
		return false
	}
	return c.ConsentExpiresAt.Before(now.AddDate(0, 0, warnDays))
}
