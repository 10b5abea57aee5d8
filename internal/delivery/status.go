package delivery

import "time"

// Status is the per-order delivery bookkeeping record.
//
// Invariants:
//   - at most one record per OrderID
//   - Sent and FollowUpSent never revert to false
//   - Attempts and ReadyAttempts never decrease
type Status struct {
	OrderID       string    `json:"order_id"`
	Sent          bool      `json:"sent"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`

	FollowUpSent  bool      `json:"follow_up_sent"`
	ReadySent     bool      `json:"ready_sent"`
	ReadyAttempts int       `json:"ready_attempts"`
	CreatedAt     time.Time `json:"created_at"`
}

// NeedsRedrive reports whether the confirmation still has to be delivered.
func (s Status) NeedsRedrive() bool { return !s.Sent }

// NeedsReadyRedrive reports whether a ready notification was attempted but never delivered.
func (s Status) NeedsReadyRedrive() bool { return s.ReadyAttempts > 0 && !s.ReadySent }

// The Apply* helpers are the single source of truth for record transitions.
// Stores without atomic SQL upserts (memory, file, rest) use them for read-modify-write.

func ApplySent(cur Status, found bool, orderID string, at time.Time) Status {
	cur = seed(cur, found, orderID, at)
	cur.Sent = true
	cur.Attempts++
	cur.LastAttemptAt = at
	return cur
}

func ApplyFailed(cur Status, found bool, orderID, errMsg string, at time.Time) Status {
	cur = seed(cur, found, orderID, at)
	cur.Attempts++
	cur.LastAttemptAt = at
	cur.LastError = errMsg
	return cur
}

func ApplyFollowUpSent(cur Status, found bool, orderID string, at time.Time) Status {
	cur = seed(cur, found, orderID, at)
	cur.FollowUpSent = true
	return cur
}

func ApplyReadySent(cur Status, found bool, orderID string, at time.Time) Status {
	cur = seed(cur, found, orderID, at)
	cur.ReadySent = true
	cur.ReadyAttempts++
	cur.LastAttemptAt = at
	return cur
}

func ApplyReadyFailed(cur Status, found bool, orderID, errMsg string, at time.Time) Status {
	cur = seed(cur, found, orderID, at)
	cur.ReadyAttempts++
	cur.LastAttemptAt = at
	cur.LastError = errMsg
	return cur
}

func seed(cur Status, found bool, orderID string, at time.Time) Status {
	if !found {
		return Status{OrderID: orderID, CreatedAt: at}
	}
	return cur
}
