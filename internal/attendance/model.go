package attendance

import (
	"fmt"
	"time"
)

// DailyLimit is the number of events a student may record per day.
const DailyLimit = 2

// DayLayout formats day buckets.
const DayLayout = "2006-01-02"

// Kind is the type of an attendance event. Values are stored verbatim.
type Kind string

const (
	CheckIn  Kind = "Entrada"
	CheckOut Kind = "Salida"
)

// KindFor returns the event kind assigned to the given sequence within a day.
func KindFor(sequence int) Kind {
	if sequence == 1 {
		return CheckIn
	}
	return CheckOut
}

// Student is a roster entry. Only AccountID and FullName matter to registration.
type Student struct {
	AccountID string `json:"account_id"`
	FullName  string `json:"full_name"`
	Semester  string `json:"semester,omitempty"`
	Group     string `json:"group,omitempty"`
}

// Event is a recorded check-in or check-out.
type Event struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	When      time.Time `json:"timestamp"`
	DayBucket string    `json:"day_bucket"`
	Sequence  int       `json:"sequence_in_day"`
}

// SlotID is the durable identity of the event occupying a day slot.
func SlotID(accountID, day string, sequence int) string {
	return fmt.Sprintf("%s-%s-%d", accountID, day, sequence)
}

// DayBucket returns the calendar day key of t in loc.
func DayBucket(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DayLayout)
}
