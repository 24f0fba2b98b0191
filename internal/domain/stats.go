package domain

// Stats is a point-in-time count of members and payments.
type Stats struct {
	Members         int64
	LinkedMembers   int64
	EligibleMembers int64
	PendingPayments int64
}
