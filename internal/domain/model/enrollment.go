package model

// EnrollmentState is the provider-reported state of an enrollment.
type EnrollmentState string

const (
	EnrollmentPending EnrollmentState = "pending"
	EnrollmentReady   EnrollmentState = "ready"
)

// ProviderPendingState is the literal the provider uses for enrollments that
// are not yet processed. Any other value means the enrollment is ready.
const ProviderPendingState = "pendiente"

// EnrollmentStatus is the transient result of one status lookup. The account
// fields are only populated once State is EnrollmentReady.
type EnrollmentStatus struct {
	State     EnrollmentState
	RawState  string
	Email     string
	Username  string
	Password  string
	FirstName string
	LastName  string
}

// Ready reports whether the enrollment has left the pending state.
func (s EnrollmentStatus) Ready() bool {
	return s.State == EnrollmentReady
}

// StateFromProvider maps the provider literal onto an EnrollmentState.
func StateFromProvider(raw string) EnrollmentState {
	if raw == ProviderPendingState {
		return EnrollmentPending
	}
	return EnrollmentReady
}
