package model

// UserNotification carries everything the dispatcher needs to tell a student
// their course access is ready.
type UserNotification struct {
	EnrollmentID int64
	CourseID     *int64
	Email        string
	Username     string
	Password     string
	FirstName    string
	LastName     string
}
