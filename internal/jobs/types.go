package jobs

type JobType string

const (
	JobSendPasswordResetEmail JobType = "send_password_reset_email"
	JobSendWelcomeEmail       JobType = "send_welcome_email"
)

// check to see if the job type is a known constant

func (t JobType) IsValid() bool {
	switch t {
	case JobSendPasswordResetEmail, JobSendWelcomeEmail:
		return true
	default:
		return false
	}
}
