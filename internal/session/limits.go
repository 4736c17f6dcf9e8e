package session

// Resource caps.
const (
	maxMailPerSession = 100  // SMTP_MAXMAIL
	maxRcptPerMessage = 1000 // SMTP_MAXRCPT
	kickThreshold     = 50   // SMTP_KICKTHRESHOLD
)
