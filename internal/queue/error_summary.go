package queue

const maxSummaryLen = 1024

// summarizeFailure renders a one-line "Class: message" summary for listings.
func summarizeFailure(class, message *string) string {
	var out string
	switch {
	case class != nil && message != nil:
		out = *class + ": " + *message
	case message != nil:
		out = *message
	case class != nil:
		out = *class
	}
	return truncateString(firstLine(out), maxSummaryLen)
}

func firstLine(value string) string {
	for i := 0; i < len(value); i++ {
		if value[i] == '\n' {
			return value[:i]
		}
	}
	return value
}

func truncateString(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	return value[:maxLen]
}
