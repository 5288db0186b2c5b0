package briefing

// Outbound message texts. User-visible failures never expose technical
// detail.
const (
	PromptScheduling = "Thanks for the photo! When should we call you for a quick briefing?\n" +
		"1. Right now\n" +
		"2. In 30 minutes\n" +
		"3. In 1 hour\n" +
		"4. Pick a time\n" +
		"Reply with a number, or a time like \"3:30 pm\"."

	PromptSpecificTime = "What time works for you? Reply with a time like \"3:30 pm\" or \"15:30\"."

	ConfirmScheduledFmt   = "You're all set! We'll call you around %s. Reply with a new time if you need to reschedule."
	ConfirmRescheduledFmt = "No problem, we've moved your call to %s."

	MsgReminder = "Heads up! Your briefing call is coming up in a few minutes."

	MsgApology   = "Sorry, we couldn't complete your briefing call. Please send your photo again to restart."
	MsgCancelled = "Your briefing has been cancelled. Send a new photo any time to start again."
	MsgStartOver = "We couldn't find an active briefing for you. Send a photo to get started."
)
