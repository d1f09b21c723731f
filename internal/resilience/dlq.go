package resilience

// ClassifyError categorizes an error as "transient" or "permanent" for
// dead-letter-queue routing. model.DLQEntry carries the retry bookkeeping;
// this package only judges whether a given error is worth retrying at all.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
