package queue

// Key layout shared by orchestrators and agents.

// StatusKey holds "done" or "failed" once a task finishes.
func StatusKey(taskID string) string {
	return "task:" + taskID + ":status"
}

// ResultKey holds the result artifact hash of a finished task.
func ResultKey(taskID string) string {
	return "task:" + taskID + ":result_hash"
}

// RecordKey holds the JSON completion record of a finished task.
func RecordKey(taskID string) string {
	return "task:" + taskID + ":record"
}

// TaskEpochKey holds the attempt epoch the task was enqueued under.
func TaskEpochKey(taskID string) string {
	return "task:" + taskID + ":epoch"
}

// DoneListKey is the per-run completion list agents push task ids onto.
func DoneListKey(runID string) string {
	return "run:" + runID + ":done"
}

// RunEpochKey is the per-run attempt counter.
func RunEpochKey(runID string) string {
	return "run:" + runID + ":epoch"
}
