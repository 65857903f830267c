package jobs

import "strconv"

// Idempotency keys of the jobs that drive a deployment. The reconciler
// rebuilds them to find out whether a deployment still has a live job.

func WebhookKey(provider, deliveryID string) string {
	return provider + "-webhook:" + deliveryID
}

func RetryKey(deploymentID string, attempt int) string {
	return "retry:" + deploymentID + ":" + strconv.Itoa(attempt)
}

func TaskCompleteKey(taskID string) string {
	return "task-complete:" + taskID
}
