// Package jobs runs source handlers inside the job execution wrapper, which
// owns attempt counting, the processed-marker short circuit, event status
// transitions, error classification and terminal failure alerts.
package jobs
