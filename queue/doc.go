// Package queue implements the work queue: an in-process delay queue, an SQS
// backed queue and the worker loop that runs jobs under a timeout and
// acknowledges or reschedules them from the retry policy carried on each
// message.
package queue
