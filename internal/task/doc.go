// Package task runs agent tasks asynchronously. A Service persists submitted
// runs and publishes their IDs to a queue; a Processor consumes the queue,
// claims each run, executes it through a Runner and records the outcome,
// re-publishing retryable failures until the retry budget is spent.
package task
