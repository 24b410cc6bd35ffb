// Package api exposes the agent over HTTP. Runs are submitted to the task
// service and executed asynchronously by a processor; clients poll for the
// outcome or ask the server to wait for it. The router also serves the tool
// catalogue, a health check and Prometheus metrics.
package api
