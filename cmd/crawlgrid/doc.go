// Command crawlgrid runs the crawl platform service: HTTP API, job
// scheduler, worker pool, outbox processor, and health monitor in one
// process.
package main
