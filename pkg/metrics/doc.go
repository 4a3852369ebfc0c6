// Package metrics defines and registers stash's Prometheus metrics:
// cache counts, upload throughput, store-path counts, and deployment
// outcomes, exposed via an HTTP handler for scraping.
package metrics
