// Package crawler defines the job model, fetch contract, URL helpers and
// storage interfaces shared by the crawl engine, its fetch backends and the
// control surface.
package crawler
