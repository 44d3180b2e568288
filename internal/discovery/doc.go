// Package discovery implements the work sources the supervisor pulls
// candidate items from: a static URL list and a colly-backed listing-page
// scraper.
package discovery
