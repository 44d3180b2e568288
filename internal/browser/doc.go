// Package browser supervises the headless Chrome process the pipeline
// renders pages with. One live handle exists at a time; it is retired after
// a configured number of successful uses or after any fault, and teardown
// verifies the OS process actually exited before the next handle launches.
package browser
