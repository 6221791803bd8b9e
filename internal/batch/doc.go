// Package batch runs many probes concurrently.
//
// The batch command builds one Request per entry of the config file's
// targets list and hands them to a Processor. Each request resolves its
// own probe, so requests with different TLS settings or protocols do not
// share state. Session probes create a fresh event loop per run.
//
// Concurrency is bounded with errgroup.SetLimit. Results come back in
// input order; a callback can stream them as they complete.
package batch
