// Package batch retrieves iLINCS signature vectors in fixed-size batches.
//
// Identifiers are split into consecutive batches. Each batch is sent as one
// download request and retried with exponential backoff (1s, 2s, 4s, ... by
// default) until it succeeds or its attempts are used up. Abandoned batches
// are logged and skipped; the retrieval itself is best effort and only fails
// for invalid options or a cancelled context.
//
// Basic usage:
//
//	r, err := batch.NewRetriever(ilincsClient, batch.Options{
//		TopN:        100000,
//		Display:     true,
//		BatchSize:   10,
//		Retries:     10,
//		Timeout:     300 * time.Second,
//		BackoffUnit: time.Second,
//		Concurrency: 1,
//	})
//	agg, err := r.Retrieve(ctx, ids)
//	missing := agg.Missing(ids)
//
// With Concurrency > 1 batches run on a bounded worker pool. Every batch keeps
// its own attempt counter and backoff, and partial results are merged in
// batch order, so the aggregate matches a sequential run.
package batch
