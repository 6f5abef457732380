// Package freeze takes a snapshot of the iLINCS metadata collections and
// the disease signature vectors.
//
// A run downloads signatures, datasets, genes and compounds, selects the
// signature IDs of the configured library, retrieves their vectors in
// batches and writes everything to a sink:
//
//	signatures.csv
//	datasets.csv
//	genes.csv
//	compounds.csv
//	signature_vectors/<signatureID>.csv
//	manifest.json
//
// A failed metadata download aborts the run. Vector retrieval is best
// effort; signatures whose batch was abandoned are listed in the manifest.
package freeze
