// Package profile owns the edge filter profile in force: which header-case
// variant, relay header and strip prefix the auth filter runs with.
//
// A profile starts from command line flags and can be replaced at runtime by
// a JSON document kept in SSM Parameter Store or S3. The Watcher polls the
// source and swaps the Manager's profile atomically when the document
// changes, so the next request runs against the new filter.
package profile
