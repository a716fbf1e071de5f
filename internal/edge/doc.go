// Package edge holds the request functions that run in front of the API at
// the CDN edge.
//
// Functions take a [Request] by value and return an explicit result. They do
// no I/O, never log and never panic: a missing or malformed bearer credential
// is reported as a 401 [Response], every other oddity is passed through.
//
// [Filter] gates the API routes (bearer presence check, optional header relay,
// API prefix strip). [NormalizeRUM] strips the /rum prefix for the real user
// monitoring endpoint.
package edge
