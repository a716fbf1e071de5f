// Package ratelimit is per-client rate limiting for the public listener.
//
// It runs in front of the edge auth filter so that floods of unauthenticated
// requests are shed before any header work is done. State is in-memory and
// per instance; distributed floods are left to the CDN and WAF in front.
package ratelimit
