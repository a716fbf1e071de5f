package edge

import "strings"

// RUMPrefix is the path segment the CDN uses to route monitoring beacons.
const RUMPrefix = "/rum/"

// NormalizeRUM drops the leading /rum from monitoring beacon paths so they
// reach the real ingestion endpoint. Anything else, including a bare "/rum",
// passes through unchanged.
func NormalizeRUM(req Request) Request {
	if strings.HasPrefix(req.URI, RUMPrefix) {
		req.URI = req.URI[len(RUMPrefix)-1:]
	}
	return req
}
