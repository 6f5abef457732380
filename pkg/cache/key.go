package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CacheKey represents a unique identifier for a cached iLINCS response.
type CacheKey struct {
	// Endpoint is the API path (e.g., "/SignatureMeta", "/ilincsR/downloadSignature")
	Endpoint string

	// Params are the query or form parameters that select the response
	// (e.g., {"sigID": "LINCSCP_1,LINCSCP_2", "noOfTopGenes": "100000"}).
	Params url.Values
}

// String generates a deterministic cache key string.
// Format: ilincs:endpoint:param1=val1:param2=val2
//
// Example:
//
//	ilincs:ilincsR/downloadSignature:display=True:noOfTopGenes=100:sigID=A,B
func (k CacheKey) String() string {
	parts := []string{"ilincs"}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.Params) > 0 {
		keys := make([]string, 0, len(k.Params))
		for key := range k.Params {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(k.Params[key], "|")))
		}
	}

	return strings.Join(parts, ":")
}
