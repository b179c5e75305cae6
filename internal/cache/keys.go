package cache

import (
	"fmt"

	"github.com/google/uuid"
)

const keyNamespace = "kueuexec"

func ClusterStateKey(jobID uuid.UUID) string {
	return fmt.Sprintf("%s:job:%s:cluster", keyNamespace, jobID)
}

// RateLimitKey counts requests per API key prefix.
func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("%s:ratelimit:%s", keyNamespace, keyPrefix)
}
