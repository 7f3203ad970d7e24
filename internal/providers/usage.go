package providers

import (
	"encoding/json"
	"regexp"
	"strconv"
)

// maxUsageWalkDepth bounds the duck-typed-JSON walker below (spec.md §9):
// provider usage payloads nest cost/hash fields at most a few levels deep,
// and an unbounded walk over attacker-controlled provider responses would
// be a denial-of-service vector.
const maxUsageWalkDepth = 5

var hexHash64 = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// costKeys are the provider-specific spellings observed across the
// example fleet's provider plumbing (cost, totalCost, costUsd, ...).
var costKeys = map[string]bool{
	"cost": true, "totalcost": true, "costusd": true, "total_cost": true, "cost_usd": true,
}

var hashKeys = map[string]bool{
	"txhash": true, "tx_hash": true, "transactionhash": true, "transaction_hash": true, "hash": true,
}

// ExtractCostAndHash walks a duck-typed, provider-specific JSON payload
// (e.g. providerMetadata on a usage object) looking for a cost field and a
// transaction-hash-shaped string, to at most maxUsageWalkDepth. It rejects
// structurally invalid input (non-object roots, cycles are impossible in
// JSON) rather than inferring — if nothing matches, both returns are zero
// values.
func ExtractCostAndHash(raw json.RawMessage) (costUSD *float64, txHash string) {
	var v interface{}
	if len(raw) == 0 {
		return nil, ""
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, ""
	}
	walkUsage(v, 0, &costUSD, &txHash)
	return costUSD, txHash
}

func walkUsage(v interface{}, depth int, cost **float64, hash *string) {
	if depth > maxUsageWalkDepth {
		return
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	for k, val := range obj {
		lk := lowerASCII(k)
		switch n := val.(type) {
		case float64:
			if costKeys[lk] && *cost == nil {
				c := n
				*cost = &c
			}
		case string:
			if costKeys[lk] && *cost == nil {
				if f, err := strconv.ParseFloat(n, 64); err == nil {
					*cost = &f
				}
			}
			if (hashKeys[lk] || hexHash64.MatchString(stripBase64Wrapper(n))) && *hash == "" {
				*hash = stripBase64Wrapper(n)
			}
		case map[string]interface{}:
			walkUsage(n, depth+1, cost, hash)
		case []interface{}:
			for _, item := range n {
				walkUsage(item, depth+1, cost, hash)
			}
		}
	}
}

// stripBase64Wrapper strips one pair of redundant surrounding double
// quotes from a hash value; it does not decode base64 or strip prefixes.
func stripBase64Wrapper(s string) string {
	if len(s) > 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return s
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
