package server

import "github.com/tidwall/gjson"

// extractUsageTokens pulls a tolerant union of token counts out of a
// response.completed payload (or a plain non-streaming response body). It
// prefers usage.input_tokens/output_tokens/total_tokens, defaulting total to
// input+output when absent, and falls back to
// usage.input_tokens_details.cached_tokens for the cache-read count when the
// provider doesn't report cache_read_input_tokens directly.
func extractUsageTokens(body []byte) (input, output, total, cacheCreate, cacheRead uint64) {
	usage := gjson.GetBytes(body, "usage")

	input = usage.Get("input_tokens").Uint()
	output = usage.Get("output_tokens").Uint()
	if t := usage.Get("total_tokens"); t.Exists() {
		total = t.Uint()
	} else {
		total = input + output
	}
	cacheCreate = usage.Get("cache_creation_input_tokens").Uint()
	if v := usage.Get("cache_read_input_tokens"); v.Exists() {
		cacheRead = v.Uint()
	} else {
		cacheRead = usage.Get("input_tokens_details.cached_tokens").Uint()
	}
	return input, output, total, cacheCreate, cacheRead
}

// responseModel extracts the model field from a response.created or
// response.completed payload, used to detect a mismatch between the
// requested model and what the upstream actually served.
func responseModel(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}
