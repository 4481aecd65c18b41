package anthropic

// cacheMinChars approximates the smallest prompt the API will cache.
const cacheMinChars = 4096

// BuildSystemBlocks returns text as a single system block, marked as a cache
// breakpoint with the given TTL when it is long enough to be cached.
func BuildSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	block := SystemBlock{Text: text}
	if len(text) >= cacheMinChars {
		block.CacheControl = &CacheControl{TTL: ttl}
	}
	return []SystemBlock{block}
}
