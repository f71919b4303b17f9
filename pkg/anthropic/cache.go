package anthropic

// BuildCachedSystemBlocks constructs system content blocks with an ephemeral
// cache breakpoint. The extraction system prompt is identical for every
// email in a run, so consecutive calls hit the warm cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "5m",
			},
		},
	}
}
