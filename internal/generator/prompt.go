package generator

import (
	"fmt"

	"github.com/orbgame/storycache/internal/storage"
)

const systemPrompt = "You are a helpful assistant that creates engaging, positive stories. " +
	"Always focus on uplifting and inspiring content."

// userPrompt asks for exactly count stories in strict JSON. The format line
// is load-bearing: parseDrafts depends on the stories wrapper object.
func userPrompt(key storage.Key, count int) string {
	return fmt.Sprintf(
		`Generate %d positive %s stories set in the %s epoch, written in the language with code %q. `+
			`Return ONLY a valid JSON object with this exact format, no other text: `+
			`{ "stories": [ { "headline": "Brief headline", "summary": "One sentence summary", `+
			`"fullText": "2-3 sentence detailed story", "source": "Source name" } ] }`,
		count, key.Category, key.Epoch, key.Language,
	)
}
