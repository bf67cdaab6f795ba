package story

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Page is one page of a story outline.
type Page struct {
	PageNumber       int    `json:"page_number"`
	SceneDescription string `json:"scene_description"`
	Text             string `json:"text"`
	ImagePrompt      string `json:"image_prompt"`
}

// Outline is a fixed-length story outline.
type Outline struct {
	StoryTitle string `json:"story_title"`
	Pages      []Page `json:"pages"`
}

// ParseOutline extracts an outline from a raw model response. It strips
// markdown fences, locates the outermost JSON object, validates the pages
// array, and normalizes the result to exactly PageCount pages.
func ParseOutline(raw, characterDescription string) (Outline, error) {
	content := strings.TrimSpace(raw)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return Outline{}, fmt.Errorf("no JSON object in outline response")
	}

	var outline Outline
	if err := json.Unmarshal([]byte(content[start:end+1]), &outline); err != nil {
		return Outline{}, fmt.Errorf("parse outline: %w", err)
	}

	if len(outline.Pages) == 0 {
		return Outline{}, fmt.Errorf("outline has no pages")
	}

	outline.normalize(characterDescription)
	return outline, nil
}

// normalize pads or trims the outline to exactly PageCount pages and
// renumbers them sequentially.
func (o *Outline) normalize(characterDescription string) {
	if len(o.Pages) > PageCount {
		o.Pages = o.Pages[:PageCount]
	}

	for len(o.Pages) < PageCount {
		o.Pages = append(o.Pages, Page{
			SceneDescription: "Story continues",
			Text:             "The adventure continues...",
			ImagePrompt:      fmt.Sprintf("%s, children's book illustration", characterDescription),
		})
	}

	for i := range o.Pages {
		o.Pages[i].PageNumber = i + 1
	}
}
