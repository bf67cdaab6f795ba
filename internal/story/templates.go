// Package story defines the story templates, the outline model, and the
// parsing and fallback rules for model-generated outlines.
package story

import (
	"fmt"
	"strings"
)

// PageCount is the fixed length of every book.
const PageCount = 12

// Template describes one of the selectable story templates.
type Template struct {
	ID             string
	Title          string
	CharacterName  string
	fallbackScenes [PageCount]string
}

// templates is the closed set of selectable stories.
var templates = map[string]Template{
	"little_red_riding_hood": {
		ID:            "little_red_riding_hood",
		Title:         "Little Red Riding Hood",
		CharacterName: "Little Red Riding Hood",
		fallbackScenes: [PageCount]string{
			"Cover: {character} in red hood",
			"{character} leaves home with a basket",
			"Walking through the forest",
			"Meeting the wolf in the forest",
			"The wolf rushes ahead",
			"{character} arrives at grandmother's house",
			"The wolf is in grandmother's bed",
			"The wolf reveals himself",
			"A brave woodcutter arrives",
			"The woodcutter saves {character}",
			"Safe return home",
			"Happy ending with family",
		},
	},
	"jack_and_the_beanstalk": {
		ID:            "jack_and_the_beanstalk",
		Title:         "Jack and the Beanstalk",
		CharacterName: "Jack",
		fallbackScenes: [PageCount]string{
			"Cover: {character} at home",
			"{character} trades cow for magic beans",
			"Beans grow into giant beanstalk",
			"{character} climbs the beanstalk",
			"Reaching the clouds",
			"Finding a giant's castle",
			"Entering the castle",
			"Taking the golden goose",
			"The giant wakes up",
			"Climbing down quickly",
			"Cutting down the beanstalk",
			"Happy ending with family",
		},
	},
}

// LookupTemplate resolves a story template by id.
func LookupTemplate(id string) (Template, bool) {
	tpl, ok := templates[id]
	return tpl, ok
}

// TemplateIDs returns the selectable template ids.
func TemplateIDs() []string {
	return []string{"little_red_riding_hood", "jack_and_the_beanstalk"}
}

// NormalizeGender validates the gender selection, returning it lowercased.
func NormalizeGender(gender string) (string, bool) {
	g := strings.ToLower(strings.TrimSpace(gender))
	if g == "boy" || g == "girl" {
		return g, true
	}
	return "", false
}

// OutlinePrompt builds the outline-generation prompt for this template,
// conditioned on the gender and the character description from the photo
// analysis.
func (t Template) OutlinePrompt(gender, characterDescription string) string {
	var arc string
	switch t.ID {
	case "jack_and_the_beanstalk":
		arc = "The adventure story with the beanstalk"
	default:
		arc = "The adventure story"
	}

	return fmt.Sprintf(`Create a %d-page children's story based on %s, starring %s (a %s described as %s).

Structure it as a JSON object with:
- story_title: %q
- pages: array of %d objects, each with:
  - page_number: 1-%d
  - scene_description: brief scene description
  - text: 2-3 sentences for this page (child-friendly, age-appropriate)
  - image_prompt: detailed prompt for image generation maintaining consistent character appearance: %s

The story should:
- Page 1: Cover page with %s
- Pages 2-%d: %s
- Page %d: Happy ending

Return ONLY valid JSON, no markdown formatting.`,
		PageCount, t.Title, t.CharacterName, gender, characterDescription,
		t.Title, PageCount, PageCount, characterDescription,
		t.CharacterName, PageCount-1, arc, PageCount)
}

// OutlineSystemPrompt is the system message for outline generation.
const OutlineSystemPrompt = "You are a children's story writer. Always return valid JSON only."

// Fallback returns the predefined outline used when model generation fails
// or returns a malformed structure.
func (t Template) Fallback(characterDescription string) Outline {
	outline := Outline{StoryTitle: t.Title}

	for i, scene := range t.fallbackScenes {
		scene = strings.ReplaceAll(scene, "{character}", t.CharacterName)
		outline.Pages = append(outline.Pages, Page{
			PageNumber:       i + 1,
			SceneDescription: scene,
			Text:             fmt.Sprintf("This is page %d of the story.", i+1),
			ImagePrompt: fmt.Sprintf("%s, featuring %s, children's book illustration style, vibrant colors",
				scene, characterDescription),
		})
	}

	return outline
}
