package content

import (
	"errors"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"slidesync/internal/models"
)

var (
	// Slide contents allow a small set of inline formatting tags; everything
	// else a client might paste in (scripts, styles, event handlers) is
	// stripped before the slide is stored or broadcast.
	slidePolicy = newSlidePolicy()

	strictPolicy = bluemonday.StrictPolicy()

	scheduleNameRegex = regexp.MustCompile(`^[\p{L}\p{N} .,:'&()_-]+$`)
)

func newSlidePolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "strong", "i", "em", "u", "sup", "sub", "br", "span")
	p.AllowAttrs("class").OnElements("span")
	return p
}

// SanitizeSlide cleans every text fragment of a slide in place and returns
// the result. Media references and style values are opaque and left alone.
func SanitizeSlide(slide models.Slide) models.Slide {
	slide.Name = SanitizeText(slide.Name)
	slide.Title = SanitizeText(slide.Title)
	for i, c := range slide.Contents {
		slide.Contents[i] = SanitizeFragment(c)
	}
	return slide
}

// SanitizeFragment cleans one slide content fragment, keeping the inline
// formatting tags projection markup uses.
func SanitizeFragment(input string) string {
	return slidePolicy.Sanitize(input)
}

// SanitizeText strips all markup. Used for names, titles, and anything
// rendered as plain text. The result is plain text, not HTML, so entities
// the sanitizer escaped are unescaped back.
func SanitizeText(input string) string {
	return strings.TrimSpace(html.UnescapeString(strictPolicy.Sanitize(input)))
}

// ValidateScheduleName checks that a schedule name is non-empty and contains
// only displayable characters.
func ValidateScheduleName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("schedule name cannot be empty")
	}
	if !scheduleNameRegex.MatchString(name) {
		return errors.New("schedule name contains invalid characters")
	}
	return nil
}
