package reply

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"replydesk/internal/graphapi"
)

const (
	MaxTemplateElements = 10
	MaxElementButtons   = 3
	buttonTypeWebURL    = "web_url"
)

// ErrInvalidTemplate wraps every template validation failure.
var ErrInvalidTemplate = errors.New("invalid generic template")

type rawButton struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

type rawElement struct {
	Title         string `json:"title"`
	Text          string `json:"text"`
	Subtitle      string `json:"subtitle"`
	ImageURL      string `json:"image_url"`
	DefaultAction *struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"default_action"`
	Buttons []rawButton `json:"buttons"`
}

// ParseTemplate decodes an automation's stored card array and validates it
// against the platform's generic-template limits. An object wrapping the
// array under "elements" is accepted too.
func ParseTemplate(content string) ([]graphapi.TemplateElement, error) {
	content = strings.TrimSpace(content)
	var raw []rawElement
	if strings.HasPrefix(content, "{") {
		var wrapped struct {
			Elements []rawElement `json:"elements"`
		}
		if err := json.Unmarshal([]byte(content), &wrapped); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
		raw = wrapped.Elements
	} else if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no elements", ErrInvalidTemplate)
	}
	if len(raw) > MaxTemplateElements {
		return nil, fmt.Errorf("%w: %d elements, at most %d allowed", ErrInvalidTemplate, len(raw), MaxTemplateElements)
	}

	elements := make([]graphapi.TemplateElement, 0, len(raw))
	for i, r := range raw {
		el, err := buildElement(r)
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidTemplate, i, err)
		}
		elements = append(elements, el)
	}
	return elements, nil
}

func buildElement(r rawElement) (graphapi.TemplateElement, error) {
	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = strings.TrimSpace(r.Text)
	}
	if title == "" {
		return graphapi.TemplateElement{}, errors.New("title is required")
	}

	el := graphapi.TemplateElement{
		Title:    title,
		Subtitle: strings.TrimSpace(r.Subtitle),
	}

	if r.ImageURL != "" {
		if !validURL(r.ImageURL) {
			return el, fmt.Errorf("malformed image_url %q", r.ImageURL)
		}
		el.ImageURL = r.ImageURL
	}

	if r.DefaultAction != nil && r.DefaultAction.URL != "" {
		if !validURL(r.DefaultAction.URL) {
			return el, fmt.Errorf("malformed default_action url %q", r.DefaultAction.URL)
		}
		el.DefaultAction = &graphapi.DefaultAction{Type: buttonTypeWebURL, URL: r.DefaultAction.URL}
	}

	if len(r.Buttons) > MaxElementButtons {
		return el, fmt.Errorf("%d buttons, at most %d allowed", len(r.Buttons), MaxElementButtons)
	}
	for j, b := range r.Buttons {
		if b.Type != "" && b.Type != buttonTypeWebURL {
			return el, fmt.Errorf("button %d: unsupported type %q", j, b.Type)
		}
		if strings.TrimSpace(b.Title) == "" {
			return el, fmt.Errorf("button %d: title is required", j)
		}
		if !validURL(b.URL) {
			return el, fmt.Errorf("button %d: malformed url %q", j, b.URL)
		}
		el.Buttons = append(el.Buttons, graphapi.Button{Type: buttonTypeWebURL, Title: strings.TrimSpace(b.Title), URL: b.URL})
	}
	return el, nil
}

func validURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// TemplateSummary renders elements as plain text for logs and the action log.
func TemplateSummary(elements []graphapi.TemplateElement) string {
	titles := make([]string, len(elements))
	for i, el := range elements {
		titles[i] = el.Title
	}
	return "[template] " + strings.Join(titles, " | ")
}
