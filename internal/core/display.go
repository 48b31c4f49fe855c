package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mellowbot/bingchat/internal/bot"
	"github.com/mellowbot/bingchat/internal/response"
)

// Renderer turns markdown into PNG bytes for image display types
type Renderer interface {
	Render(ctx context.Context, markdown string) ([]byte, error)
}

// httpRenderer calls a markdown-to-picture service
type httpRenderer struct {
	client *resty.Client
}

// NewHTTPRenderer creates a Renderer backed by the service at url
func NewHTTPRenderer(url string, timeout time.Duration) Renderer {
	return &httpRenderer{
		client: resty.New().SetBaseURL(url).SetTimeout(timeout),
	}
}

func (r *httpRenderer) Render(ctx context.Context, markdown string) ([]byte, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"markdown": markdown}).
		Post("/render")
	if err != nil {
		return nil, fmt.Errorf("render request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("render service returned status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

// contentHeader returns the section header shown before each content type
func contentHeader(typ response.ContentType) string {
	switch typ {
	case response.ContentReference:
		return "References:\n"
	case response.ContentSuggestedQuestion:
		return "You may want to ask:\n"
	case response.ContentNumMaxConversation:
		return "Replies: "
	default:
		return ""
	}
}

// buildSections assembles the configured content sections of one display
// entry. Empty sections (e.g. a reply without references) are skipped;
// accessor failures bubble up as malformed-response errors.
func buildSections(resp *response.Response, contents []response.ContentType) ([]string, error) {
	var sections []string
	for _, typ := range contents {
		content, err := resp.Content(typ)
		if err != nil {
			return nil, err
		}
		if content == "" {
			continue
		}
		sections = append(sections, contentHeader(typ)+content)
	}
	return sections, nil
}

// renderDisplays turns a classified Success reply into outbound messages,
// one per configured display entry.
func (e *Engine) renderDisplays(ctx context.Context, sess sessionLabel, resp *response.Response) ([]bot.Outbound, error) {
	var outs []bot.Outbound
	for _, dct := range e.displayTypes {
		sections, err := buildSections(resp, dct.Contents)
		if err != nil {
			return nil, err
		}
		if len(sections) == 0 {
			continue
		}

		switch dct.Display {
		case "text":
			text := strings.Join(sections, "\n\n")
			if e.config.Display.InForward {
				outs = append(outs, bot.Outbound{
					Forward: []bot.ForwardNode{{Name: sess.name, Content: text}},
				})
			} else {
				outs = append(outs, bot.Outbound{Text: text})
			}

		case "image":
			if e.renderer == nil {
				return nil, fmt.Errorf("image display configured without a renderer")
			}
			png, err := e.renderer.Render(ctx, strings.Join(sections, "\n\n---\n\n"))
			if err != nil {
				return nil, err
			}
			outs = append(outs, bot.Outbound{Image: png})
		}
	}
	return outs, nil
}

// sessionLabel carries the little display metadata renderDisplays needs
type sessionLabel struct {
	name string
}
