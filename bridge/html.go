package bridge

import (
	"strings"

	"github.com/k3a/html2text"
	"github.com/mailgate/mailgate/helpers"
)

// HTMLConverter turns an HTML mail body into chat text.
type HTMLConverter interface {
	Convert(html string) string
}

// HTML2Text converts with github.com/k3a/html2text.
type HTML2Text struct {
	LinksInnerText bool
	UnixLineBreaks bool
	ListSupport    bool
	// Strip trims surrounding whitespace and collapses runs of blank lines.
	Strip bool
}

func (c HTML2Text) Convert(html string) string {
	var opts []html2text.Option
	if c.LinksInnerText {
		opts = append(opts, html2text.WithLinksInnerText())
	}
	if c.UnixLineBreaks {
		opts = append(opts, html2text.WithUnixLineBreaks())
	}
	if c.ListSupport {
		opts = append(opts, html2text.WithListSupport())
	}

	text := helpers.HTMLToText(html, opts...)
	if c.Strip {
		text = collapseBlankLines(strings.TrimSpace(text))
	}
	return text
}

func collapseBlankLines(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
