package parser

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grafana/regexp"

	"iptv-hub/work/config"
	"iptv-hub/work/logger"
	"iptv-hub/work/types"
)

// maxLineBytes bounds one playlist line; some providers inline huge logos.
const maxLineBytes = 1 << 20

var attrPattern = regexp.MustCompile(`([A-Za-z0-9_-]+)="([^"]*)"`)

// FetchM3U downloads an extended M3U playlist and parses it.
func FetchM3U(ctx context.Context, hc Doer, src *config.SourceConfig, providerID int64) (*Listing, error) {
	resp, err := get(ctx, hc, src, src.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch playlist %s: %w", src.Name, err)
	}
	defer resp.Body.Close()

	listing, err := ParseM3U(resp.Body, providerID)
	if err != nil {
		return nil, fmt.Errorf("parse playlist %s: %w", src.Name, err)
	}
	logger.Info("{parser/m3u - FetchM3U} [PARSE] %s: %d entries, %d skipped", src.Name, len(listing.Entries), listing.Skipped)
	return listing, nil
}

// ParseM3U reads an extended M3U playlist. Each #EXTINF line is paired with
// the next URL line; #EXTGRP supplies the group when group-title is absent.
// Entries without a usable name are counted as skipped.
func ParseM3U(r io.Reader, providerID int64) (*Listing, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	listing := &Listing{}
	var (
		attrs   map[string]string
		name    string
		group   string
		pending bool
	)

	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXTINF:"):
			if pending {
				listing.Skipped++
			}
			attrs, name = ParseEXTINF(line)
			group = attrs["group-title"]
			pending = true
		case strings.HasPrefix(line, "#EXTGRP:"):
			if pending && group == "" {
				group = strings.TrimSpace(strings.TrimPrefix(line, "#EXTGRP:"))
			}
		case strings.HasPrefix(line, "#"):
		default:
			if !pending {
				continue
			}
			pending = false
			entry := newEntry(attrs, name, group, line, providerID)
			if entry == nil {
				listing.Skipped++
				continue
			}
			listing.Entries = append(listing.Entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if pending {
		listing.Skipped++
	}
	return listing, nil
}

func newEntry(attrs map[string]string, name, group, url string, providerID int64) *types.ProviderStreamEntry {
	if name == "" {
		name = attrs["tvg-name"]
	}
	if name == "" {
		return nil
	}

	meta := types.EntryMetadata{
		TvgID:   attrs["tvg-id"],
		TvgName: attrs["tvg-name"],
		TvgLogo: attrs["tvg-logo"],
		Format:  types.StreamFormat(url),
	}
	for k, v := range attrs {
		switch k {
		case "tvg-id", "tvg-name", "tvg-logo", "group-title":
			continue
		}
		if meta.Extra == nil {
			meta.Extra = make(map[string]string)
		}
		meta.Extra[k] = v
	}

	return &types.ProviderStreamEntry{
		Name:       name,
		Group:      group,
		URL:        url,
		ProviderID: providerID,
		StreamID:   attrs["tvg-id"],
		LogoURL:    attrs["tvg-logo"],
		Metadata:   meta,
	}
}

// ParseEXTINF splits an #EXTINF line into its key="value" attributes and the
// display name after the first unquoted comma, so names may contain commas.
// The duration is stored under "duration".
func ParseEXTINF(line string) (map[string]string, string) {
	attrs := make(map[string]string)
	line = strings.TrimPrefix(line, "#EXTINF:")

	comma := -1
	inQuotes := false
	for i := 0; i < len(line); i++ {
		if line[i] == '"' {
			inQuotes = !inQuotes
		} else if line[i] == ',' && !inQuotes {
			comma = i
			break
		}
	}

	head, name := line, ""
	if comma >= 0 {
		head = line[:comma]
		name = strings.TrimSpace(line[comma+1:])
	}

	if fields := strings.Fields(head); len(fields) > 0 && !strings.Contains(fields[0], "=") {
		attrs["duration"] = fields[0]
	}
	for _, m := range attrPattern.FindAllStringSubmatch(head, -1) {
		attrs[strings.ToLower(m[1])] = strings.TrimSpace(m[2])
	}
	return attrs, name
}
