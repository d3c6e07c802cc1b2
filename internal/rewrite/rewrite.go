// Package rewrite implements the request-rewriting stage applied before a
// request is forwarded upstream: preferring a simpler request shape for
// hosts known to choke on the full one, reconstructing conversation
// continuity from a session journal when the client only sent
// previous_response_id, and remembering which parameters a provider has
// rejected so later requests skip sending them again.
package rewrite

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/gandalf/internal"
)

// capabilityCacheTTL bounds how long an "unsupported parameter" finding is
// trusted before being retried -- long enough to avoid repeated failed
// round-trips, short enough to notice if an upstream ships support later.
const capabilityCacheTTL = 24 * time.Hour

// simpleShapeHostSuffixes lists upstream host suffixes known to prefer the
// plain "messages" chat shape over the full Responses API request body.
var simpleShapeHostSuffixes = []string{
	".openai.azure.com",
	".ollama.local",
}

// PreferSimpleShape reports whether host is known to want the simpler
// chat-message request shape instead of the full request body.
func PreferSimpleShape(host string) bool {
	host = strings.ToLower(host)
	for _, suffix := range simpleShapeHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// CapabilityCache tracks, per provider+parameter, whether the provider has
// rejected that parameter before. It's consulted before a request is built
// so already-known-unsupported parameters are dropped up front instead of
// re-discovering the rejection on every call.
type CapabilityCache struct {
	cache *otter.Cache[string, bool]
}

// NewCapabilityCache returns an empty CapabilityCache.
func NewCapabilityCache() (*CapabilityCache, error) {
	c, err := otter.New(&otter.Options[string, bool]{
		MaximumSize:      10_000,
		ExpiryCalculator: otter.ExpiryWriting[string, bool](capabilityCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("rewrite: create capability cache: %w", err)
	}
	return &CapabilityCache{cache: c}, nil
}

func capKey(provider, param string) string { return provider + "\x00" + param }

// IsUnsupported reports whether provider is known to reject param.
func (c *CapabilityCache) IsUnsupported(provider, param string) bool {
	v, ok := c.cache.GetIfPresent(capKey(provider, param))
	return ok && v
}

// MarkUnsupported records that provider rejected param, so future requests
// drop it before sending rather than failing again.
func (c *CapabilityCache) MarkUnsupported(provider, param string) {
	c.cache.Set(capKey(provider, param), true)
}

// DropUnsupportedParams removes top-level keys from a JSON request body
// that the cache has already learned provider rejects.
func (c *CapabilityCache) DropUnsupportedParams(provider string, body map[string]any) map[string]any {
	for key := range body {
		if c.IsUnsupported(provider, key) {
			delete(body, key)
		}
	}
	return body
}

// ReadSessionMessages reads a session journal file (JSONL, one
// response_item/message per line) and returns the normalized messages in
// file order. Lines that aren't a recognized response_item/message shape
// are skipped -- journals carry other event kinds the rewrite stage
// doesn't need.
func ReadSessionMessages(path string) ([]gateway.SessionMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []gateway.SessionMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item gateway.ResponseItem
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		if item.Type != "response_item" {
			continue
		}
		var msg gateway.SessionMessage
		if err := json.Unmarshal(item.Payload, &msg); err != nil {
			continue
		}
		if msg.Type != "message" {
			continue
		}
		out = append(out, msg)
	}
	return out, scanner.Err()
}

// RebuildInputFromPreviousResponse reconstructs the conversation history a
// request implies via previous_response_id: it reads journalPath and
// returns the prior messages to prepend, so the upstream -- which has no
// notion of previous_response_id itself -- still sees full context.
func RebuildInputFromPreviousResponse(journalPath, previousResponseID string) ([]gateway.SessionMessage, error) {
	if previousResponseID == "" {
		return nil, nil
	}
	return ReadSessionMessages(journalPath)
}

// FindSessionFile locates the session journal for sessionID under
// baseDir/sessions, walking the YYYY/MM/DD directory layout the CLI writes.
// It returns the first file whose name contains sessionID and ends in
// ".jsonl"; "" if none is found.
func FindSessionFile(baseDir, sessionID string) string {
	sessionsDir := filepath.Join(baseDir, "sessions")
	var found string
	filepath.WalkDir(sessionsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.Contains(name, sessionID) && strings.HasSuffix(name, ".jsonl") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}
