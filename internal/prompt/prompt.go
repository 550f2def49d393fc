// Package prompt is the Prompt Assembler of spec.md §4.7: a versioned
// catalog of named blocks on disk, assembled per variant into the four
// phase prompts (system, understanding, tool_planning, response),
// substituting {{DYNAMIC_TOOLS}}/{{DYNAMIC_TOOL_SPECS}} and caching the
// assembled result per (variant, phase, channel, tool-spec hash) with a
// short TTL.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/familyledger/core/internal/toolservice"
)

// Phase names spec.md §4.7 defines for a variant.
const (
	PhaseSystem        = "system_blocks"
	PhaseUnderstanding = "understanding_blocks"
	PhaseToolPlanning  = "tool_planning_blocks"
	PhaseResponse      = "response_blocks"
)

// Block is one named, versioned prompt fragment in the catalog.
type Block struct {
	Name string `yaml:"name"`
	Text string `yaml:"text"`
}

// Variant names an ordered list of blocks per phase, with optional
// per-channel profile overrides (spec.md §4.7).
type Variant struct {
	Name    string              `yaml:"name"`
	Phases  map[string][]string `yaml:"phases"` // phase -> ordered block names
	Profile map[string]Profile  `yaml:"profiles,omitempty"`
}

// Profile overrides a subset of phases for a specific channel.
type Profile struct {
	Phases map[string][]string `yaml:"phases"`
}

// catalogFile is the on-disk shape: a flat list of blocks plus variants,
// decoded with gopkg.in/yaml.v3 directly into this struct.
type catalogFile struct {
	Blocks   []Block   `yaml:"blocks"`
	Variants []Variant `yaml:"variants"`
}

// Catalog holds every known block and variant, loaded once from disk.
type Catalog struct {
	blocks   map[string]Block
	variants map[string]Variant
}

// LoadCatalog reads and parses the block/variant catalog YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompt: reading catalog %s: %w", path, err)
	}
	var raw catalogFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("prompt: parsing catalog %s: %w", path, err)
	}

	c := &Catalog{blocks: map[string]Block{}, variants: map[string]Variant{}}
	for _, b := range raw.Blocks {
		c.blocks[b.Name] = b
	}
	for _, v := range raw.Variants {
		c.variants[v.Name] = v
	}
	return c, nil
}

// cacheEntry is one assembled prompt, keyed by (variant, phase, channel,
// tool-spec hash).
type cacheEntry struct {
	text      string
	expiresAt time.Time
}

// Assembler assembles phase prompts from a Catalog, caching per
// (variant, phase, channel, tool-spec hash) with a short TTL (spec.md §4.7).
type Assembler struct {
	catalog *Catalog
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewAssembler(catalog *Catalog, ttl time.Duration) *Assembler {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Assembler{catalog: catalog, ttl: ttl, cache: map[string]cacheEntry{}}
}

// Assemble builds the prompt text for one phase of one variant,
// optionally overridden by a channel profile, substituting
// {{DYNAMIC_TOOLS}} and {{DYNAMIC_TOOL_SPECS}} from the live tool specs.
func (a *Assembler) Assemble(variantName, phase, channel string, specs []toolservice.Spec) (string, error) {
	specHash := hashSpecs(specs)
	key := strings.Join([]string{variantName, phase, channel, specHash}, "|")

	a.mu.Lock()
	if entry, ok := a.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		a.mu.Unlock()
		return entry.text, nil
	}
	a.mu.Unlock()

	variant, ok := a.catalog.variants[variantName]
	if !ok {
		return "", fmt.Errorf("prompt: unknown variant %q", variantName)
	}

	names := variant.Phases[phase]
	if channel != "" {
		if profile, ok := variant.Profile[channel]; ok {
			if override, ok := profile.Phases[phase]; ok {
				names = override
			}
		}
	}

	var sb strings.Builder
	for i, name := range names {
		block, ok := a.catalog.blocks[name]
		if !ok {
			return "", fmt.Errorf("prompt: variant %q phase %q references unknown block %q", variantName, phase, name)
		}
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(block.Text)
	}

	text := substituteDynamicTools(sb.String(), specs)

	a.mu.Lock()
	a.cache[key] = cacheEntry{text: text, expiresAt: time.Now().Add(a.ttl)}
	a.mu.Unlock()

	return text, nil
}

// Invalidate drops every cached entry, used when the catalog is reloaded.
func (a *Assembler) Invalidate() {
	a.mu.Lock()
	a.cache = map[string]cacheEntry{}
	a.mu.Unlock()
}

func substituteDynamicTools(text string, specs []toolservice.Spec) string {
	if strings.Contains(text, "{{DYNAMIC_TOOLS}}") {
		text = strings.ReplaceAll(text, "{{DYNAMIC_TOOLS}}", compactToolListing(specs))
	}
	if strings.Contains(text, "{{DYNAMIC_TOOL_SPECS}}") {
		text = strings.ReplaceAll(text, "{{DYNAMIC_TOOL_SPECS}}", fullToolSpecsJSON(specs))
	}
	return text
}

func compactToolListing(specs []toolservice.Spec) string {
	var sb strings.Builder
	for i, s := range specs {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "- %s: %s", s.Name, s.Description)
	}
	return sb.String()
}

func fullToolSpecsJSON(specs []toolservice.Spec) string {
	b, err := json.Marshal(specs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// hashSpecs hashes the tool specs' JSON encoding so the assembled-prompt
// cache invalidates whenever the live tool catalog changes.
func hashSpecs(specs []toolservice.Spec) string {
	b, _ := json.Marshal(specs)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
