package controls

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/amplistack/qpcr-engine/internal/models"
)

// Categorizer classifies wells into control roles from their sample names. Matching
// is case-insensitive and rules apply in a fixed order; the first match wins. Wells
// matching no rule are patient/unknown samples and belong to no control group.
type Categorizer struct {
	ntcTokens     []string
	controlTokens []string
	otherTokens   []string
	highPattern   *regexp.Regexp
	mediumPattern *regexp.Regexp
	lowPattern    *regexp.Regexp
	logger        *slog.Logger
}

// rulePackFile is the YAML root for optional sample-name rule overrides.
type rulePackFile struct {
	NTCTokens     []string `yaml:"ntc_tokens"`
	ControlTokens []string `yaml:"control_tokens"`
	OtherTokens   []string `yaml:"other_tokens"`
	RolePatterns  struct {
		High   string `yaml:"high"`
		Medium string `yaml:"medium"`
		Low    string `yaml:"low"`
	} `yaml:"role_patterns"`
}

// Role letter tokens must stand alone: preceded by start-of-name or a non-alphanumeric
// separator, followed by a separator, digit, or end-of-name.
const (
	defaultHighPattern   = `(?i)(?:^|[^a-z0-9])h(?:igh)?(?:[^a-z]|$)`
	defaultMediumPattern = `(?i)(?:^|[^a-z0-9])m(?:ed(?:ium)?)?(?:[^a-z]|$)`
	defaultLowPattern    = `(?i)(?:^|[^a-z0-9])l(?:ow)?(?:[^a-z]|$)`
)

// NewCategorizer builds a categorizer with the built-in rules, optionally overridden
// by a YAML rule pack at path. A missing file falls back to defaults; a malformed
// file or pattern is a hard configuration error.
func NewCategorizer(path string, logger *slog.Logger) (*Categorizer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Categorizer{
		ntcTokens:     []string{"ntc", "negative"},
		controlTokens: []string{"control", "ctrl", "pos"},
		otherTokens:   []string{"control", "blank"},
		logger:        logger,
	}

	highExpr, mediumExpr, lowExpr := defaultHighPattern, defaultMediumPattern, defaultLowPattern

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read control rule pack: %w", err)
		}
		if err == nil {
			var pack rulePackFile
			if err := yaml.Unmarshal(data, &pack); err != nil {
				return nil, fmt.Errorf("parse control rule pack: %w", err)
			}
			if len(pack.NTCTokens) > 0 {
				c.ntcTokens = pack.NTCTokens
			}
			if len(pack.ControlTokens) > 0 {
				c.controlTokens = pack.ControlTokens
			}
			if len(pack.OtherTokens) > 0 {
				c.otherTokens = pack.OtherTokens
			}
			if pack.RolePatterns.High != "" {
				highExpr = pack.RolePatterns.High
			}
			if pack.RolePatterns.Medium != "" {
				mediumExpr = pack.RolePatterns.Medium
			}
			if pack.RolePatterns.Low != "" {
				lowExpr = pack.RolePatterns.Low
			}
		}
	}

	var err error
	if c.highPattern, err = regexp.Compile(highExpr); err != nil {
		return nil, fmt.Errorf("compile high control pattern: %w", err)
	}
	if c.mediumPattern, err = regexp.Compile(mediumExpr); err != nil {
		return nil, fmt.Errorf("compile medium control pattern: %w", err)
	}
	if c.lowPattern, err = regexp.Compile(lowExpr); err != nil {
		return nil, fmt.Errorf("compile low control pattern: %w", err)
	}

	return c, nil
}

// Categorize groups the wells of each channel by control role. Pure: inputs are not
// modified and repeated calls yield identical groupings. A channel with zero control
// wells simply has no groups.
func (c *Categorizer) Categorize(wells []models.WellCurve) map[string][]models.ControlGroup {
	byChannel := make(map[string]map[models.ControlRole][]models.WellCurve)

	for _, w := range wells {
		role, ok := c.Classify(w.SampleName)
		if !ok {
			continue
		}
		if byChannel[w.Channel] == nil {
			byChannel[w.Channel] = make(map[models.ControlRole][]models.WellCurve)
		}
		byChannel[w.Channel][role] = append(byChannel[w.Channel][role], w)
	}

	out := make(map[string][]models.ControlGroup, len(byChannel))
	for ch, roles := range byChannel {
		groups := make([]models.ControlGroup, 0, len(roles))
		for role, members := range roles {
			groups = append(groups, models.ControlGroup{Channel: ch, Role: role, Wells: members})
		}
		sort.Slice(groups, func(i, j int) bool { return groups[i].Role < groups[j].Role })
		out[ch] = groups
	}
	return out
}

// Classify applies the ordered rules to one sample name. The second result is false
// when the well is not a control.
func (c *Categorizer) Classify(sampleName string) (models.ControlRole, bool) {
	name := strings.ToLower(strings.TrimSpace(sampleName))
	if name == "" {
		return "", false
	}

	if containsAny(name, c.ntcTokens) {
		return models.RoleNTC, true
	}

	if containsAny(name, c.controlTokens) {
		switch {
		case c.highPattern.MatchString(name):
			return models.RoleHigh, true
		case c.mediumPattern.MatchString(name):
			return models.RoleMedium, true
		case c.lowPattern.MatchString(name):
			return models.RoleLow, true
		}
	}

	if containsAny(name, c.otherTokens) {
		return models.RoleOther, true
	}

	return "", false
}

func containsAny(name string, tokens []string) bool {
	for _, tok := range tokens {
		if tok != "" && strings.Contains(name, strings.ToLower(tok)) {
			return true
		}
	}
	return false
}
