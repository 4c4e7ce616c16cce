package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type FailureClass int

const (
	FailureNone FailureClass = iota
	FailureTransient
	FailurePermanent
)

func (c FailureClass) String() string {
	switch c {
	case FailureNone:
		return "none"
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

func parseFailureClass(s string) (FailureClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "transient":
		return FailureTransient, nil
	case "permanent":
		return FailurePermanent, nil
	default:
		return 0, invalidConfig("unknown failure class %q (expected transient|permanent)", s)
	}
}

// StatusRange is an inclusive range of HTTP status codes.
type StatusRange struct {
	From int
	To   int
}

func (r StatusRange) Contains(code int) bool {
	return code >= r.From && code <= r.To
}

// ParseStatusRange accepts "503", "500-599" or "5xx".
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if len(s) == 3 && strings.HasSuffix(s, "xx") {
		d, err := strconv.Atoi(s[:1])
		if err != nil {
			return StatusRange{}, invalidConfig("invalid status range %q", s)
		}
		return StatusRange{From: d * 100, To: d*100 + 99}, nil
	}
	if from, to, ok := strings.Cut(s, "-"); ok {
		f, err1 := strconv.Atoi(strings.TrimSpace(from))
		t, err2 := strconv.Atoi(strings.TrimSpace(to))
		if err1 != nil || err2 != nil || f > t {
			return StatusRange{}, invalidConfig("invalid status range %q", s)
		}
		return StatusRange{From: f, To: t}, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return StatusRange{}, invalidConfig("invalid status range %q", s)
	}
	return StatusRange{From: code, To: code}, nil
}

// ClassifierConfig is the file representation of a Classifier.
// Single statuses win over ranges; transient wins over permanent at the same precision.
type ClassifierConfig struct {
	Transient ClassRules `yaml:"transient" toml:"transient"`
	Permanent ClassRules `yaml:"permanent" toml:"permanent"`
	// Unknown is the class for statuses and errors no rule covers.
	Unknown string `yaml:"unknown" toml:"unknown"`
}

type ClassRules struct {
	Statuses []int    `yaml:"statuses" toml:"statuses"`
	Ranges   []string `yaml:"ranges" toml:"ranges"`
}

func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Transient: ClassRules{
			Statuses: []int{408, 425, 429},
			Ranges:   []string{"5xx"},
		},
		Permanent: ClassRules{
			Ranges: []string{"4xx"},
		},
		Unknown: "transient",
	}
}

// Classifier decides whether a failed send is retried or dropped.
type Classifier struct {
	transient       map[int]struct{}
	permanent       map[int]struct{}
	transientRanges []StatusRange
	permanentRanges []StatusRange
	unknown         FailureClass
}

func DefaultClassifier() *Classifier {
	c, err := NewClassifier(DefaultClassifierConfig())
	if err != nil {
		panic(err)
	}
	return c
}

func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	unknown, err := parseFailureClass(cfg.Unknown)
	if err != nil {
		return nil, err
	}
	c := &Classifier{
		transient: toSet(cfg.Transient.Statuses),
		permanent: toSet(cfg.Permanent.Statuses),
		unknown:   unknown,
	}
	for code := range c.transient {
		if _, dup := c.permanent[code]; dup {
			return nil, invalidConfig("status %d is listed as both transient and permanent", code)
		}
	}
	if c.transientRanges, err = parseRanges(cfg.Transient.Ranges); err != nil {
		return nil, err
	}
	if c.permanentRanges, err = parseRanges(cfg.Permanent.Ranges); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadClassifier reads a YAML (.yaml/.yml) or TOML (.toml) classifier file.
// Sections missing from the file keep their defaults.
func LoadClassifier(path string) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classifier config: %w", err)
	}
	cfg := DefaultClassifierConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return nil, invalidConfig("unsupported classifier config extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, invalidConfig("parse classifier config %s: %v", path, err)
	}
	return NewClassifier(cfg)
}

// ClassifyStatus returns FailureNone for 2xx.
func (c *Classifier) ClassifyStatus(code int) FailureClass {
	if code >= 200 && code <= 299 {
		return FailureNone
	}
	if _, ok := c.transient[code]; ok {
		return FailureTransient
	}
	if _, ok := c.permanent[code]; ok {
		return FailurePermanent
	}
	for _, r := range c.transientRanges {
		if r.Contains(code) {
			return FailureTransient
		}
	}
	for _, r := range c.permanentRanges {
		if r.Contains(code) {
			return FailurePermanent
		}
	}
	return c.unknown
}

func (c *Classifier) ClassifyError(err error) FailureClass {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, ErrPermanentSend) {
		return FailurePermanent
	}
	if errors.Is(err, ErrTransientSend) {
		return FailureTransient
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return c.ClassifyStatus(statusErr.Code)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FailureTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureTransient
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnsupportedTypeError
	var valueErr *json.UnsupportedValueError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.As(err, &valueErr) {
		return FailurePermanent
	}

	return c.unknown
}

// Config returns the classifier's rules in file form.
func (c *Classifier) Config() ClassifierConfig {
	cfg := ClassifierConfig{
		Transient: ClassRules{Statuses: fromSet(c.transient), Ranges: formatRanges(c.transientRanges)},
		Permanent: ClassRules{Statuses: fromSet(c.permanent), Ranges: formatRanges(c.permanentRanges)},
		Unknown:   c.unknown.String(),
	}
	return cfg
}

func toSet(codes []int) map[int]struct{} {
	out := make(map[int]struct{}, len(codes))
	for _, code := range codes {
		out[code] = struct{}{}
	}
	return out
}

func fromSet(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for code := range set {
		out = append(out, code)
	}
	sort.Ints(out)
	return out
}

func parseRanges(raw []string) ([]StatusRange, error) {
	out := make([]StatusRange, 0, len(raw))
	for _, s := range raw {
		r, err := ParseStatusRange(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func formatRanges(ranges []StatusRange) []string {
	out := make([]string, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, fmt.Sprintf("%d-%d", r.From, r.To))
	}
	return out
}
