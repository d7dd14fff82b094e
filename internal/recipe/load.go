package recipe

import (
	"bufio"
	"bytes"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Encoding of a recipe file.
type Format string

const (
	FormatLines Format = "lines" // One directive per line.
	FormatYAML  Format = "yaml"  // "params" map and "steps" list.
	FormatTOML  Format = "toml"  // "params" table and "steps" array.
)

// Keyword declaring a parameter default in line-format recipes.
const paramKeyword = "param"

// YAML recipe document. Steps are kept as nodes to recover source lines.
type document struct {
	Params map[string]string `yaml:"params"`
	Steps  []yaml.Node       `yaml:"steps"`
}

// TOML has no node type, so steps are decoded as plain strings.
type tomlDocument struct {
	Params map[string]string `toml:"params"`
	Steps  []string          `toml:"steps"`
}

// Selects the format of a recipe file from its extension.
//
// ".yaml" and ".yml" select YAML, ".toml" selects TOML, and everything else
// (including "Boxfile" or "*.box") is read as line format.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatLines
	}
}

// Reads and parses a recipe file.
//
// Parameters declared in the file provide defaults; overrides take
// precedence over them. The format is chosen with [FormatFor].
func Load(path string, overrides map[string]string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecipeFile, err)
	}

	return Read(FormatFor(path), data, overrides)
}

// Decodes and parses recipe source.
//
// Parameters declared in the source provide defaults; overrides take
// precedence over them.
func Read(format Format, data []byte, overrides map[string]string) (*Recipe, error) {
	raw, params, err := Decode(format, data)
	if err != nil {
		return nil, err
	}

	if params == nil {
		params = make(map[string]string, len(overrides))
	}
	maps.Copy(params, overrides)

	return Parse(raw, params)
}

// Decodes recipe source into raw directives and declared parameters.
//
// Directives are not validated; pass the result to [Parse].
func Decode(format Format, data []byte) ([]Raw, map[string]string, error) {
	switch format {
	case FormatYAML:
		return decodeYAML(data)
	case FormatTOML:
		return decodeTOML(data)
	case FormatLines, "":
		return decodeLines(data)
	}
	return nil, nil, fmt.Errorf("%w: unsupported format %q", ErrRecipeFile, format)
}

// Decodes the line format.
//
// Blank lines and lines starting with "#" are ignored. A trailing backslash
// joins the next line. "param <name> <value>" lines declare defaults and do
// not count as directives; the value may be double-quoted.
func decodeLines(data []byte) ([]Raw, map[string]string, error) {
	var (
		raw     []Raw
		params  = make(map[string]string)
		pending strings.Builder
		start   int
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if pending.Len() == 0 {
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			start = lineNo
		}

		if cont, ok := strings.CutSuffix(line, `\`); ok {
			pending.WriteString(cont)
			pending.WriteByte(' ')
			continue
		}

		pending.WriteString(line)
		text := pending.String()
		pending.Reset()

		if word, rest := splitWord(text); word == paramKeyword {
			name, value, err := parseParam(rest)
			if err != nil {
				return nil, nil, &ParseError{Origin: Origin{Line: start}, Word: paramKeyword, Err: ErrArityMismatch, Detail: err.Error()}
			}
			params[name] = value
			continue
		}

		raw = append(raw, Raw{Line: start, Text: text})
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrRecipeFile, err)
	}
	if pending.Len() > 0 {
		raw = append(raw, Raw{Line: start, Text: strings.TrimSpace(pending.String())})
	}

	return raw, params, nil
}

// Parses the arguments of a param declaration.
func parseParam(rest string) (name, value string, err error) {
	name, value = splitWord(rest)
	if name == "" || value == "" {
		return "", "", fmt.Errorf("expected name and value, got %q", rest)
	}
	if !validParamName(name) {
		return "", "", fmt.Errorf("invalid parameter name %q", name)
	}
	if strings.HasPrefix(value, `"`) {
		unquoted, err := strconv.Unquote(value)
		if err != nil {
			return "", "", fmt.Errorf("value of %q: %w", name, err)
		}
		value = unquoted
	}
	return name, value, nil
}

// Decodes a YAML document, keeping source lines for each step.
func decodeYAML(data []byte) ([]Raw, map[string]string, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrRecipeFile, err)
	}

	raw := make([]Raw, 0, len(doc.Steps))
	for _, node := range doc.Steps {
		if node.Kind != yaml.ScalarNode {
			return nil, nil, fmt.Errorf("%w: line %d: step must be a string", ErrRecipeFile, node.Line)
		}
		raw = append(raw, Raw{Line: node.Line, Text: node.Value})
	}

	return raw, doc.Params, nil
}

// Decodes a TOML document.
func decodeTOML(data []byte) ([]Raw, map[string]string, error) {
	var doc tomlDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrRecipeFile, err)
	}

	raw := make([]Raw, 0, len(doc.Steps))
	for _, step := range doc.Steps {
		raw = append(raw, Raw{Text: step})
	}

	return raw, doc.Params, nil
}
