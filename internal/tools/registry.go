// Package tools maps documents and questions to the EDA tool they belong
// to. The mapping drives source labelling and retrieval prioritization.
package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/hsn0918/edakb/internal/logger"
)

// ConfigFileName is the registry sidecar under the data directory.
const ConfigFileName = "tools_config.json"

// Tool describes one configured tool. FilenamePatterns match document
// names by substring; QueryKeywords match questions on word boundaries.
type Tool struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	FilenamePatterns []string `json:"filename_patterns"`
	QueryKeywords    []string `json:"query_keywords"`
}

type configFile struct {
	Tools []Tool `json:"tools"`
}

// Registry holds the tool configuration and persists changes made by
// auto-discovery.
type Registry struct {
	mu    sync.RWMutex
	path  string
	tools []Tool
}

func defaultTools() []Tool {
	return []Tool{
		{
			ID:               "fc",
			Name:             "Fusion Compiler (FC)",
			FilenamePatterns: []string{"fc", "fusion"},
			QueryKeywords:    []string{"fc", "fusion compiler"},
		},
		{
			ID:               "pt",
			Name:             "PrimeTime (PT)",
			FilenamePatterns: []string{"pt", "primetime"},
			QueryKeywords:    []string{"pt", "primetime", "prime time"},
		},
		{
			ID:               "icc2",
			Name:             "IC Compiler 2 (ICC2)",
			FilenamePatterns: []string{"icc2", "ic_compiler", "icc"},
			QueryKeywords:    []string{"icc2", "ic compiler", "icc"},
		},
		{
			ID:               "dc",
			Name:             "Design Compiler (DC)",
			FilenamePatterns: []string{"dc", "design_compiler"},
			QueryKeywords:    []string{"dc", "design compiler"},
		},
	}
}

// NewRegistry loads the registry from dataDir. A missing config file is
// recreated with the default tool set.
func NewRegistry(dataDir string) *Registry {
	r := &Registry{path: filepath.Join(dataDir, ConfigFileName)}

	data, err := os.ReadFile(r.path)
	if err == nil {
		var cfg configFile
		if uerr := sonic.Unmarshal(data, &cfg); uerr == nil && len(cfg.Tools) > 0 {
			r.tools = cfg.Tools
			return r
		}
		logger.GetLogger().Warn("工具配置文件无效，使用默认配置",
			zap.String("path", r.path))
	}

	r.tools = defaultTools()
	if err := r.save(); err != nil {
		logger.GetLogger().Warn("写入默认工具配置失败", zap.Error(err))
	}
	return r
}

// Tools returns a copy of the configured tools.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Tool(nil), r.tools...)
}

// MatchQuery finds the first tool whose keywords appear in the question
// as whole words. Matching is case-insensitive.
func (r *Registry) MatchQuery(question string) (Tool, bool) {
	lowered := strings.ToLower(question)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tool := range r.tools {
		if len(tool.QueryKeywords) == 0 {
			continue
		}
		escaped := make([]string, len(tool.QueryKeywords))
		for i, kw := range tool.QueryKeywords {
			escaped[i] = regexp.QuoteMeta(strings.ToLower(kw))
		}
		re, err := regexp.Compile(`\b(` + strings.Join(escaped, "|") + `)\b`)
		if err != nil {
			continue
		}
		if re.MatchString(lowered) {
			return tool, true
		}
	}
	return Tool{}, false
}

// LabelFor maps a document filename to its tool display name. Unmatched
// filenames label as themselves, lowercased.
func (r *Registry) LabelFor(filename string) string {
	lowered := strings.ToLower(filename)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tool := range r.tools {
		for _, pattern := range tool.FilenamePatterns {
			if strings.Contains(lowered, pattern) {
				return tool.Name
			}
		}
	}
	return lowered
}

// MatchesSource reports whether the filename belongs to the tool.
func (t Tool) MatchesSource(filename string) bool {
	lowered := strings.ToLower(filename)
	for _, pattern := range t.FilenamePatterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

var discoverySplit = regexp.MustCompile(`[_\-\s]`)

// guessToolID extracts a candidate tool id from a filename, for example
// "starrc_ug.pdf" yields "starrc". Short prefixes are rejected.
func guessToolID(filename string) string {
	name := strings.ToLower(filename)
	name = strings.ReplaceAll(name, ".pdf", "")
	name = strings.ReplaceAll(name, ".md", "")

	parts := discoverySplit.Split(name, -1)
	if len(parts) > 0 && len(parts[0]) > 2 {
		return parts[0]
	}
	return ""
}

// Discover scans source filenames for tools not yet covered by any
// configured pattern, registers them, and returns the new tool ids.
func (r *Registry) Discover(sources []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := map[string]struct{}{}
	for _, tool := range r.tools {
		existing[tool.ID] = struct{}{}
	}

	var added []string
	for _, source := range sources {
		lowered := strings.ToLower(source)
		covered := false
		for _, tool := range r.tools {
			for _, pattern := range tool.FilenamePatterns {
				if strings.Contains(lowered, pattern) {
					covered = true
					break
				}
			}
			if covered {
				break
			}
		}
		if covered {
			continue
		}

		id := guessToolID(source)
		if id == "" {
			continue
		}
		if _, ok := existing[id]; ok {
			continue
		}
		existing[id] = struct{}{}

		r.tools = append(r.tools, Tool{
			ID:               id,
			Name:             titleCase(id),
			FilenamePatterns: []string{id},
			QueryKeywords:    []string{id},
		})
		added = append(added, id)
	}

	if len(added) > 0 {
		if err := r.save(); err != nil {
			logger.GetLogger().Warn("保存工具配置失败", zap.Error(err))
		}
	}
	return added
}

// save persists the registry atomically. Callers hold the lock or are
// the constructor.
func (r *Registry) save() error {
	data, err := sonic.Marshal(configFile{Tools: r.tools})
	if err != nil {
		return fmt.Errorf("序列化工具配置失败: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入工具配置失败: %w", err)
	}
	return os.Rename(tmp, r.path)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
