package ig

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend is the file-based IG Client backend (spec.md §4.6): each
// domain is one structured content file, a heading per variable followed by
// free-form detail text, terminated by a markdown summary table (variable
// name, label, type, CT flag, requirement).
type FileBackend struct {
	contentDir string

	mu    sync.Mutex
	cache map[string][]Variable
}

// NewFileBackend returns a backend reading "<domain>.md" files from
// contentDir.
func NewFileBackend(contentDir string) *FileBackend {
	return &FileBackend{contentDir: contentDir, cache: make(map[string][]Variable)}
}

func (b *FileBackend) IsAvailable(_ context.Context) bool {
	info, err := os.Stat(b.contentDir)
	return err == nil && info.IsDir()
}

func (b *FileBackend) GetDomainVariables(_ context.Context, domain string) ([]Variable, error) {
	return b.load(domain)
}

func (b *FileBackend) GetRequiredVariables(ctx context.Context, domain string) ([]Variable, error) {
	vars, err := b.load(domain)
	if err != nil {
		return nil, err
	}
	return filterByRequirement(vars, Required), nil
}

func (b *FileBackend) GetConditionalVariables(ctx context.Context, domain string) ([]Variable, error) {
	vars, err := b.load(domain)
	if err != nil {
		return nil, err
	}
	return filterByRequirement(vars, Conditional), nil
}

func (b *FileBackend) GetCTVariables(ctx context.Context, domain string) ([]Variable, error) {
	vars, err := b.load(domain)
	if err != nil {
		return nil, err
	}
	return filterCTControlled(vars), nil
}

func (b *FileBackend) GetVariableDetail(ctx context.Context, domain, variable string) (Variable, bool, error) {
	vars, err := b.load(domain)
	if err != nil {
		return Variable{}, false, err
	}
	for _, v := range vars {
		if strings.EqualFold(v.Name, variable) {
			return v, true, nil
		}
	}
	return Variable{}, false, nil
}

// load parses "<domain>.md" in contentDir, caching the result. A missing
// domain file returns an empty slice, not an error (spec.md §4.6: "Missing
// domain → empty results, not failure").
func (b *FileBackend) load(domain string) ([]Variable, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := strings.ToLower(domain)
	if cached, ok := b.cache[key]; ok {
		return cached, nil
	}

	path := filepath.Join(b.contentDir, key+".md")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			b.cache[key] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("opening IG content file %q: %w", path, err)
	}
	defer f.Close()

	vars, err := parseDomainFile(f)
	if err != nil {
		return nil, fmt.Errorf("parsing IG content file %q: %w", path, err)
	}
	b.cache[key] = vars
	return vars, nil
}

// parseDomainFile reads a heading-per-variable body (## VARNAME as the
// section boundary) and a terminating markdown summary table, then merges
// requirement/type/CT flag from the table with free-text detail from the
// matching heading section.
func parseDomainFile(r *os.File) ([]Variable, error) {
	sections := map[string]string{}
	var order []string
	var currentName string
	var body strings.Builder
	var tableLines []string
	inTable := false

	flushSection := func() {
		if currentName != "" {
			sections[currentName] = strings.TrimSpace(body.String())
		}
		body.Reset()
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "## ") {
			flushSection()
			currentName = strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))
			order = append(order, currentName)
			continue
		}
		if strings.HasPrefix(trimmed, "|") {
			inTable = true
			tableLines = append(tableLines, trimmed)
			continue
		}
		if inTable && trimmed == "" {
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flushSection()
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	rows, err := parseMarkdownTable(tableLines)
	if err != nil {
		return nil, err
	}

	vars := make([]Variable, 0, len(rows))
	for _, row := range rows {
		name := row["variable"]
		vars = append(vars, Variable{
			Name:         name,
			Label:        row["label"],
			Type:         row["type"],
			CTControlled: strings.EqualFold(row["ct"], "y") || strings.EqualFold(row["ct"], "yes"),
			Requirement:  Requirement(row["requirement"]),
			Detail:       sections[name],
		})
	}
	return vars, nil
}

// parseMarkdownTable parses a pipe-delimited table (header row, a
// "---" separator row, then data rows) into a slice of lower-cased
// header-keyed row maps.
func parseMarkdownTable(lines []string) ([]map[string]string, error) {
	var dataLines []string
	for _, l := range lines {
		if isTableSeparator(l) {
			continue
		}
		dataLines = append(dataLines, l)
	}
	if len(dataLines) == 0 {
		return nil, nil
	}
	header := splitTableRow(dataLines[0])
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	var rows []map[string]string
	for _, line := range dataLines[1:] {
		cells := splitTableRow(line)
		row := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(cells) {
				row[h] = strings.TrimSpace(cells[i])
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func splitTableRow(line string) []string {
	trimmed := strings.Trim(line, "|")
	parts := strings.Split(trimmed, "|")
	return parts
}

func isTableSeparator(line string) bool {
	trimmed := strings.Trim(line, "|")
	for _, field := range strings.Split(trimmed, "|") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.Trim(field, "-: ") != "" {
			return false
		}
	}
	return true
}
