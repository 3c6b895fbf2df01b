package frpconfig

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/treykane/frpc-manager/internal/model"
)

// Section is one [name] block of an frpc INI file.
type Section struct {
	Name   string
	Values map[string]string
}

// ParseResult holds the sections in file order plus non-fatal warnings.
type ParseResult struct {
	Sections []Section
	Warnings []string
}

// Section returns the named section.
func (r ParseResult) Section(name string) (Section, bool) {
	for _, s := range r.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// Endpoint extracts the relay endpoint from the [common] section.
func (r ParseResult) Endpoint() (model.ServerEndpoint, error) {
	common, ok := r.Section("common")
	if !ok {
		return model.ServerEndpoint{}, fmt.Errorf("missing [common] section")
	}
	addr := strings.TrimSpace(common.Values["server_addr"])
	if addr == "" {
		return model.ServerEndpoint{}, fmt.Errorf("[common] has no server_addr")
	}
	port := 7000
	if v, ok := common.Values["server_port"]; ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return model.ServerEndpoint{}, fmt.Errorf("invalid server_port %q", v)
		}
		port = p
	}
	return model.ServerEndpoint{Address: addr, Port: port, Token: common.Values["token"]}, nil
}

// ParseFile parses an frpc INI config from disk.
func ParseFile(path string) (ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ParseResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the INI dialect frpc accepts: [section] headers, key = value
// lines, and '#' or ';' comments. Keys outside any section are reported as
// warnings and skipped.
func Parse(r io.Reader) (ParseResult, error) {
	var (
		res     ParseResult
		current *Section
	)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				res.Warnings = append(res.Warnings, fmt.Sprintf("line %d: unterminated section header", lineNo))
				continue
			}
			name := strings.TrimSpace(line[1 : len(line)-1])
			res.Sections = append(res.Sections, Section{Name: name, Values: map[string]string{}})
			current = &res.Sections[len(res.Sections)-1]
			continue
		}
		key, value, ok := splitKeyValue(line)
		if !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("line %d: invalid entry", lineNo))
			continue
		}
		if current == nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("line %d: %s outside of a section", lineNo, key))
			continue
		}
		current.Values[strings.ToLower(key)] = value
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("scan config: %w", err)
	}
	return res, nil
}

func splitKeyValue(line string) (key, value string, ok bool) {
	i := strings.Index(line, "=")
	if i <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	value = strings.TrimSpace(line[i+1:])
	return key, value, key != ""
}
