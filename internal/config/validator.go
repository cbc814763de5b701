package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

// Severity ranks a validation issue.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Issue is a single finding from config validation.
type Issue struct {
	Severity Severity
	Section  string
	Message  string
}

func (i Issue) String() string {
	if i.Section != "" {
		return fmt.Sprintf("%s: [%s] %s", i.Severity, i.Section, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Severity, i.Message)
}

var canonicalSections = []string{
	"Connection", "Bot", "Channels",
	"Admin_ACL", "Banned_Users", "Localization", "Keywords", "Custom_Syntax",
	"Scheduled_Messages", "Logging", "External_Data", "Weather", "Solar_Config",
	"Channels_List", "Web_Viewer", "Feed_Manager", "PacketCapture", "MapUploader",
	"Weather_Service", "DiscordBridge", "Plugin_Overrides", "Companion_Purge",
}

var optionalInfoSections = []string{
	"Admin_ACL", "Banned_Users", "Localization", "Keywords", "Scheduled_Messages", "Logging",
}

// Validate classifies every section of the file and reports findings.
// It works on the raw file so a broken config can still be diagnosed.
// Errors for missing required sections, warnings for near-miss section
// names and unwritable paths, info for absent optional sections.
func Validate(path string) []Issue {
	var issues []Issue

	file, err := ini.Load(filepath.Clean(path))
	if err != nil {
		return []Issue{{Severity: SeverityError, Message: fmt.Sprintf("cannot read config: %v", err)}}
	}

	present := map[string]bool{}
	for _, sec := range file.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		present[sec.Name()] = true
	}

	for _, name := range requiredSections {
		if !present[name] {
			issues = append(issues, Issue{SeverityError, name, "required section is missing"})
		}
	}

	canonical := map[string]bool{}
	for _, name := range canonicalSections {
		canonical[name] = true
	}

	var unknown []string
	for name := range present {
		switch {
		case canonical[name]:
		case strings.HasSuffix(name, "_Command"):
		default:
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		if match, ok := nearestCanonical(name); ok {
			issues = append(issues, Issue{SeverityWarning, name, fmt.Sprintf("unknown section, did you mean [%s]?", match)})
		} else if strings.Contains(strings.ToLower(name), "command") {
			issues = append(issues, Issue{SeverityWarning, name, "command-like section should be named <Name>_Command"})
		} else {
			issues = append(issues, Issue{SeverityWarning, name, "unknown section, ignored"})
		}
	}

	for _, name := range optionalInfoSections {
		if !present[name] {
			issues = append(issues, Issue{SeverityInfo, name, "optional section absent, defaults apply"})
		}
	}

	if present["Bot"] {
		dbPath := stripQuotes(file.Section("Bot").Key("db_path").String())
		if dbPath == "" {
			dbPath = "meshcore-bot.db"
		}
		if err := checkWritableDir(filepath.Dir(dbPath)); err != nil {
			issues = append(issues, Issue{SeverityWarning, "Bot", fmt.Sprintf("db_path not writable: %v", err)})
		}
	}
	if present["Logging"] {
		sec := file.Section("Logging")
		if b, err := sec.Key("log_to_file").Bool(); err == nil && b {
			logFile := stripQuotes(sec.Key("log_file").String())
			if logFile == "" {
				logFile = "meshcore-bot.log"
			}
			if err := checkWritableDir(filepath.Dir(logFile)); err != nil {
				issues = append(issues, Issue{SeverityWarning, "Logging", fmt.Sprintf("log_file not writable: %v", err)})
			}
		}
	}
	if present["Web_Viewer"] {
		wvDB := stripQuotes(file.Section("Web_Viewer").Key("db_path").String())
		if wvDB != "" {
			if err := checkWritableDir(filepath.Dir(wvDB)); err != nil {
				issues = append(issues, Issue{SeverityWarning, "Web_Viewer", fmt.Sprintf("db_path not writable: %v", err)})
			}
		}
	}

	return issues
}

// HasErrors reports whether any issue is error-severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// nearestCanonical finds a canonical section within edit distance 2,
// ignoring case and underscores.
func nearestCanonical(name string) (string, bool) {
	norm := func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", ""))
	}
	n := norm(name)
	for _, c := range canonicalSections {
		if editDistance(n, norm(c)) <= 2 {
			return c, true
		}
	}
	return "", false
}

func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, min(cur[j-1]+1, prev[j-1]+cost))
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func checkWritableDir(dir string) error {
	if dir == "" || dir == "." {
		dir = "."
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".writecheck-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}
