package clamav

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"
)

var versionRe = regexp.MustCompile(`^ClamAV ([0-9][0-9.]*)(?:/(\d+)/(.+))?$`)

// parseVersion splits `clamscan --version` output such as
// "ClamAV 1.4.1/27805/Mon Oct 27 09:50:30 2025".
func parseVersion(out []byte) Engine {
	line := strings.TrimSpace(firstLine(out))
	m := versionRe.FindStringSubmatch(line)
	if m == nil {
		return Engine{Version: line}
	}
	return Engine{Version: m[1], Signatures: m[2], DatabaseDate: strings.TrimSpace(m[3])}
}

// parseThreats returns the signature names of "<path>: <name> FOUND" lines.
func parseThreats(out []byte) []string {
	var threats []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasSuffix(line, " FOUND") {
			continue
		}
		i := strings.LastIndex(line, ": ")
		if i < 0 {
			continue
		}
		name := strings.TrimSpace(strings.TrimSuffix(line[i+2:], " FOUND"))
		if name != "" {
			threats = append(threats, name)
		}
	}
	return threats
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
