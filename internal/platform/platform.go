// Package platform names the host OS/architecture the way release assets do
// and picks the matching asset of a release.
package platform

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrNoMatchingAsset is returned when no release asset fits the platform.
var ErrNoMatchingAsset = errors.New("no release asset matches platform")

// Platform represents a target OS/Architecture combination
type Platform struct {
	OS         string // windows, linux, mac
	Arch       string // x64, aarch64
	FileExt    string // zip, tar.gz
	Classifier string // os-arch
}

// PredefinedPlatforms returns the platforms the gateway can install on.
func PredefinedPlatforms() []Platform {
	return []Platform{
		buildPlatform("windows", "x64"),
		buildPlatform("windows", "aarch64"),
		buildPlatform("mac", "x64"),
		buildPlatform("mac", "aarch64"),
		buildPlatform("linux", "x64"),
		buildPlatform("linux", "aarch64"),
	}
}

// FindPlatform finds a platform by its classifier, e.g. "linux-x64".
func FindPlatform(classifier string) (Platform, error) {
	for _, p := range PredefinedPlatforms() {
		if p.Classifier == classifier {
			return p, nil
		}
	}
	return Platform{}, fmt.Errorf("unknown platform: %s", classifier)
}

// CurrentPlatform returns the platform for the current system
func CurrentPlatform() Platform {
	return buildPlatform(mapOS(runtime.GOOS), mapArch(runtime.GOARCH))
}

// mapOS converts Go's GOOS to our platform OS naming
func mapOS(goos string) string {
	switch goos {
	case "windows":
		return "windows"
	case "darwin":
		return "mac"
	default:
		return "linux"
	}
}

// mapArch converts Go's GOARCH to our platform architecture naming
func mapArch(goarch string) string {
	switch goarch {
	case "arm64":
		return "aarch64"
	default:
		return "x64"
	}
}

// buildPlatform constructs a Platform from OS and architecture strings
func buildPlatform(os, arch string) Platform {
	fileExt := "tar.gz"
	if os == "windows" {
		fileExt = "zip"
	}
	return Platform{
		OS:         os,
		Arch:       arch,
		FileExt:    fileExt,
		Classifier: fmt.Sprintf("%s-%s", os, arch),
	}
}

// aliases lists the spellings release authors use for each OS and arch.
var aliases = map[string][]string{
	"windows": {"windows", "win"},
	"mac":     {"mac", "macos", "darwin", "osx"},
	"linux":   {"linux"},
	"x64":     {"x64", "amd64", "x86_64"},
	"aarch64": {"aarch64", "arm64"},
}

// AssetName expands {version}, {os}, {arch} and {ext} in pattern. A leading
// "v" is dropped from the version for {version}; {tag} keeps it.
func (p Platform) AssetName(pattern, tag string) string {
	r := strings.NewReplacer(
		"{tag}", tag,
		"{version}", strings.TrimPrefix(tag, "v"),
		"{os}", p.OS,
		"{arch}", p.Arch,
		"{ext}", p.FileExt,
	)
	return r.Replace(pattern)
}

// SelectAsset picks the asset for this platform. With a pattern the expanded
// name must match exactly; without one the first archive naming both the OS
// and the arch wins, and a lone archive is accepted as platform independent.
func (p Platform) SelectAsset(names []string, pattern, tag string) (string, error) {
	if pattern != "" {
		want := p.AssetName(pattern, tag)
		for _, n := range names {
			if n == want {
				return n, nil
			}
		}
		return "", fmt.Errorf("%w: %s (expected %s)", ErrNoMatchingAsset, p.Classifier, want)
	}

	var archives []string
	for _, n := range names {
		if IsArchive(n) {
			archives = append(archives, n)
		}
	}
	for _, n := range archives {
		tokens := strings.FieldsFunc(strings.ToLower(n), func(r rune) bool {
			return r == '-' || r == '.' || r == ' '
		})
		if hasAny(tokens, aliases[p.OS]) && hasAny(tokens, aliases[p.Arch]) {
			return n, nil
		}
	}
	if len(archives) == 1 {
		return archives[0], nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoMatchingAsset, p.Classifier)
}

// IsArchive reports whether name has an extension the installer can unpack.
func IsArchive(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz") || strings.HasSuffix(lower, ".zip")
}

func hasAny(tokens, want []string) bool {
	for _, t := range tokens {
		for _, w := range want {
			if t == w {
				return true
			}
		}
	}
	return false
}
