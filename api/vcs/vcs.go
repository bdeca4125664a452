package vcs

import (
	"path"
	"regexp"
	"strings"

	"skiff/api/fault"
)

var allowedPrefixes = []string{"https://github.com/", "git@github.com:"}

var repoNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateURL accepts GitHub https and ssh clone URLs only.
func ValidateURL(url string) error {
	if strings.ContainsAny(url, " \t\r\n") {
		return fault.Newf(fault.Validation, "clone", "invalid repository URL %q", url)
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(url, p) && len(url) > len(p) {
			_, err := RepoName(url)
			return err
		}
	}
	return fault.Newf(fault.Validation, "clone", "invalid GitHub URL %q: must start with https://github.com/ or git@github.com:", url)
}

// RepoName derives the checkout directory from a clone URL.
func RepoName(url string) (string, error) {
	trimmed := strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	if i := strings.LastIndex(trimmed, ":"); i >= 0 && !strings.Contains(trimmed[i:], "/") {
		trimmed = trimmed[i+1:]
	}
	name := path.Base(trimmed)
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	if name == "." || name == ".." || !repoNameRe.MatchString(name) {
		return "", fault.Newf(fault.Validation, "clone", "cannot derive a safe directory name from %q", url)
	}
	return name, nil
}

// CloneStep returns the argv for a shallow clone of url into dest.
func CloneStep(url, dest string) ([]string, error) {
	if err := ValidateURL(url); err != nil {
		return nil, err
	}
	return []string{"git", "clone", "--depth", "1", "--", url, dest}, nil
}

// CloneURL returns the repository argument of a "git clone" argv. ok is
// false when argv is not a clone.
func CloneURL(argv []string) (url string, ok bool) {
	if len(argv) < 3 || path.Base(argv[0]) != "git" || argv[1] != "clone" {
		return "", false
	}
	args := argv[2:]
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", true
		case a == "--depth" || a == "--branch" || a == "-b" || a == "--origin" || a == "-o":
			i++
		case strings.HasPrefix(a, "-"):
		default:
			return a, true
		}
	}
	return "", true
}
