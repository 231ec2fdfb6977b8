package refs

import (
	"strings"

	"github.com/kptdev/gitd/internal/giterrors"
)

// disallowedChars are the single characters spec §4.6 rejects outright
// inside a ref name, beyond the structural rules checked separately.
const disallowedChars = " ~^:?*[\\"

// ValidateName enforces spec §4.6's ref-name validation rules. HEAD is
// the one name allowed outside the refs/ namespace.
func ValidateName(name string) error {
	if name == "HEAD" {
		return nil
	}
	if name == "" || name == "@" {
		return giterrors.New(giterrors.InvalidName, "ref name must not be empty or \"@\"")
	}
	if !strings.HasPrefix(name, "refs/") {
		return giterrors.New(giterrors.InvalidName, "ref name %q must start with refs/ (HEAD excepted)", name)
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return giterrors.New(giterrors.InvalidName, "ref name %q must not start or end with /", name)
	}
	if strings.Contains(name, "//") {
		return giterrors.New(giterrors.InvalidName, "ref name %q must not contain //", name)
	}
	if strings.Contains(name, "..") {
		return giterrors.New(giterrors.InvalidName, "ref name %q must not contain ..", name)
	}
	if strings.Contains(name, "@{") {
		return giterrors.New(giterrors.InvalidName, "ref name %q must not contain @{", name)
	}
	if strings.ContainsAny(name, disallowedChars) {
		return giterrors.New(giterrors.InvalidName, "ref name %q contains a disallowed character", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return giterrors.New(giterrors.InvalidName, "ref name %q contains a control character", name)
		}
	}
	for _, component := range strings.Split(name, "/") {
		if strings.HasPrefix(component, ".") {
			return giterrors.New(giterrors.InvalidName, "ref name %q has a component starting with .", name)
		}
		if strings.HasSuffix(component, ".lock") {
			return giterrors.New(giterrors.InvalidName, "ref name %q has a component ending with .lock", name)
		}
	}
	return nil
}
