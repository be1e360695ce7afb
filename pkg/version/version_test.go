package version

import (
	"strings"
	"testing"
)

func TestHostLanguageVersion_MajorMinor(t *testing.T) {
	v := HostLanguageVersion()
	if v == "" {
		t.Fatal("host language version must not be empty")
	}
	if strings.HasPrefix(v, "go") {
		t.Errorf("version %q should not carry the go prefix", v)
	}
	if parts := strings.Split(v, "."); len(parts) != 2 {
		t.Errorf("version %q should be major.minor", v)
	}
}
