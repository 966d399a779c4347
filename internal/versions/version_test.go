package versions

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionInfo(t *testing.T) {
	t.Parallel()

	noVCS := func() (string, string) { return "", "" }
	withVCS := func() (string, string) { return "0123456789abcdef", "2026-03-04T05:06:07Z" }

	tests := []struct {
		name          string
		version       string
		commit        string
		buildDate     string
		vcs           func() (string, string)
		wantVersion   string
		wantCommit    string
		wantBuildDate string
	}{
		{
			name:          "release build",
			version:       "v1.2.0",
			commit:        "abc123",
			buildDate:     "2026-02-01T10:00:00Z",
			vcs:           withVCS,
			wantVersion:   "v1.2.0",
			wantCommit:    "abc123",
			wantBuildDate: "2026-02-01 10:00:00 UTC",
		},
		{
			name:          "dev build uses vcs info",
			version:       "dev",
			commit:        unknownStr,
			buildDate:     unknownStr,
			vcs:           withVCS,
			wantVersion:   "build-01234567",
			wantCommit:    "0123456789abcdef",
			wantBuildDate: "2026-03-04 05:06:07 UTC",
		},
		{
			name:          "dev build without vcs info",
			version:       "dev",
			commit:        unknownStr,
			buildDate:     unknownStr,
			vcs:           noVCS,
			wantVersion:   "build-unknown",
			wantCommit:    unknownStr,
			wantBuildDate: unknownStr,
		},
		{
			name:          "unparseable build date is kept",
			version:       "v0.3.0",
			commit:        "def456",
			buildDate:     "yesterday",
			vcs:           noVCS,
			wantVersion:   "v0.3.0",
			wantCommit:    "def456",
			wantBuildDate: "yesterday",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			info := versionInfo(tt.version, tt.commit, tt.buildDate, tt.vcs)
			assert.Equal(t, tt.wantVersion, info.Version)
			assert.Equal(t, tt.wantCommit, info.Commit)
			assert.Equal(t, tt.wantBuildDate, info.BuildDate)
			assert.Equal(t, runtime.Version(), info.GoVersion)
			assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
		})
	}
}
