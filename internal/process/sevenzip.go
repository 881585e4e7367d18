package process

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SevenZip extracts an archive into the target directory. Existing files
// are skipped (-aos), so a retried extraction only writes what is missing.
type SevenZip struct {
	Supervisor *Supervisor
}

func NewSevenZip(sup *Supervisor) *SevenZip {
	return &SevenZip{Supervisor: sup}
}

var sevenZipTool = tool{
	name:       "7z",
	executable: "7z",
	stream:     Stdout,
	args: func(spec Spec) []string {
		return []string{
			"x",
			spec.Source,
			"-o" + spec.TargetDirectory,
			"-aos",
			"-bsp1",
			"-y",
		}
	},
	parse: parseSevenZipProgress,
	exitCodes: map[int]string{
		1:   "Warning (Non fatal error(s)). For example, one or more files were locked by some other application, so they were not compressed.",
		2:   "Fatal error.",
		7:   "Command line error.",
		8:   "Not enough memory for operation.",
		255: "User stopped the process.",
	},
}

func (z *SevenZip) Start(ctx context.Context, spec Spec, onProgress ProgressFunc) Result {
	return sevenZipTool.run(ctx, z.Supervisor, spec, onProgress)
}

// Matches -bsp1 progress records such as " 45% 12 - Mods/aircraft/F-16.lua".
var sevenZipProgress = regexp.MustCompile(`^\s*(\d{1,3})%(?:\s+(\d+))?(?:\s+-\s+(.+))?`)

func parseSevenZipProgress(line string) (float64, string, bool) {
	m := sevenZipProgress.FindStringSubmatch(line)
	if m == nil {
		return 0, "", false
	}
	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil || percent > 100 {
		return 0, "", false
	}
	summary := m[1] + "%"
	if m[2] != "" {
		summary = fmt.Sprintf("%s, %s files", summary, m[2])
	}
	if file := strings.TrimSpace(m[3]); file != "" {
		summary = fmt.Sprintf("%s, %s", summary, file)
	}
	return percent, summary, true
}
