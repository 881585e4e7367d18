package process

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// Wget downloads a URL into the target directory. Partial files are
// continued (-c) so a retried attempt does not refetch completed bytes.
type Wget struct {
	Supervisor *Supervisor
}

func NewWget(sup *Supervisor) *Wget {
	return &Wget{Supervisor: sup}
}

var wgetTool = tool{
	name:       "wget",
	executable: "wget",
	stream:     Stderr,
	args: func(spec Spec) []string {
		return []string{
			"-c",
			"--tries=1",
			"--progress=dot:mega",
			"-P", spec.TargetDirectory,
			spec.Source,
		}
	},
	parse: parseWgetProgress,
	exitCodes: map[int]string{
		1: "Generic error code.",
		2: "Parse error - for instance, when parsing command-line options, the .wgetrc or .netrc...",
		3: "File I/O error.",
		4: "Network failure.",
		5: "SSL verification failure.",
		6: "Username/password authentication failure.",
		7: "Protocol errors.",
		8: "Server issued an error response.",
	},
}

func (w *Wget) Start(ctx context.Context, spec Spec, onProgress ProgressFunc) Result {
	return wgetTool.run(ctx, w.Supervisor, spec, onProgress)
}

// Matches the tail of a dot-style progress line:
//
//	3072K ........ ........  4% 1.12M 2m30s
//	7168K ........ .....   100% 3.45M=0.9s
var wgetProgress = regexp.MustCompile(`(\d{1,3})%\s+([\d.,]+[KMG]?)([ =])(\S+)`)

func parseWgetProgress(line string) (float64, string, bool) {
	m := wgetProgress.FindStringSubmatch(line)
	if m == nil {
		return 0, "", false
	}
	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil || percent > 100 {
		return 0, "", false
	}
	if m[3] == "=" {
		return percent, fmt.Sprintf("%s%% at %sB/s in %s", m[1], m[2], m[4]), true
	}
	return percent, fmt.Sprintf("%s%% at %sB/s, %s remaining", m[1], m[2], m[4]), true
}
