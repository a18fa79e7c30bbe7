package internal

import (
	"fmt"
	"strconv"
	"time"
)

// Set with -ldflags "-X github.com/Eyevinn/streammux/internal.commitVersion=... -X ...commitDate=<unix seconds>"
var (
	commitVersion string = "v0.1.0"
	commitDate    string
)

// GetVersion returns the version and, when known, the commit date.
func GetVersion() string {
	seconds, err := strconv.Atoi(commitDate)
	if err != nil || commitDate == "" {
		return commitVersion
	}
	t := time.Unix(int64(seconds), 0)
	return fmt.Sprintf("%s, date: %s", commitVersion, t.Format("2006-01-02"))
}
